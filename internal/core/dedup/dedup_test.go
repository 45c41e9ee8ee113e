package dedup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJaccard(t *testing.T) {
	t.Run("Identical", func(t *testing.T) {
		require.Equal(t, 1.0, Jaccard("hello world", "hello world"))
	})

	t.Run("Disjoint", func(t *testing.T) {
		require.Equal(t, 0.0, Jaccard("hello world", "foo bar"))
	})

	t.Run("Partial", func(t *testing.T) {
		require.InDelta(t, 1.0/3.0, Jaccard("hello world", "hello there"), 1e-9)
	})

	t.Run("BothEmpty", func(t *testing.T) {
		require.Equal(t, 1.0, Jaccard("", "!!!"))
	})

	t.Run("OneEmpty", func(t *testing.T) {
		require.Equal(t, 0.0, Jaccard("", "hello"))
	})

	t.Run("CaseAndPunctuationIgnored", func(t *testing.T) {
		require.Equal(t, 1.0, Jaccard("Hello, World!", "hello world"))
	})
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"abc", "abc", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"abc", "abcd", 1},
		{"héllo", "hello", 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Levenshtein([]rune(tc.a), []rune(tc.b)), "%q vs %q", tc.a, tc.b)
	}
}

func TestEditSimilarity(t *testing.T) {
	require.Equal(t, 1.0, EditSimilarity("same", "same", 200))
	require.Equal(t, 1.0, EditSimilarity("", "", 200))
	require.InDelta(t, 0.75, EditSimilarity("abcd", "abcx", 200), 1e-9)

	// Differences past the prefix limit are not seen.
	a := strings.Repeat("a", 50) + "tail one"
	b := strings.Repeat("a", 50) + "something else entirely"
	require.Equal(t, 1.0, EditSimilarity(a, b, 50))
}

func TestIsDuplicate(t *testing.T) {
	engine := New()

	t.Run("SelfIsDuplicate", func(t *testing.T) {
		dup, score := engine.IsDuplicate("Shipping the new release today", []string{"Shipping the new release today"})
		require.True(t, dup)
		require.Equal(t, 1.0, score)
	})

	t.Run("TrailingPunctuation", func(t *testing.T) {
		a := "Our quarterly report is now live on the blog"
		b := "Our quarterly report is now live on the blog!!!"
		require.GreaterOrEqual(t, engine.Similarity(a, b), 0.8)

		dup, _ := engine.IsDuplicate(b, []string{a})
		require.True(t, dup)
	})

	t.Run("UnrelatedSentences", func(t *testing.T) {
		a := "Our quarterly report is now live on the blog"
		b := "Join us at the meetup in Lisbon next Thursday"
		require.Less(t, engine.Similarity(a, b), 0.8)

		dup, score := engine.IsDuplicate(a, []string{b})
		require.False(t, dup)
		require.Equal(t, 0.0, score)
	})

	t.Run("ShortCircuitsOnFirstMatch", func(t *testing.T) {
		dup, score := engine.IsDuplicate("hello world", []string{"unrelated text here", "Hello world.", "hello world"})
		require.True(t, dup)
		require.Equal(t, 1.0, score)
	})

	t.Run("EditDistancePath", func(t *testing.T) {
		// Token sets differ (typo) but the character edit distance is small.
		a := "Check out our amazing new product launch today"
		b := "Check out our amazing new product lunch today"
		require.Less(t, Jaccard(a, b), 0.8)

		dup, score := engine.IsDuplicate(a, []string{b})
		require.True(t, dup)
		require.GreaterOrEqual(t, score, 0.8)
	})

	t.Run("EmptyExisting", func(t *testing.T) {
		dup, _ := engine.IsDuplicate("anything", nil)
		require.False(t, dup)
	})
}

func TestFingerprintNormalizesWhitespaceAndCase(t *testing.T) {
	require.Equal(t, Fingerprint("Hello   World"), Fingerprint("hello world"))
	require.NotEqual(t, Fingerprint("hello world"), Fingerprint("hello worlds"))
}

func TestThresholdDefaults(t *testing.T) {
	var engine Engine
	require.Equal(t, DefaultThreshold, engine.threshold())
	require.Equal(t, DefaultPrefixLimit, engine.prefixLimit())

	strict := &Engine{Threshold: 0.99}
	dup, _ := strict.IsDuplicate("hello world again", []string{"hello world agai"})
	require.False(t, dup)
}
