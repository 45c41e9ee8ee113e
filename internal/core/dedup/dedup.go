// Package dedup scores content similarity so near-identical actions are not queued twice.
package dedup

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/minio/sha256-simd"
)

const (
	// DefaultThreshold is the similarity at which content counts as a duplicate.
	DefaultThreshold = 0.8

	// DefaultPrefixLimit bounds the edit-distance comparison to the first N runes.
	DefaultPrefixLimit = 200
)

// Engine compares content against previously queued content.
type Engine struct {
	Threshold   float64
	PrefixLimit int
}

// New returns an Engine with the default threshold and prefix limit.
func New() *Engine {
	return &Engine{Threshold: DefaultThreshold, PrefixLimit: DefaultPrefixLimit}
}

// IsDuplicate reports the first existing entry that scores at or above the threshold.
func (e *Engine) IsDuplicate(content string, existing []string) (bool, float64) {
	threshold := e.threshold()
	fingerprint := Fingerprint(content)
	for _, other := range existing {
		if Fingerprint(other) == fingerprint {
			return true, 1.0
		}
		if score := e.Similarity(content, other); score >= threshold {
			return true, score
		}
	}
	return false, 0
}

// Similarity returns the larger of token Jaccard and normalized edit similarity.
func (e *Engine) Similarity(a, b string) float64 {
	jaccard := Jaccard(a, b)
	if jaccard >= 1 {
		return jaccard
	}
	edit := EditSimilarity(a, b, e.prefixLimit())
	if edit > jaccard {
		return edit
	}
	return jaccard
}

func (e *Engine) threshold() float64 {
	if e == nil || e.Threshold <= 0 || e.Threshold > 1 {
		return DefaultThreshold
	}
	return e.Threshold
}

func (e *Engine) prefixLimit() int {
	if e == nil || e.PrefixLimit <= 0 {
		return DefaultPrefixLimit
	}
	return e.PrefixLimit
}

// Tokenize splits text into its set of lower-cased alphanumeric words.
func Tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[field] = struct{}{}
	}
	return tokens
}

// Jaccard is |A∩B| / |A∪B| over token sets. Two empty texts are identical.
func Jaccard(a, b string) float64 {
	setA := Tokenize(a)
	setB := Tokenize(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for token := range setA {
		if _, ok := setB[token]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// EditSimilarity is 1 - Levenshtein/maxLen over the first limit runes of each text.
func EditSimilarity(a, b string, limit int) float64 {
	ra := prefix([]rune(a), limit)
	rb := prefix([]rune(b), limit)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(ra, rb))/float64(longest)
}

// Levenshtein computes the edit distance between two rune slices.
func Levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i, ca := range a {
		curr[0] = i + 1
		for j, cb := range b {
			cost := 1
			if ca == cb {
				cost = 0
			}
			curr[j+1] = min(prev[j+1]+1, curr[j]+1, prev[j]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// Fingerprint hashes normalized content for exact-match detection.
func Fingerprint(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func prefix(r []rune, limit int) []rune {
	if limit > 0 && len(r) > limit {
		return r[:limit]
	}
	return r
}
