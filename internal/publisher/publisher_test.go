package publisher

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpace/postpace/internal/config"
	"github.com/postpace/postpace/internal/core"
)

func fastConfig(url string) config.WebhookConfig {
	return config.WebhookConfig{
		URL:          url,
		Token:        "secret",
		Timeout:      2 * time.Second,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}
}

func TestDryRun(t *testing.T) {
	ctx := context.Background()
	pub := NewDryRun(nil)

	id, err := pub.Post(ctx, "hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "dryrun-"))
	require.NoError(t, pub.Like(ctx, "post-1"))
	require.NoError(t, pub.Follow(ctx, "user-1"))
	require.NoError(t, pub.DirectMessage(ctx, "user-1", "hi"))
	assert.Equal(t, int64(4), pub.Calls())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pub.Post(cancelled, "late")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(4), pub.Calls())
}

func TestWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("PostReturnsRemoteID", func(t *testing.T) {
		var got webhookRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"1800000000000000001"}`))
		}))
		defer server.Close()

		pub, err := NewWebhook(fastConfig(server.URL), nil)
		require.NoError(t, err)

		id, err := pub.Post(ctx, "launch day")
		require.NoError(t, err)
		assert.Equal(t, "1800000000000000001", id)
		assert.Equal(t, core.ActionPost, got.Action)
		assert.Equal(t, "launch day", got.Content)
	})

	t.Run("TargetActions", func(t *testing.T) {
		var actions []core.Action
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body webhookRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user-9", body.Target)
			actions = append(actions, body.Action)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		pub, err := NewWebhook(fastConfig(server.URL), nil)
		require.NoError(t, err)

		require.NoError(t, pub.Like(ctx, "user-9"))
		require.NoError(t, pub.Follow(ctx, "user-9"))
		require.NoError(t, pub.DirectMessage(ctx, "user-9", "thanks"))
		assert.Equal(t, []core.Action{core.ActionLike, core.ActionFollow, core.ActionDM}, actions)
	})

	t.Run("TooManyRequestsIsNotRetried", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Header().Set("Retry-After", "90")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		}))
		defer server.Close()

		pub, err := NewWebhook(fastConfig(server.URL), nil)
		require.NoError(t, err)

		err = pub.Like(ctx, "post-1")
		limited, ok := core.AsRateLimited(err)
		require.True(t, ok)
		assert.Equal(t, 90*time.Second, limited.RetryAfter)
		assert.Equal(t, "slow down", limited.Message)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("ServerErrorIsNotRetried", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("relay overloaded"))
		}))
		defer server.Close()

		pub, err := NewWebhook(fastConfig(server.URL), nil)
		require.NoError(t, err)

		_, err = pub.Post(ctx, "maybe applied")
		require.ErrorContains(t, err, "status 503")
		assert.Equal(t, int32(1), hits.Load())

		require.Error(t, pub.Follow(ctx, "user-2"))
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("FailedDialIsRetried", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		pub, err := NewWebhook(fastConfig(url), nil)
		require.NoError(t, err)

		_, err = pub.Post(ctx, "relay down")
		require.ErrorContains(t, err, "giving up after 3 attempt(s)")
	})

	t.Run("ClientErrorFails", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("duplicate status"))
		}))
		defer server.Close()

		pub, err := NewWebhook(fastConfig(server.URL), nil)
		require.NoError(t, err)

		_, err = pub.Post(ctx, "again")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 403")
		_, limited := core.AsRateLimited(err)
		assert.False(t, limited)
	})

	t.Run("RelayReportedError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"account suspended"}`))
		}))
		defer server.Close()

		pub, err := NewWebhook(fastConfig(server.URL), nil)
		require.NoError(t, err)

		err = pub.Follow(ctx, "user-1")
		require.ErrorContains(t, err, "account suspended")
	})

	t.Run("RequiresURL", func(t *testing.T) {
		_, err := NewWebhook(config.WebhookConfig{}, nil)
		require.Error(t, err)
	})
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, defaultRetryAfter, ParseRetryAfter("", now))
	assert.Equal(t, defaultRetryAfter, ParseRetryAfter("0", now))
	assert.Equal(t, defaultRetryAfter, ParseRetryAfter("soon", now))
	assert.Equal(t, 2*time.Minute, ParseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
	assert.Equal(t, defaultRetryAfter, ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()

	for _, status := range []int{http.StatusOK, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable} {
		retry, err := RetryPolicy(ctx, &http.Response{StatusCode: status}, nil)
		require.NoError(t, err)
		assert.False(t, retry, "status %d", status)
	}

	dial := &url.Error{Op: "Post", URL: "http://relay", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	retry, err := RetryPolicy(ctx, nil, dial)
	require.NoError(t, err)
	assert.True(t, retry)

	read := &url.Error{Op: "Post", URL: "http://relay", Err: &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}}
	retry, _ = RetryPolicy(ctx, nil, read)
	assert.False(t, retry)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	retry, err = RetryPolicy(cancelled, nil, dial)
	assert.False(t, retry)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", snippet([]byte("  short \n")))

	long := strings.Repeat("a", maxErrorBody-1) + "é" + "tail"
	got := snippet([]byte(long))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxErrorBody-1), got)

	assert.Len(t, snippet([]byte(strings.Repeat("b", 2*maxErrorBody))), maxErrorBody)
}
