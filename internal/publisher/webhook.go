package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/postpace/postpace/internal/config"
	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/engine"
)

const (
	defaultWebhookTimeout = 15 * time.Second
	defaultRetryAfter     = 60 * time.Second
	maxErrorBody          = 512
)

// Webhook relays actions as JSON to an HTTP endpoint that talks to the platform.
type Webhook struct {
	URL    string
	Token  string
	Client *http.Client
}

var _ engine.Publisher = (*Webhook)(nil)

// webhookRequest is the body posted for every action.
type webhookRequest struct {
	Action  core.Action `json:"action"`
	Target  string      `json:"target,omitempty"`
	Content string      `json:"content,omitempty"`
}

type webhookResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// NewWebhook builds a Webhook publisher from config.
func NewWebhook(cfg config.WebhookConfig, logger engine.Logger) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is required")
	}
	return &Webhook{
		URL:    strings.TrimSpace(cfg.URL),
		Token:  cfg.Token,
		Client: NewHTTPClient(cfg, logger),
	}, nil
}

// NewHTTPClient returns a standard client with retryablehttp logic inside.
// Only failed dials are retried; see RetryPolicy.
func NewHTTPClient(cfg config.WebhookConfig, logger engine.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = cleanhttp.DefaultPooledTransport()
	retryClient.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	if logger != nil {
		retryClient.Logger = retryablehttp.LeveledLogger(leveledZap{inner: logger})
	} else {
		retryClient.Logger = nil
	}
	retryClient.CheckRetry = RetryPolicy

	client := retryClient.StandardClient()
	client.Timeout = defaultWebhookTimeout
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return client
}

// RetryPolicy retries only when the request never left: a failed dial. Any
// response, 5xx and 429 included, is final because the relay may already have
// applied the action. Retrying applied actions is left to the queue.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil || resp != nil {
		return false, nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}

func (w *Webhook) Post(ctx context.Context, content string) (string, error) {
	return w.send(ctx, webhookRequest{Action: core.ActionPost, Content: content})
}

func (w *Webhook) Like(ctx context.Context, target string) error {
	_, err := w.send(ctx, webhookRequest{Action: core.ActionLike, Target: target})
	return err
}

func (w *Webhook) Follow(ctx context.Context, target string) error {
	_, err := w.send(ctx, webhookRequest{Action: core.ActionFollow, Target: target})
	return err
}

func (w *Webhook) DirectMessage(ctx context.Context, target, content string) error {
	_, err := w.send(ctx, webhookRequest{Action: core.ActionDM, Target: target, Content: content})
	return err
}

func (w *Webhook) send(ctx context.Context, body webhookRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	client := w.Client
	if client == nil {
		client = NewHTTPClient(config.WebhookConfig{}, nil)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook %s: %w", body.Action, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	// the status alone is enough to throttle
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &core.RateLimitedError{
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Message:    snippet(raw),
		}
	}
	if readErr != nil {
		return "", fmt.Errorf("webhook %s: read response (status %d): %w", body.Action, resp.StatusCode, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook %s: status %d: %s", body.Action, resp.StatusCode, snippet(raw))
	}

	var decoded webhookResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", fmt.Errorf("decode webhook response: %w", err)
		}
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("webhook %s: %s", body.Action, decoded.Error)
	}
	return decoded.ID, nil
}

// ParseRetryAfter reads a Retry-After header given as delta seconds or an HTTP
// date. Missing or unparseable values fall back to 60s.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return defaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return defaultRetryAfter
}

func snippet(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if len(text) <= maxErrorBody {
		return text
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// leveledZap adapts the engine logger to retryablehttp. Client errors are
// logged at WARN because the request may still succeed on retry.
type leveledZap struct {
	inner engine.Logger
}

func (l leveledZap) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, kvFields(keysAndValues)...)
}

func (l leveledZap) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, kvFields(keysAndValues)...)
}

func (l leveledZap) Info(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, kvFields(keysAndValues)...)
}

func (l leveledZap) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, kvFields(keysAndValues)...)
}

func kvFields(keysAndValues []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
