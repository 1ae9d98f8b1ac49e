// Package notify pushes scam alerts to an operator webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/callwarden/callwarden/internal/verdict"
)

const defaultTimeout = 5 * time.Second

// Alert is the webhook payload for one verdict.
type Alert struct {
	CallID string    `json:"call_id"`
	Label  string    `json:"label"`
	Score  int       `json:"score"`
	At     time.Time `json:"at"`
}

// Webhook posts alerts to a single HTTP endpoint. A nil or empty-URL webhook
// is a no-op, so callers never have to branch on whether alerting is
// configured.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *breaker
}

// Option configures a [Webhook].
type Option func(*Webhook)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) { w.client = c }
}

// WithBreaker tunes the delivery circuit breaker: the endpoint is considered
// down after maxFailures consecutive failures, and probed again after
// resetTimeout.
func WithBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(w *Webhook) { w.breaker = newBreaker(maxFailures, resetTimeout) }
}

// NewWebhook creates a webhook notifier for url. An empty url yields a
// disabled notifier.
func NewWebhook(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: defaultTimeout},
		breaker: newBreaker(0, 0),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Enabled reports whether alerts will actually be sent.
func (w *Webhook) Enabled() bool { return w != nil && w.url != "" }

// Notify posts one alert. Errors are returned for observability but the
// relay never treats them as fatal: a down webhook must not affect the call.
// After repeated delivery failures the endpoint is considered down and
// alerts are skipped with [ErrWebhookTripped] until a probe succeeds.
func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	if !w.Enabled() {
		return nil
	}
	if !w.breaker.allow() {
		return ErrWebhookTripped
	}
	err := w.post(ctx, a)
	w.breaker.record(err)
	return err
}

func (w *Webhook) post(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("notify: marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned %s", resp.Status)
	}
	return nil
}

// NotifyVerdict sends a fire-and-forget alert for v on its own goroutine with
// a bounded deadline. Failures are logged, never propagated.
func (w *Webhook) NotifyVerdict(callID string, v verdict.Verdict) {
	if !w.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		err := w.Notify(ctx, Alert{CallID: callID, Label: v.Label, Score: v.Score})
		switch {
		case errors.Is(err, ErrWebhookTripped):
			slog.Debug("webhook alert skipped", "call_id", callID)
		case err != nil:
			slog.Warn("webhook alert failed", "call_id", callID, "err", err)
		}
	}()
}
