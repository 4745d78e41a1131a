package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kebairia/bacli/internal/logger"
)

// WebhookOption overrides defaults on a Webhook.
type WebhookOption func(*Webhook)

// Webhook POSTs events as JSON. Consecutive failures open a circuit breaker
// so a dead endpoint is short-circuited instead of retried on every event.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker[struct{}]
	log     logger.Logger

	maxFailures  uint32
	openDuration time.Duration
}

// Ensure Webhook satisfies Notifier.
var _ Notifier = (*Webhook)(nil)

// WithHeaders adds static request headers.
func WithHeaders(h map[string]string) WebhookOption {
	return func(w *Webhook) { w.headers = h }
}

// WithHTTPClient swaps the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithBreaker sets how many consecutive failures open the circuit and how
// long it stays open.
func WithBreaker(maxFailures uint32, open time.Duration) WebhookOption {
	return func(w *Webhook) {
		if maxFailures > 0 {
			w.maxFailures = maxFailures
		}
		if open > 0 {
			w.openDuration = open
		}
	}
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(log logger.Logger) WebhookOption {
	return func(w *Webhook) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWebhook returns a webhook notifier named name posting to url.
func NewWebhook(name, url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:          url,
		client:       &http.Client{},
		log:          logger.Nop(),
		maxFailures:  5,
		openDuration: time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "webhook-" + name,
		MaxRequests: 1,
		Timeout:     w.openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.log.Warn("notification circuit state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return w
}

// Notify posts ev. It fails fast with gobreaker.ErrOpenState while the
// circuit is open.
func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = w.cb.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, body)
	})
	return err
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
