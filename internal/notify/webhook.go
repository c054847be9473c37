package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Riskguard-Event"
	HeaderTimestamp = "X-Riskguard-Timestamp"
	HeaderSignature = "X-Riskguard-Signature"

	eventRiskAlert = "risk.alert"
)

// WebhookNotifier POSTs notifications as JSON to a single URL. When a
// secret is set the body is signed with HMAC-SHA256.
type WebhookNotifier struct {
	url        string
	secret     string
	client     *http.Client
	maxRetries uint64
	initial    time.Duration
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		secret:     secret,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		initial:    500 * time.Millisecond,
	}
}

// WithRetries sets the retry budget and first backoff interval.
func (w *WebhookNotifier) WithRetries(max uint64, initial time.Duration) *WebhookNotifier {
	w.maxRetries = max
	w.initial = initial
	return w
}

// WithClient replaces the HTTP client.
func (w *WebhookNotifier) WithClient(c *http.Client) *WebhookNotifier {
	w.client = c
	return w
}

func (w *WebhookNotifier) Notify(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, w.maxRetries), ctx)

	return backoff.Retry(func() error { return w.send(ctx, payload) }, policy)
}

func (w *WebhookNotifier) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventRiskAlert)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
