package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Default webhook notifier settings.
const (
	DefaultWebhookTimeout  = 5 * time.Second
	DefaultWebhookAttempts = 3
)

// WebhookNotifierOptions configures a WebhookNotifier.
type WebhookNotifierOptions struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// WebhookNotifier POSTs alerts as JSON to an operator endpoint
// (pager bridge, chat webhook), retrying 5xx and network failures.
type WebhookNotifier struct {
	url         string
	client      *http.Client
	maxAttempts int
	logger      *zap.Logger
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(opts WebhookNotifierOptions) (*WebhookNotifier, error) {
	if opts.URL == "" {
		return nil, errors.New("webhook notifier: URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultWebhookAttempts
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{url: opts.URL, client: client, maxAttempts: attempts, logger: logger}, nil
}

// Notify delivers the alert.
func (n *WebhookNotifier) Notify(ctx context.Context, severity Severity, listingID, message string) error {
	body, err := json.Marshal(Alert{Severity: severity, ListingID: listingID, Message: message, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("alert webhook status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("alert webhook status %d", resp.StatusCode))
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(n.maxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		n.logger.Warn("alert webhook retry", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	return nil
}
