package marketplace

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"resale-sync/internal/domain"
)

// Default configuration values.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultRateLimit     = 10.0 // requests per second
	DefaultBurst         = 5
	DefaultRetryAfter    = 30 * time.Second
	DefaultUserAgent     = "resale-sync/1.0"
	SignatureHeader      = "X-Signature"
	IdempotencyKeyHeader = "Idempotency-Key"
	maxErrorBodyBytes    = 512
	maxResponseBytes     = 1 << 20
	webhookEventSold     = "listing.sold"
	statusActive         = "active"
	statusPending        = "pending"
	statusSold           = "sold"
	statusRemoved        = "removed"
	statusExpired        = "expired"
)

// HTTPAdapterOptions configures an HTTPAdapter.
type HTTPAdapterOptions struct {
	Name          string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	RateLimit     float64 // requests per second, <= 0 uses DefaultRateLimit
	Burst         int
	UserAgent     string
	HTTPClient    *http.Client
}

// HTTPAdapter talks to a platform exposing a JSON REST API.
//
// Endpoints:
//
//	POST   {base}/listings              -> {"listing_id": "..."}
//	DELETE {base}/listings/{id}
//	PUT    {base}/listings/{id}/price   <- {"price": "120.00"}
//	GET    {base}/listings/{id}         -> {"status": "...", "price": "...", "updated_at": "..."}
//
// Webhooks are signed with hex(HMAC-SHA256(secret, body)) in X-Signature.
type HTTPAdapter struct {
	name          string
	baseURL       string
	apiKey        string
	webhookSecret []byte
	userAgent     string
	client        *http.Client
	limiter       *rate.Limiter
}

// NewHTTPAdapter creates an HTTPAdapter.
func NewHTTPAdapter(opts HTTPAdapterOptions) (*HTTPAdapter, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("http adapter: Name is required")
	}
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("http adapter: BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("http adapter: invalid BaseURL: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPAdapter{
		name:          opts.Name,
		baseURL:       strings.TrimRight(base, "/"),
		apiKey:        opts.APIKey,
		webhookSecret: []byte(opts.WebhookSecret),
		userAgent:     ua,
		client:        client,
		limiter:       rate.NewLimiter(rate.Limit(limit), burst),
	}, nil
}

// Name returns the platform name.
func (a *HTTPAdapter) Name() string { return a.name }

type createListingRequest struct {
	Reference string `json:"reference"`
	EventDate string `json:"event_date"`
	Venue     string `json:"venue,omitempty"`
	Section   string `json:"section,omitempty"`
	Row       string `json:"row,omitempty"`
	Seat      string `json:"seat,omitempty"`
	Price     string `json:"price"`
}

type createListingResponse struct {
	ListingID string `json:"listing_id"`
}

// List publishes a listing.
func (a *HTTPAdapter) List(ctx context.Context, d ListingDetails) (string, error) {
	body, err := json.Marshal(createListingRequest{
		Reference: d.ListingID,
		EventDate: d.GameDate.UTC().Format(time.RFC3339),
		Venue:     d.Venue,
		Section:   d.Section,
		Row:       d.Row,
		Seat:      d.Seat,
		Price:     d.Price.StringFixed(2),
	})
	if err != nil {
		return "", fmt.Errorf("marshal listing: %w", err)
	}

	headers := map[string]string{}
	if d.IdempotencyKey != "" {
		headers[IdempotencyKeyHeader] = d.IdempotencyKey
	}

	respBody, status, err := a.do(ctx, http.MethodPost, "/listings", body, headers)
	if err != nil {
		return "", err
	}
	if err := a.statusError(status, respBody); err != nil {
		return "", err
	}

	var resp createListingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", &TransientError{Platform: a.name, Err: fmt.Errorf("decode list response: %w", err)}
	}
	if resp.ListingID == "" {
		return "", &TransientError{Platform: a.name, Err: errors.New("list response missing listing_id")}
	}
	return resp.ListingID, nil
}

// Delist removes a listing. 404 and 410 count as success.
func (a *HTTPAdapter) Delist(ctx context.Context, externalListingID string) error {
	if externalListingID == "" {
		return nil
	}

	respBody, status, err := a.do(ctx, http.MethodDelete, "/listings/"+url.PathEscape(externalListingID), nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status == http.StatusGone {
		return nil
	}
	return a.statusError(status, respBody)
}

// UpdatePrice changes the asking price.
func (a *HTTPAdapter) UpdatePrice(ctx context.Context, externalListingID string, price decimal.Decimal) error {
	body, err := json.Marshal(map[string]string{"price": price.StringFixed(2)})
	if err != nil {
		return fmt.Errorf("marshal price: %w", err)
	}

	respBody, status, err := a.do(ctx, http.MethodPut, "/listings/"+url.PathEscape(externalListingID)+"/price", body, nil)
	if err != nil {
		return err
	}
	return a.statusError(status, respBody)
}

type statusResponse struct {
	Status    string `json:"status"`
	Price     string `json:"price"`
	UpdatedAt string `json:"updated_at"`
}

// GetStatus returns the platform's view of a listing.
func (a *HTTPAdapter) GetStatus(ctx context.Context, externalListingID string) (*domain.StatusSnapshot, error) {
	respBody, status, err := a.do(ctx, http.MethodGet, "/listings/"+url.PathEscape(externalListingID), nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || status == http.StatusGone {
		return &domain.StatusSnapshot{State: domain.StateNotListed}, nil
	}
	if err := a.statusError(status, respBody); err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &TransientError{Platform: a.name, Err: fmt.Errorf("decode status: %w", err)}
	}

	snap := &domain.StatusSnapshot{State: mapRemoteStatus(resp.Status)}
	if resp.Price != "" {
		if snap.CurrentPrice, err = decimal.NewFromString(resp.Price); err != nil {
			return nil, &TransientError{Platform: a.name, Err: fmt.Errorf("parse price: %w", err)}
		}
	}
	if resp.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, resp.UpdatedAt); err == nil {
			snap.LastUpdated = ts.UTC()
		}
	}
	return snap, nil
}

type webhookPayload struct {
	Type      string `json:"type"`
	ListingID string `json:"listing_id"`
	Price     string `json:"price"`
	SoldAt    string `json:"sold_at"`
}

// ParseWebhookPayload verifies the HMAC signature and normalizes a sale.
func (a *HTTPAdapter) ParseWebhookPayload(header http.Header, body []byte) (*domain.SaleEvent, error) {
	if !VerifyHMAC(a.webhookSecret, body, header.Get(SignatureHeader)) {
		return nil, ErrInvalidSignature
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webhook payload parse: %w", err)
	}
	if p.Type != webhookEventSold {
		return nil, ErrIgnorable
	}
	if strings.TrimSpace(p.ListingID) == "" {
		return nil, errors.New("webhook payload missing listing_id")
	}

	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("webhook price parse: %w", err)
	}

	e := &domain.SaleEvent{
		Platform:          a.name,
		ExternalListingID: strings.TrimSpace(p.ListingID),
		SoldPrice:         price,
	}
	if p.SoldAt != "" {
		if ts, err := time.Parse(time.RFC3339, p.SoldAt); err == nil {
			e.SoldAt = ts.UTC()
		}
	}
	return e, nil
}

// VerifyHMAC checks hex(HMAC-SHA256(secret, body)) in constant time.
func VerifyHMAC(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(got, SignHMAC(secret, body))
}

// SignHMAC computes HMAC-SHA256(secret, body).
func SignHMAC(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, int, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, 0, &TransientError{Platform: a.name, Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, &TransientError{Platform: a.name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &TransientError{Platform: a.name, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, &RateLimitedError{
			Platform:   a.name,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return respBody, resp.StatusCode, nil
}

// statusError maps a non-2xx status to the error taxonomy.
func (a *HTTPAdapter) statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBodyBytes {
		msg = msg[:maxErrorBodyBytes]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Platform: a.name, Message: fmt.Sprintf("http %d: %s", status, msg)}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		return &ValidationError{Platform: a.name, Message: fmt.Sprintf("http %d: %s", status, msg)}
	default:
		return &TransientError{Platform: a.name, Err: fmt.Errorf("http status %d", status)}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if ts, err := http.ParseTime(v); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

func mapRemoteStatus(s string) domain.PlatformState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case statusActive:
		return domain.StateActive
	case statusPending:
		return domain.StatePending
	case statusSold:
		return domain.StateSold
	case statusRemoved, statusExpired:
		return domain.StateNotListed
	default:
		return domain.StateNotListed
	}
}
