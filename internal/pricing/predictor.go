// Package pricing runs the automated pricing loop: it asks a Predictor for
// a recommended price per listing, applies guardrails, and hands accepted
// prices to the orchestrator.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Features describes one listing to the predictor.
type Features struct {
	ListingID    string          `json:"listing_id"`
	AssetID      string          `json:"asset_id"`
	GameDate     time.Time       `json:"game_date"`
	Venue        string          `json:"venue,omitempty"`
	Section      string          `json:"section,omitempty"`
	Row          string          `json:"row,omitempty"`
	Seat         string          `json:"seat,omitempty"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	Platforms    []string        `json:"platforms"` // platforms the listing is live on
}

// Recommendation is a predicted price with its confidence interval.
type Recommendation struct {
	RecommendedPrice decimal.Decimal `json:"recommended_price"`
	ConfidenceLow    decimal.Decimal `json:"confidence_low"`
	ConfidenceHigh   decimal.Decimal `json:"confidence_high"`
	ValidUntil       time.Time       `json:"valid_until"`
}

// Predictor produces price recommendations.
type Predictor interface {
	Predict(ctx context.Context, f Features) (*Recommendation, error)
}

// ErrNoRecommendation is returned when the predictor has nothing for a listing.
var ErrNoRecommendation = errors.New("pricing: no recommendation")

// StaticPredictor serves fixed recommendations keyed by listing id.
// Used in tests and demo mode.
type StaticPredictor struct {
	mu   sync.RWMutex
	recs map[string]Recommendation
}

// NewStaticPredictor creates an empty StaticPredictor.
func NewStaticPredictor() *StaticPredictor {
	return &StaticPredictor{recs: make(map[string]Recommendation)}
}

// Set stores the recommendation returned for listingID.
func (p *StaticPredictor) Set(listingID string, rec Recommendation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs[listingID] = rec
}

// Predict returns the stored recommendation or ErrNoRecommendation.
func (p *StaticPredictor) Predict(_ context.Context, f Features) (*Recommendation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.recs[f.ListingID]
	if !ok {
		return nil, ErrNoRecommendation
	}
	return &rec, nil
}

// Default HTTP predictor settings.
const (
	DefaultPredictorTimeout  = 5 * time.Second
	DefaultPredictorAttempts = 3
)

// HTTPPredictorOptions configures an HTTPPredictor.
type HTTPPredictorOptions struct {
	URL         string // POST endpoint taking Features, returning Recommendation
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// HTTPPredictor calls a pricing model service over JSON/HTTP.
// 5xx, 429 and network errors are retried; 404 means no recommendation.
type HTTPPredictor struct {
	url         string
	apiKey      string
	client      *http.Client
	maxAttempts int
	logger      *zap.Logger
}

// NewHTTPPredictor creates an HTTPPredictor.
func NewHTTPPredictor(opts HTTPPredictorOptions) (*HTTPPredictor, error) {
	if opts.URL == "" {
		return nil, errors.New("http predictor: URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultPredictorTimeout
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPredictorAttempts
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPPredictor{
		url:         opts.URL,
		apiKey:      opts.APIKey,
		client:      client,
		maxAttempts: attempts,
		logger:      logger.Named("predictor"),
	}, nil
}

// Predict requests a recommendation for f.
func (p *HTTPPredictor) Predict(ctx context.Context, f Features) (*Recommendation, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal features: %w", err)
	}

	var rec Recommendation
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
			_, _ = io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(ErrNoRecommendation)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("predictor status %d", resp.StatusCode)
		default:
			_, _ = io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("predictor status %d", resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return backoff.Permanent(fmt.Errorf("decode recommendation: %w", err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.maxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		p.logger.Debug("predictor retry", zap.String("listing_id", f.ListingID), zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, ErrNoRecommendation) {
			return nil, ErrNoRecommendation
		}
		return nil, fmt.Errorf("predict %s: %w", f.ListingID, err)
	}
	if !rec.RecommendedPrice.IsPositive() {
		return nil, fmt.Errorf("predict %s: non-positive price %s", f.ListingID, rec.RecommendedPrice)
	}
	return &rec, nil
}

// Verify interface compliance at compile time.
var (
	_ Predictor = (*StaticPredictor)(nil)
	_ Predictor = (*HTTPPredictor)(nil)
)
