package marketplace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
)

// Method names a mock adapter capability for failure injection.
type Method string

const (
	MethodList        Method = "List"
	MethodDelist      Method = "Delist"
	MethodUpdatePrice Method = "UpdatePrice"
	MethodGetStatus   Method = "GetStatus"
)

// MockAdapter is an in-process marketplace for tests and demo mode.
// It makes no network calls. Webhooks are signed like HTTPAdapter's.
type MockAdapter struct {
	name   string
	secret []byte
	now    func() time.Time

	mu       sync.Mutex
	seq      int
	listings map[string]*mockListing // keyed by external id
	byKey    map[string]string       // idempotency key -> external id
	failures map[Method][]error
	calls    map[Method]int
	removals map[string]int
	latency  time.Duration
}

type mockListing struct {
	state   domain.PlatformState
	price   decimal.Decimal
	updated time.Time
}

// MockAdapterOptions configures a MockAdapter.
type MockAdapterOptions struct {
	Name          string
	WebhookSecret string           // defaults to "mock-secret"
	Now           func() time.Time // defaults to time.Now
	Latency       time.Duration    // simulated call latency
}

// NewMockAdapter creates a MockAdapter.
func NewMockAdapter(opts MockAdapterOptions) *MockAdapter {
	secret := opts.WebhookSecret
	if secret == "" {
		secret = "mock-secret"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MockAdapter{
		name:     opts.Name,
		secret:   []byte(secret),
		now:      now,
		listings: make(map[string]*mockListing),
		byKey:    make(map[string]string),
		failures: make(map[Method][]error),
		calls:    make(map[Method]int),
		removals: make(map[string]int),
		latency:  opts.Latency,
	}
}

// Name returns the platform name.
func (m *MockAdapter) Name() string { return m.name }

// FailNext makes the next n calls to method fail with err.
func (m *MockAdapter) FailNext(method Method, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[method] = append(m.failures[method], err)
	}
}

// Calls returns how many times method was invoked, failures included.
func (m *MockAdapter) Calls(method Method) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Removals returns how many Delist calls actually removed externalID.
func (m *MockAdapter) Removals(externalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removals[externalID]
}

// Seed places a listing on the platform without going through List.
func (m *MockAdapter) Seed(externalID string, state domain.PlatformState, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[externalID] = &mockListing{state: state, price: price, updated: m.now()}
}

// SetState changes the remote state of a listing, e.g. to simulate a sale
// whose webhook was lost.
func (m *MockAdapter) SetState(externalID string, state domain.PlatformState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listings[externalID]; ok {
		l.state = state
		l.updated = m.now()
	}
}

// SetPrice changes the remote price of a listing without an UpdatePrice call.
func (m *MockAdapter) SetPrice(externalID string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listings[externalID]; ok {
		l.price = price
		l.updated = m.now()
	}
}

// Remote returns the platform's stored state and price for externalID.
func (m *MockAdapter) Remote(externalID string) (domain.PlatformState, decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[externalID]
	if !ok {
		return domain.StateNotListed, decimal.Zero, false
	}
	return l.state, l.price, true
}

// begin records the call and pops an injected failure.
func (m *MockAdapter) begin(ctx context.Context, method Method) error {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return &TransientError{Platform: m.name, Err: ctx.Err()}
		case <-time.After(m.latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return &TransientError{Platform: m.name, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	if queue := m.failures[method]; len(queue) > 0 {
		m.failures[method] = queue[1:]
		return queue[0]
	}
	return nil
}

// List publishes a listing. Repeating an idempotency key returns the same id.
func (m *MockAdapter) List(ctx context.Context, d ListingDetails) (string, error) {
	if err := m.begin(ctx, MethodList); err != nil {
		return "", err
	}
	if !d.Price.IsPositive() {
		return "", &ValidationError{Platform: m.name, Message: "price must be positive"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d.IdempotencyKey != "" {
		if id, ok := m.byKey[d.IdempotencyKey]; ok {
			if l := m.listings[id]; l != nil && l.state != domain.StateNotListed {
				return id, nil
			}
		}
	}

	m.seq++
	id := fmt.Sprintf("%s-%06d", m.name, m.seq)
	m.listings[id] = &mockListing{state: domain.StateActive, price: d.Price, updated: m.now()}
	if d.IdempotencyKey != "" {
		m.byKey[d.IdempotencyKey] = id
	}
	return id, nil
}

// Delist removes a listing. Unknown or already removed ids succeed.
func (m *MockAdapter) Delist(ctx context.Context, externalID string) error {
	if err := m.begin(ctx, MethodDelist); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[externalID]
	if !ok || l.state == domain.StateNotListed || l.state == domain.StateSold {
		return nil
	}
	l.state = domain.StateNotListed
	l.updated = m.now()
	m.removals[externalID]++
	return nil
}

// UpdatePrice changes the asking price of a live listing.
func (m *MockAdapter) UpdatePrice(ctx context.Context, externalID string, price decimal.Decimal) error {
	if err := m.begin(ctx, MethodUpdatePrice); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[externalID]
	if !ok || l.state != domain.StateActive {
		return &ValidationError{Platform: m.name, Message: "listing not active: " + externalID}
	}
	l.price = price
	l.updated = m.now()
	return nil
}

// GetStatus returns the platform's view of a listing.
func (m *MockAdapter) GetStatus(ctx context.Context, externalID string) (*domain.StatusSnapshot, error) {
	if err := m.begin(ctx, MethodGetStatus); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[externalID]
	if !ok {
		return &domain.StatusSnapshot{State: domain.StateNotListed}, nil
	}
	return &domain.StatusSnapshot{State: l.state, CurrentPrice: l.price, LastUpdated: l.updated}, nil
}

// ParseWebhookPayload verifies and parses a webhook built by SaleWebhook.
func (m *MockAdapter) ParseWebhookPayload(header http.Header, body []byte) (*domain.SaleEvent, error) {
	if !VerifyHMAC(m.secret, body, header.Get(SignatureHeader)) {
		return nil, ErrInvalidSignature
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("mock payload parse: %w", err)
	}
	if p.Type != webhookEventSold {
		return nil, ErrIgnorable
	}
	if strings.TrimSpace(p.ListingID) == "" {
		return nil, errors.New("mock payload missing listing_id")
	}

	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("mock price parse: %w", err)
	}
	soldAt, err := time.Parse(time.RFC3339, p.SoldAt)
	if err != nil {
		return nil, fmt.Errorf("mock sold_at parse: %w", err)
	}
	return &domain.SaleEvent{
		Platform:          m.name,
		ExternalListingID: p.ListingID,
		SoldPrice:         price,
		SoldAt:            soldAt.UTC(),
	}, nil
}

// SellAndNotify marks a listing sold and returns the signed webhook the
// platform would deliver for it.
func (m *MockAdapter) SellAndNotify(externalID string, price decimal.Decimal, soldAt time.Time) (http.Header, []byte) {
	m.SetState(externalID, domain.StateSold)
	return m.SaleWebhook(externalID, price, soldAt)
}

// SaleWebhook builds a signed sale webhook without changing remote state.
func (m *MockAdapter) SaleWebhook(externalID string, price decimal.Decimal, soldAt time.Time) (http.Header, []byte) {
	body, _ := json.Marshal(webhookPayload{
		Type:      webhookEventSold,
		ListingID: externalID,
		Price:     price.StringFixed(2),
		SoldAt:    soldAt.UTC().Format(time.RFC3339),
	})
	header := http.Header{}
	header.Set(SignatureHeader, hex.EncodeToString(SignHMAC(m.secret, body)))
	return header, body
}

// Verify interface compliance at compile time.
var (
	_ Adapter = (*MockAdapter)(nil)
	_ Adapter = (*HTTPAdapter)(nil)
	_ Adapter = (*SignedFeedAdapter)(nil)
)
