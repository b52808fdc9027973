package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/orchestrator"
	"resale-sync/internal/queue"
	"resale-sync/internal/storage/memory"
)

type loopHarness struct {
	ctx       context.Context
	clock     *clock.FakeClock
	queue     *queue.Queue
	listings  *memory.ListingStore
	orch      *orchestrator.Orchestrator
	predictor *StaticPredictor
}

func newLoopHarness(t *testing.T) *loopHarness {
	t.Helper()
	clk := clock.Fake(now)
	h := &loopHarness{
		ctx:       context.Background(),
		clock:     clk,
		queue:     queue.New(clk),
		listings:  memory.NewListingStore(),
		predictor: NewStaticPredictor(),
	}
	h.orch = orchestrator.New(orchestrator.Options{
		Listings: h.listings,
		Queue:    h.queue,
		Clock:    clk,
	})
	return h
}

func (h *loopHarness) insert(t *testing.T, id string, price decimal.Decimal, states map[string]domain.PlatformState) {
	t.Helper()
	l := &domain.Listing{
		ID:           id,
		AssetID:      "asset-1",
		GameDate:     now.Add(14 * 24 * time.Hour),
		CurrentPrice: price,
		Platforms:    make(map[string]*domain.PlatformListing),
		Version:      1,
	}
	for name, state := range states {
		l.Platforms[name] = &domain.PlatformListing{ExternalListingID: id + "-" + name, State: state, Price: price}
	}
	require.NoError(t, h.listings.Insert(h.ctx, l))
}

func (h *loopHarness) priceJobs(listingID string) []domain.SyncJob {
	var out []domain.SyncJob
	for _, j := range h.queue.Snapshot() {
		if j.ListingID == listingID && j.Action == domain.ActionUpdatePrice {
			out = append(out, j)
		}
	}
	return out
}

func TestLoop_FloorClampedUpdate(t *testing.T) {
	h := newLoopHarness(t)
	h.insert(t, "l1", dec("105"), map[string]domain.PlatformState{
		"x": domain.StateActive,
		"y": domain.StateActive,
	})
	h.predictor.Set("l1", *rec("90"))

	loop := NewLoop(LoopOptions{
		Listings:     h.listings,
		Orchestrator: h.orch,
		Predictor:    h.predictor,
		Guardrails:   Guardrails{MinPrice: dec("100")},
		Clock:        h.clock,
	})

	report, err := loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeClamp])
	assert.Equal(t, "100.00", report.Requested["l1"])

	l, err := h.listings.Get(h.ctx, "l1")
	require.NoError(t, err)
	assert.True(t, l.CurrentPrice.Equal(dec("100")))

	jobs := h.priceJobs("l1")
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.True(t, j.Price.Equal(dec("100")), "job price %s", j.Price)
		assert.Equal(t, domain.SourcePricing, j.Source)
	}
}

func TestLoop_CooldownAfterChange(t *testing.T) {
	h := newLoopHarness(t)
	h.insert(t, "l1", dec("100"), map[string]domain.PlatformState{"x": domain.StateActive})
	h.predictor.Set("l1", Recommendation{RecommendedPrice: dec("110"), ValidUntil: now.Add(24 * time.Hour)})

	loop := NewLoop(LoopOptions{
		Listings:     h.listings,
		Orchestrator: h.orch,
		Predictor:    h.predictor,
		Guardrails:   Guardrails{Cooldown: time.Hour},
		Clock:        h.clock,
	})

	_, err := loop.RunOnce(h.ctx)
	require.NoError(t, err)

	h.predictor.Set("l1", Recommendation{RecommendedPrice: dec("120"), ValidUntil: now.Add(24 * time.Hour)})
	h.clock.Advance(10 * time.Minute)
	report, err := loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeCooldown])

	h.clock.Advance(time.Hour)
	report, err = loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeApply])
	assert.Equal(t, "120.00", report.Requested["l1"])
}

// userEditPredictor applies a user price change while the cycle is
// waiting on its recommendation.
type userEditPredictor struct {
	Predictor
	edit func()
}

func (p *userEditPredictor) Predict(ctx context.Context, f Features) (*Recommendation, error) {
	p.edit()
	return p.Predictor.Predict(ctx, f)
}

func TestLoop_UserChangeMidCycleWins(t *testing.T) {
	h := newLoopHarness(t)
	h.insert(t, "l1", dec("100"), map[string]domain.PlatformState{"x": domain.StateActive})
	h.predictor.Set("l1", Recommendation{RecommendedPrice: dec("104"), ValidUntil: now.Add(24 * time.Hour)})

	predictor := &userEditPredictor{
		Predictor: h.predictor,
		edit: func() {
			_, err := h.orch.RequestPriceUpdate(h.ctx, "l1", dec("150"), domain.SourceUser)
			require.NoError(t, err)
		},
	}
	loop := NewLoop(LoopOptions{
		Listings:     h.listings,
		Orchestrator: h.orch,
		Predictor:    predictor,
		Guardrails:   Guardrails{Cooldown: time.Hour, MaxChange: dec("0.05")},
		Clock:        h.clock,
	})

	report, err := loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeUnchanged])
	assert.Empty(t, report.Requested)

	l, err := h.listings.Get(h.ctx, "l1")
	require.NoError(t, err)
	assert.True(t, l.CurrentPrice.Equal(dec("150")), "price %s", l.CurrentPrice)
	jobs := h.priceJobs("l1")
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Price.Equal(dec("150")))
	assert.Equal(t, domain.SourceUser, jobs[0].Source)
}

func TestLoop_SkipsListingsWithSale(t *testing.T) {
	h := newLoopHarness(t)
	h.insert(t, "sold", dec("100"), map[string]domain.PlatformState{
		"x": domain.StateSaleDetected,
		"y": domain.StateDelisting,
	})
	h.insert(t, "idle", dec("100"), map[string]domain.PlatformState{"x": domain.StateNotListed})
	h.predictor.Set("sold", *rec("110"))
	h.predictor.Set("idle", *rec("110"))

	loop := NewLoop(LoopOptions{
		Listings:     h.listings,
		Orchestrator: h.orch,
		Predictor:    h.predictor,
		Clock:        h.clock,
	})

	report, err := loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Outcomes[OutcomeBlocked])
	assert.Empty(t, report.Requested)
	assert.Zero(t, h.queue.Len())
}

type failingPredictor struct{}

func (failingPredictor) Predict(context.Context, Features) (*Recommendation, error) {
	return nil, errors.New("model offline")
}

func TestLoop_PredictorErrorCounted(t *testing.T) {
	h := newLoopHarness(t)
	h.insert(t, "l1", dec("100"), map[string]domain.PlatformState{"x": domain.StateActive})

	loop := NewLoop(LoopOptions{
		Listings:     h.listings,
		Orchestrator: h.orch,
		Predictor:    failingPredictor{},
		Clock:        h.clock,
	})

	report, err := loop.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeError])
	assert.Zero(t, h.queue.Len())
}

func TestHTTPPredictor_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var f Features
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil || f.ListingID != "l1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"recommended_price":"123.45","confidence_low":"110","confidence_high":"130","valid_until":"2026-10-02T00:00:00Z"}`))
	}))
	defer server.Close()

	p, err := NewHTTPPredictor(HTTPPredictorOptions{URL: server.URL})
	require.NoError(t, err)

	got, err := p.Predict(context.Background(), Features{ListingID: "l1", CurrentPrice: dec("100")})
	require.NoError(t, err)
	assert.True(t, got.RecommendedPrice.Equal(dec("123.45")))
	assert.Equal(t, time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC), got.ValidUntil.UTC())
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPPredictor_NotFoundIsNoRecommendation(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p, err := NewHTTPPredictor(HTTPPredictorOptions{URL: server.URL})
	require.NoError(t, err)

	_, err = p.Predict(context.Background(), Features{ListingID: "l1"})
	assert.ErrorIs(t, err, ErrNoRecommendation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewHTTPPredictor_RequiresURL(t *testing.T) {
	_, err := NewHTTPPredictor(HTTPPredictorOptions{})
	assert.Error(t, err)
}
