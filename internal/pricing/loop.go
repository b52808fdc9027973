package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/observability"
	"resale-sync/internal/orchestrator"
	"resale-sync/internal/storage"
)

// Default loop settings.
const (
	DefaultInterval    = 15 * time.Minute
	DefaultConcurrency = 4
)

// CycleReport summarizes one pricing cycle.
type CycleReport struct {
	Listings  int
	Outcomes  map[Outcome]int
	Requested map[string]string // listing id -> requested price
}

func (r *CycleReport) add(listingID string, d Decision) {
	r.Outcomes[d.Outcome]++
	if d.Outcome == OutcomeApply || d.Outcome == OutcomeClamp {
		r.Requested[listingID] = d.Price.StringFixed(2)
	}
}

// Loop periodically reprices open listings.
type Loop struct {
	listings   storage.ListingStore
	assets     storage.AssetStore
	orch       *orchestrator.Orchestrator
	predictor  Predictor
	guardrails Guardrails
	clock      clock.Clock
	logger     *zap.Logger

	interval    time.Duration
	concurrency int
}

// LoopOptions for creating a Loop.
type LoopOptions struct {
	// Required
	Listings     storage.ListingStore
	Orchestrator *orchestrator.Orchestrator
	Predictor    Predictor

	// Optional
	Assets     storage.AssetStore // seat details for features
	Guardrails Guardrails
	Clock      clock.Clock
	Logger     *zap.Logger

	Interval    time.Duration
	Concurrency int
}

// NewLoop creates a pricing Loop.
func NewLoop(opts LoopOptions) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	l := &Loop{
		listings:    opts.Listings,
		assets:      opts.Assets,
		orch:        opts.Orchestrator,
		predictor:   opts.Predictor,
		guardrails:  opts.Guardrails,
		clock:       clk,
		logger:      logger.Named("pricing"),
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if l.concurrency <= 0 {
		l.concurrency = DefaultConcurrency
	}
	return l
}

// Run reprices every interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("pricing loop started", zap.Duration("interval", l.interval))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("pricing loop stopped")
			return nil
		case <-l.clock.After(l.interval):
		}
		if _, err := l.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("pricing cycle failed", zap.Error(err))
		}
	}
}

// RunOnce runs one pricing cycle over every open listing.
func (l *Loop) RunOnce(ctx context.Context) (*CycleReport, error) {
	open, err := l.listings.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open listings: %w", err)
	}

	report := &CycleReport{
		Listings:  len(open),
		Outcomes:  make(map[Outcome]int),
		Requested: make(map[string]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, listing := range open {
		g.Go(func() error {
			d := l.price(gctx, listing)
			observability.RecordPricingDecision(string(d.Outcome))
			mu.Lock()
			report.add(listing.ID, d)
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	observability.RecordPricingCycle()
	l.logger.Info("pricing cycle finished",
		zap.Int("listings", report.Listings),
		zap.Int("requested", len(report.Requested)))
	return report, nil
}

// price decides and applies a new price for one listing.
func (l *Loop) price(ctx context.Context, listing *domain.Listing) Decision {
	log := l.logger.With(zap.String("listing_id", listing.ID))

	if !eligible(listing) {
		return Decision{Outcome: OutcomeBlocked}
	}

	rec, err := l.predictor.Predict(ctx, l.features(ctx, listing))
	if errors.Is(err, ErrNoRecommendation) {
		return Decision{Outcome: OutcomeUnchanged, Price: listing.CurrentPrice}
	}
	if err != nil {
		log.Warn("predictor failed", zap.Error(err))
		return Decision{Outcome: OutcomeError}
	}

	d := l.guardrails.Evaluate(listing.CurrentPrice, listing.LastPriceChangeAt, rec, l.clock.Now())
	if d.Outcome != OutcomeApply && d.Outcome != OutcomeClamp {
		log.Debug("price unchanged", zap.String("outcome", string(d.Outcome)))
		return d
	}

	basis := orchestrator.PriceBasis{Price: listing.CurrentPrice, ChangedAt: listing.LastPriceChangeAt}
	_, err = l.orch.Reprice(ctx, listing.ID, basis, d.Price)
	switch {
	case errors.Is(err, orchestrator.ErrStaleObservation):
		// Price moved since ListOpen; guardrails run against it next cycle.
		log.Info("price changed during cycle, skipping", zap.Error(err))
		return Decision{Outcome: OutcomeUnchanged, Price: listing.CurrentPrice, Checks: d.Checks}
	case errors.Is(err, orchestrator.ErrSaleInProgress),
		errors.Is(err, orchestrator.ErrListingArchived),
		errors.Is(err, orchestrator.ErrListingSuspended),
		errors.Is(err, orchestrator.ErrUnderReview):
		// The listing changed under us since ListOpen.
		log.Info("price update refused", zap.Error(err))
		return Decision{Outcome: OutcomeBlocked, Checks: d.Checks}
	case err != nil:
		log.Error("price update failed", zap.Error(err))
		return Decision{Outcome: OutcomeError, Checks: d.Checks}
	}

	log.Info("price update requested",
		zap.String("from", listing.CurrentPrice.StringFixed(2)),
		zap.String("to", d.Price.StringFixed(2)),
		zap.String("recommended", rec.RecommendedPrice.StringFixed(2)),
		zap.String("outcome", string(d.Outcome)))
	return d
}

// eligible reports whether a listing may be repriced: it must have a live
// platform and nothing may block price changes.
func eligible(l *domain.Listing) bool {
	if orchestrator.PricingBlocked(l) != nil {
		return false
	}
	return len(l.PlatformsIn(domain.StateActive)) > 0
}

func (l *Loop) features(ctx context.Context, listing *domain.Listing) Features {
	f := Features{
		ListingID:    listing.ID,
		AssetID:      listing.AssetID,
		GameDate:     listing.GameDate,
		CurrentPrice: listing.CurrentPrice,
		Platforms:    listing.PlatformsIn(domain.StateActive),
	}
	if l.assets == nil {
		return f
	}
	a, err := l.assets.GetByID(ctx, listing.AssetID)
	if err != nil {
		l.logger.Debug("asset lookup failed", zap.String("asset_id", listing.AssetID), zap.Error(err))
		return f
	}
	f.Venue, f.Section, f.Row, f.Seat = a.Venue, a.Section, a.Row, a.Seat
	f.CostBasis = a.CostBasis
	return f
}
