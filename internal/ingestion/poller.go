package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
	"resale-sync/internal/storage"
)

// Default poller settings.
const (
	DefaultPollInterval    = 2 * time.Minute
	DefaultPollConcurrency = 4
	DefaultPollTimeout     = 10 * time.Second
)

// Poller is the fallback for marketplaces with unreliable webhooks: it asks
// every platform that may still be purchasable for its status and turns a
// remote Sold into the same SaleEvent a webhook would have produced.
type Poller struct {
	listings storage.ListingStore
	registry *marketplace.Registry
	inbox    storage.EventInbox
	waker    Waker
	clock    clock.Clock
	logger   *zap.Logger

	interval    time.Duration
	concurrency int
	timeout     time.Duration
}

// PollerOptions for creating a Poller.
type PollerOptions struct {
	Listings storage.ListingStore
	Registry *marketplace.Registry
	Inbox    storage.EventInbox
	Waker    Waker
	Clock    clock.Clock
	Logger   *zap.Logger

	Interval    time.Duration
	Concurrency int
	Timeout     time.Duration // per GetStatus call
}

// NewPoller creates a Poller.
func NewPoller(opts PollerOptions) *Poller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	p := &Poller{
		listings:    opts.Listings,
		registry:    opts.Registry,
		inbox:       opts.Inbox,
		waker:       opts.Waker,
		clock:       clk,
		logger:      logger.Named("poller"),
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultPollConcurrency
	}
	if p.timeout <= 0 {
		p.timeout = DefaultPollTimeout
	}
	return p
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", zap.Duration("interval", p.interval))
	for {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("poll cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-p.clock.After(p.interval):
		}
	}
}

// pollTarget is one platform listing to check.
type pollTarget struct {
	listingID  string
	platform   string
	externalID string
	price      decimal.Decimal // last known asking price
}

// PollOnce checks every open listing once and returns how many new sale
// events it appended. Per-platform failures are logged and skipped.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	listings, err := p.listings.ListOpen(ctx)
	if err != nil {
		return 0, err
	}

	var targets []pollTarget
	for _, l := range listings {
		for _, name := range l.PlatformNames() {
			pl := l.Platforms[name]
			if !pollable(pl) {
				continue
			}
			targets = append(targets, pollTarget{
				listingID:  l.ID,
				platform:   name,
				externalID: pl.ExternalListingID,
				price:      knownPrice(pl, l),
			})
		}
	}

	var (
		mu    sync.Mutex
		added int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, t := range targets {
		g.Go(func() error {
			ok, err := p.check(gctx, t)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("status check failed",
					zap.String("listing_id", t.listingID),
					zap.String("platform", t.platform),
					zap.Error(err))
				return nil
			}
			if ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return added, err
	}

	if added > 0 {
		wake(p.waker)
	}
	return added, nil
}

// check reports whether t produced a new inbox event.
func (p *Poller) check(ctx context.Context, t pollTarget) (bool, error) {
	adapter, err := p.registry.Get(t.platform)
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	snap, err := adapter.GetStatus(callCtx, t.externalID)
	if err != nil {
		return false, err
	}
	if snap.State != domain.StateSold {
		return false, nil
	}
	if !snap.CurrentPrice.IsZero() {
		t.price = snap.CurrentPrice
	}

	ev := &domain.SaleEvent{
		Platform:          t.platform,
		ExternalListingID: t.externalID,
		ListingID:         t.listingID,
		SoldPrice:         t.price,
		SoldAt:            snap.LastUpdated,
	}
	normalize(ev, domain.EventSourcePoll, p.clock.Now())

	duplicate, err := accept(ctx, p.inbox, ev)
	if err != nil {
		return false, err
	}
	if !duplicate {
		p.logger.Info("sale found by polling",
			zap.String("listing_id", t.listingID),
			zap.String("platform", t.platform),
			zap.String("external_id", t.externalID))
	}
	return !duplicate, nil
}

// pollable reports whether a platform listing could still sell remotely.
func pollable(p *domain.PlatformListing) bool {
	if p.ExternalListingID == "" {
		return false
	}
	switch p.State {
	case domain.StateActive, domain.StatePending, domain.StateDelisting, domain.StateFailed:
		return true
	}
	return false
}

func knownPrice(p *domain.PlatformListing, l *domain.Listing) decimal.Decimal {
	if !p.Price.IsZero() {
		return p.Price
	}
	return l.CurrentPrice
}
