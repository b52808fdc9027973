package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/idhash"
	"resale-sync/internal/marketplace"
	"resale-sync/internal/observability"
	"resale-sync/internal/orchestrator"
	"resale-sync/internal/storage"
)

// Default reconciler settings.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultSaleTimeout = 5 * time.Minute
	DefaultConcurrency = 4
	DefaultCallTimeout = 10 * time.Second
)

// Report summarizes one reconciliation pass.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Listings  int // listings inspected
	Checks    int // remote status calls made
	Archived  int // listings touched by expiry handling
	Errors    int // checks or resolutions that failed
	Records   []*domain.ReconciliationRecord
}

// Count returns how many records carry discrepancy d.
func (r *Report) Count(d domain.Discrepancy) int {
	n := 0
	for _, rec := range r.Records {
		if rec.Discrepancy == d {
			n++
		}
	}
	return n
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	listings storage.ListingStore
	orch     *orchestrator.Orchestrator
	registry *marketplace.Registry
	audit    storage.AuditStore
	clock    clock.Clock
	logger   *zap.Logger

	interval    time.Duration
	saleTimeout time.Duration
	concurrency int
	callTimeout time.Duration
	newRunID    func() string
}

// Options for creating a Reconciler.
type Options struct {
	// Required
	Listings     storage.ListingStore
	Orchestrator *orchestrator.Orchestrator
	Registry     *marketplace.Registry

	// Optional
	Audit  storage.AuditStore // findings are only logged when nil
	Clock  clock.Clock
	Logger *zap.Logger

	Interval    time.Duration
	SaleTimeout time.Duration // unresolved sale escalates after this
	Concurrency int
	CallTimeout time.Duration
	NewRunID    func() string
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	r := &Reconciler{
		listings:    opts.Listings,
		orch:        opts.Orchestrator,
		registry:    opts.Registry,
		audit:       opts.Audit,
		clock:       clk,
		logger:      logger.Named("reconcile"),
		interval:    opts.Interval,
		saleTimeout: opts.SaleTimeout,
		concurrency: opts.Concurrency,
		callTimeout: opts.CallTimeout,
		newRunID:    opts.NewRunID,
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.saleTimeout <= 0 {
		r.saleTimeout = DefaultSaleTimeout
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultConcurrency
	}
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultCallTimeout
	}
	if r.newRunID == nil {
		r.newRunID = uuid.NewString
	}
	return r
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil
		case <-r.clock.After(r.interval):
		}
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("reconciliation pass failed", zap.Error(err))
		}
	}
}

// RunOnce performs one full pass over open listings. Per-listing failures
// are counted in the report; the returned error is for failures that stop
// the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	start := r.clock.Now()
	report := &Report{RunID: r.newRunID(), StartedAt: start}
	log := r.logger.With(zap.String("run_id", report.RunID))

	err := r.run(ctx, report)
	report.Duration = r.clock.Now().Sub(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordReconcileRun(status, report.Duration)

	log.Info("reconciliation pass finished",
		zap.String("status", status),
		zap.Int("listings", report.Listings),
		zap.Int("checks", report.Checks),
		zap.Int("findings", len(report.Records)),
		zap.Int("archived", report.Archived),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration))
	return report, err
}

func (r *Reconciler) run(ctx context.Context, report *Report) error {
	open, err := r.listings.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open listings: %w", err)
	}
	report.Listings = len(open)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, l := range open {
		g.Go(func() error {
			pass := r.reconcileListing(gctx, report.RunID, l)
			mu.Lock()
			report.Checks += pass.checks
			report.Errors += pass.errors
			report.Records = append(report.Records, pass.records...)
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	archived, err := r.orch.ArchiveExpired(ctx)
	if err != nil {
		report.Errors++
		r.logger.Warn("archive expired listings failed", zap.Error(err))
	}
	report.Archived = archived

	sort.SliceStable(report.Records, func(i, j int) bool {
		a, b := report.Records[i], report.Records[j]
		if a.ListingID != b.ListingID {
			return a.ListingID < b.ListingID
		}
		return a.Platform < b.Platform
	})
	for _, rec := range report.Records {
		observability.RecordReconcileFinding(string(rec.Discrepancy), string(rec.Resolution))
	}

	if r.audit != nil && len(report.Records) > 0 {
		if err := r.audit.InsertBulk(ctx, report.Records); err != nil {
			return fmt.Errorf("write reconciliation records: %w", err)
		}
	}
	return nil
}

// listingPass collects what one listing contributed to the report.
type listingPass struct {
	checks  int
	errors  int
	records []*domain.ReconciliationRecord
}

func (r *Reconciler) reconcileListing(ctx context.Context, runID string, l *domain.Listing) listingPass {
	var pass listingPass
	log := r.logger.With(zap.String("run_id", runID), zap.String("listing_id", l.ID))

	for _, name := range l.PlatformNames() {
		p := l.Platforms[name]
		if !Checkable(p) {
			continue
		}
		snap, err := r.status(ctx, name, p.ExternalListingID)
		pass.checks++
		if err != nil {
			pass.errors++
			log.Warn("status check failed", zap.String("platform", name), zap.Error(err))
			continue
		}

		f := Classify(l, p, snap)
		if f == nil {
			continue
		}
		res, detail, err := r.resolve(ctx, l, name, p, snap, f)
		if errors.Is(err, orchestrator.ErrStaleObservation) {
			// The ledger moved after ListOpen; the next pass classifies fresh state.
			log.Debug("finding superseded",
				zap.String("platform", name),
				zap.String("discrepancy", string(f.Discrepancy)),
				zap.Error(err))
			continue
		}
		if err != nil {
			pass.errors++
			log.Warn("resolution failed",
				zap.String("platform", name),
				zap.String("discrepancy", string(f.Discrepancy)),
				zap.Error(err))
		}
		if detail != "" {
			f.Detail += ": " + detail
		}
		log.Info("discrepancy found",
			zap.String("platform", name),
			zap.String("discrepancy", string(f.Discrepancy)),
			zap.String("resolution", string(res)))
		pass.records = append(pass.records, r.record(runID, l.ID, name, f, res))
	}

	// Listing-level checks run against fresh state.
	if n, err := r.orch.RedriveStuck(ctx, l.ID); err != nil {
		pass.errors++
		log.Warn("redrive stuck jobs failed", zap.Error(err))
	} else if n > 0 {
		pass.records = append(pass.records, r.record(runID, l.ID, "", &Finding{
			Discrepancy: domain.DiscrepancyStuckJob,
			Detail:      fmt.Sprintf("%d transitional platform(s) had no queued job", n),
		}, domain.ResolutionJobRequeued))
	}

	if l.SalePlatform != "" {
		escalated, err := r.orch.CheckSaleTimeout(ctx, l.ID, r.saleTimeout)
		if err != nil {
			pass.errors++
			log.Warn("sale timeout check failed", zap.Error(err))
		} else if escalated {
			pass.records = append(pass.records, r.record(runID, l.ID, l.SalePlatform, &Finding{
				Discrepancy: domain.DiscrepancyStaleSale,
				LedgerState: domain.StateSaleDetected,
				Detail:      "sale unresolved after " + r.saleTimeout.String(),
			}, domain.ResolutionEscalated))
		}
	}
	return pass
}

func (r *Reconciler) status(ctx context.Context, platform, externalID string) (*domain.StatusSnapshot, error) {
	adapter, err := r.registry.Get(platform)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return adapter.GetStatus(callCtx, externalID)
}

// resolve routes a finding to the orchestrator operation that repairs it.
// Every operation is guarded by the entry the finding was classified
// against, so a finding made stale by a concurrent transition changes nothing.
func (r *Reconciler) resolve(ctx context.Context, l *domain.Listing, platform string, p *domain.PlatformListing, snap *domain.StatusSnapshot, f *Finding) (domain.Resolution, string, error) {
	obs := orchestrator.ObservedFrom(p)
	switch f.Discrepancy {
	case domain.DiscrepancyGhostActive:
		// A listing that vanished while Active is treated as sold.
		price := snap.CurrentPrice
		if price.IsZero() {
			price = p.Price
		}
		soldAt := snap.LastUpdated
		if soldAt.IsZero() {
			soldAt = r.clock.Now()
		}
		res, err := r.orch.ApplyObservedSale(ctx, &domain.SaleEvent{
			IdempotencyKey:    idhash.ComputeSaleKey(platform, p.ExternalListingID, price, soldAt, idhash.DefaultTimeBucket),
			Platform:          platform,
			ExternalListingID: p.ExternalListingID,
			ListingID:         l.ID,
			SoldPrice:         price,
			SoldAt:            soldAt,
			Source:            domain.EventSourceReconciliation,
			ReceivedAt:        r.clock.Now(),
		}, obs)
		if err != nil {
			return domain.ResolutionSkipped, "", err
		}
		if res.Duplicate {
			return domain.ResolutionSkipped, "sale already recorded", nil
		}
		if res.DoubleSale {
			return domain.ResolutionEscalated, "second sale on listing", nil
		}
		return domain.ResolutionSaleApplied, "", nil

	case domain.DiscrepancyOrphanActive:
		if _, err := r.orch.RequestDelist(ctx, l.ID, platform, obs, domain.SourceReconciliation); err != nil {
			return domain.ResolutionSkipped, "", err
		}
		return domain.ResolutionDelistQueued, "", nil

	case domain.DiscrepancyPriceDrift:
		_, err := r.orch.SyncPlatformPrice(ctx, l.ID, platform, obs, snap.CurrentPrice)
		if isBlocked(err) {
			return domain.ResolutionSkipped, err.Error(), nil
		}
		if err != nil {
			return domain.ResolutionSkipped, "", err
		}
		return domain.ResolutionPriceQueued, "", nil

	case domain.DiscrepancyStaleFailed, domain.DiscrepancyStuckJob:
		if _, err := r.orch.MarkPlatformGone(ctx, l.ID, platform, obs, f.Detail); err != nil {
			return domain.ResolutionSkipped, "", err
		}
		return domain.ResolutionMarkedGone, "", nil
	}
	return domain.ResolutionSkipped, "", nil
}

// isBlocked reports errors that mean the listing is deliberately frozen.
func isBlocked(err error) bool {
	return errors.Is(err, orchestrator.ErrSaleInProgress) ||
		errors.Is(err, orchestrator.ErrListingArchived) ||
		errors.Is(err, orchestrator.ErrListingSuspended) ||
		errors.Is(err, orchestrator.ErrUnderReview) ||
		errors.Is(err, orchestrator.ErrInvalidTransition)
}

func (r *Reconciler) record(runID, listingID, platform string, f *Finding, res domain.Resolution) *domain.ReconciliationRecord {
	return &domain.ReconciliationRecord{
		RunID:       runID,
		ListingID:   listingID,
		Platform:    platform,
		Discrepancy: f.Discrepancy,
		Resolution:  res,
		LedgerState: f.LedgerState,
		RemoteState: f.RemoteState,
		LedgerPrice: f.LedgerPrice,
		RemotePrice: f.RemotePrice,
		Detail:      f.Detail,
		DetectedAt:  r.clock.Now(),
	}
}
