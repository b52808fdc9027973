// Package worker executes sync jobs against marketplace adapters.
//
// Each job makes one adapter call. Failures are retried by re-enqueueing
// the job with AttemptCount and NextRetryAt updated; jobs that run out of
// attempts or fail permanently are dead-lettered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"resale-sync/internal/alert"
	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
	"resale-sync/internal/observability"
	"resale-sync/internal/orchestrator"
	"resale-sync/internal/queue"
	"resale-sync/internal/retry"
	"resale-sync/internal/storage"
)

// Default pool settings.
const (
	DefaultWorkers       = 8
	DefaultFlushInterval = 5 * time.Second
	DefaultOutcomeBatch  = 500
	applyRetryDelay      = time.Second
)

// Pool is a fixed set of workers consuming the job queue.
type Pool struct {
	queue       *queue.Queue
	orch        *orchestrator.Orchestrator
	registry    *marketplace.Registry
	assets      storage.AssetStore
	deadLetters storage.DeadLetterStore
	outcomes    storage.JobOutcomeStore
	notifier    alert.Notifier
	policy      retry.Policy
	breakers    *retry.Breakers
	clock       clock.Clock
	logger      *zap.Logger

	workers       int
	flushInterval time.Duration
	outcomeBatch  int

	mu      sync.Mutex
	pending []*domain.JobOutcome
}

// Options for creating a Pool.
type Options struct {
	// Required
	Queue        *queue.Queue
	Orchestrator *orchestrator.Orchestrator
	Registry     *marketplace.Registry
	DeadLetters  storage.DeadLetterStore

	// Optional
	Assets   storage.AssetStore      // venue/seat details for List calls
	Outcomes storage.JobOutcomeStore // per-attempt analytics
	Notifier alert.Notifier
	Policy   *retry.Policy
	Breakers *retry.Breakers
	Clock    clock.Clock
	Logger   *zap.Logger

	Workers       int           // Default: 8
	FlushInterval time.Duration // Default: 5s - outcome flush and queue gauges
	OutcomeBatch  int           // Default: 500
}

// New creates a worker pool.
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = retry.NewBreakers(retry.BreakerOptions{Clock: clk})
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = alert.NewLogNotifier(logger)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	batch := opts.OutcomeBatch
	if batch <= 0 {
		batch = DefaultOutcomeBatch
	}

	return &Pool{
		queue:         opts.Queue,
		orch:          opts.Orchestrator,
		registry:      opts.Registry,
		assets:        opts.Assets,
		deadLetters:   opts.DeadLetters,
		outcomes:      opts.Outcomes,
		notifier:      notifier,
		policy:        policy,
		breakers:      breakers,
		clock:         clk,
		logger:        logger.Named("worker"),
		workers:       workers,
		flushInterval: flushInterval,
		outcomeBatch:  batch,
	}
}

// Run starts the workers and blocks until ctx is cancelled or the queue closes.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.loop(gctx)
		})
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.flush(context.Background())
				p.reportDepth()
			}
		}
	}()

	err := g.Wait()
	close(done)
	p.flush(context.Background())
	p.logger.Info("worker pool stopped")

	if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		p.Process(ctx, job)
	}
}

// RunOnce processes every job ready now and returns how many ran.
// Delayed retries are left in the queue.
func (p *Pool) RunOnce(ctx context.Context) int {
	n := 0
	for {
		job, ok := p.queue.TryDequeue()
		if !ok {
			return n
		}
		p.Process(ctx, job)
		n++
	}
}

// Process executes one dequeued job and records its outcome.
func (p *Pool) Process(ctx context.Context, job *domain.SyncJob) {
	defer p.queue.Done(job)

	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("listing_id", job.ListingID),
		zap.String("platform", job.Platform),
		zap.String("action", string(job.Action)),
		zap.Int("attempt", job.AttemptCount+1))

	l, err := p.orch.Get(ctx, job.ListingID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("job for unknown listing dropped")
		p.record(job, domain.OutcomeDropped, domain.ErrorKindNone, 0)
		return
	}
	if err != nil {
		log.Error("load listing failed, retrying", zap.Error(err))
		p.reschedule(job, applyRetryDelay)
		return
	}

	if stale, reason := orchestrator.JobIsStale(l, job); stale {
		log.Info("stale job dropped", zap.String("reason", reason))
		p.record(job, domain.OutcomeDropped, domain.ErrorKindNone, 0)
		return
	}

	if job.Action == domain.ActionDelist && l.Platform(job.Platform).ExternalListingID == "" {
		p.completeUnpublished(ctx, job, log)
		return
	}

	adapter, err := p.registry.Get(job.Platform)
	if err != nil {
		p.deadLetter(ctx, job, err, log)
		return
	}

	if !p.breakers.Allow(job.Platform, job.Action) {
		retryAt := p.breakers.RetryAt(job.Platform)
		if now := p.clock.Now(); !retryAt.After(now) {
			// Half-open with a trial call in flight
			retryAt = now.Add(applyRetryDelay)
		}
		log.Debug("circuit open, deferring", zap.Time("retry_at", retryAt))
		job.NextRetryAt = retryAt
		p.queue.Push(job)
		p.record(job, domain.OutcomeDeferred, domain.ErrorKindNone, 0)
		return
	}

	start := p.clock.Now()
	externalID, callErr := p.call(ctx, adapter, l, job)
	latency := p.clock.Now().Sub(start)
	job.AttemptCount++

	if callErr == nil {
		p.breakers.RecordSuccess(job.Platform, job.Action)
		if err := p.applySuccess(ctx, job, externalID); err != nil {
			log.Error("apply success failed, retrying", zap.Error(err))
			p.reschedule(job, applyRetryDelay)
			return
		}
		log.Debug("job succeeded", zap.Duration("latency", latency))
		p.record(job, domain.OutcomeSucceeded, domain.ErrorKindNone, latency)
		return
	}

	p.breakers.RecordFailure(job.Platform, job.Action, callErr)
	kind := marketplace.Classify(callErr)
	job.LastError = callErr.Error()

	// Delist is retried through its whole budget whatever the error says.
	retryable := marketplace.IsRetryable(callErr) || job.Action == domain.ActionDelist
	if retryable && !p.policy.Exhausted(job.Action, job.AttemptCount) {
		if _, err := p.orch.RecordAttemptFailure(ctx, job, callErr); err != nil {
			log.Warn("record attempt failure", zap.Error(err))
		}
		delay := p.policy.NextDelay(job.AttemptCount, callErr)
		log.Info("job failed, retrying", zap.Error(callErr), zap.Duration("delay", delay))
		p.reschedule(job, delay)
		p.record(job, domain.OutcomeRetried, kind, latency)
		return
	}

	if _, err := p.orch.HandleJobFailed(ctx, job, callErr, p.breakers.IsOpen(job.Platform)); err != nil {
		log.Error("apply final failure", zap.Error(err))
	}
	p.deadLetter(ctx, job, callErr, log)
	p.record(job, domain.OutcomeDeadLettered, kind, latency)
}

// call makes the single bounded adapter call for job.
func (p *Pool) call(ctx context.Context, adapter marketplace.Adapter, l *domain.Listing, job *domain.SyncJob) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.policy.Timeout())
	defer cancel()

	pl := l.Platform(job.Platform)
	switch job.Action {
	case domain.ActionList:
		job.Price = l.CurrentPrice
		details, err := p.details(ctx, l, job)
		if err != nil {
			return "", &marketplace.TransientError{Platform: job.Platform, Err: err}
		}
		return adapter.List(callCtx, details)
	case domain.ActionDelist:
		return "", adapter.Delist(callCtx, pl.ExternalListingID)
	case domain.ActionUpdatePrice:
		return "", adapter.UpdatePrice(callCtx, pl.ExternalListingID, job.Price)
	}
	return "", fmt.Errorf("unknown action %q", job.Action)
}

func (p *Pool) details(ctx context.Context, l *domain.Listing, job *domain.SyncJob) (marketplace.ListingDetails, error) {
	d := marketplace.ListingDetails{
		ListingID:      l.ID,
		AssetID:        l.AssetID,
		GameDate:       l.GameDate,
		Price:          job.Price,
		IdempotencyKey: job.IdempotencyKey,
	}
	if p.assets == nil {
		return d, nil
	}
	a, err := p.assets.GetByID(ctx, l.AssetID)
	if err != nil {
		return d, fmt.Errorf("load asset %s: %w", l.AssetID, err)
	}
	d.Venue = a.Venue
	d.Section = a.Section
	d.Row = a.Row
	d.Seat = a.Seat
	return d, nil
}

func (p *Pool) applySuccess(ctx context.Context, job *domain.SyncJob, externalID string) error {
	var err error
	switch job.Action {
	case domain.ActionList:
		_, err = p.orch.HandleListSuccess(ctx, job, externalID)
	case domain.ActionDelist:
		_, err = p.orch.HandleDelistSuccess(ctx, job)
	case domain.ActionUpdatePrice:
		_, err = p.orch.HandleUpdatePriceSuccess(ctx, job)
	}
	return err
}

// completeUnpublished finishes a Delist with nothing published to remove.
// A List that may still publish holds it back until its outcome lands.
func (p *Pool) completeUnpublished(ctx context.Context, job *domain.SyncJob, log *zap.Logger) {
	_, err := p.orch.HandleUnpublishedDelist(ctx, job)
	switch {
	case errors.Is(err, orchestrator.ErrListInFlight):
		log.Debug("list outcome outstanding, deferring delist")
		p.reschedule(job, applyRetryDelay)
		p.record(job, domain.OutcomeDeferred, domain.ErrorKindNone, 0)
	case err != nil:
		log.Error("apply success failed, retrying", zap.Error(err))
		p.reschedule(job, applyRetryDelay)
	default:
		log.Debug("nothing published, delist complete")
		p.record(job, domain.OutcomeSucceeded, domain.ErrorKindNone, 0)
	}
}

func (p *Pool) reschedule(job *domain.SyncJob, delay time.Duration) {
	job.NextRetryAt = p.clock.Now().Add(delay)
	p.queue.Push(job)
}

// deadLetter persists a job that will not run again and tells operators.
func (p *Pool) deadLetter(ctx context.Context, job *domain.SyncJob, cause error, log *zap.Logger) {
	d := &domain.DeadLetter{
		JobID:        job.ID,
		ListingID:    job.ListingID,
		Platform:     job.Platform,
		Action:       job.Action,
		AttemptCount: job.AttemptCount,
		ErrorKind:    marketplace.Classify(cause),
		LastError:    cause.Error(),
		FailedAt:     p.clock.Now(),
	}
	if err := p.deadLetters.Insert(ctx, d); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		log.Error("dead letter insert failed", zap.Error(err))
	}
	log.Warn("job dead-lettered", zap.Error(cause))

	// Auth and validation failures were already surfaced to the user.
	if marketplace.IsRetryable(cause) || job.Action == domain.ActionDelist {
		observability.RecordAlert(string(alert.SeverityWarning))
		msg := fmt.Sprintf("dead letter: %s on %s after %d attempts: %v", job.Action, job.Platform, job.AttemptCount, cause)
		if err := p.notifier.Notify(ctx, alert.SeverityWarning, job.ListingID, msg); err != nil {
			log.Error("dead letter alert failed", zap.Error(err))
		}
	}
}

func (p *Pool) record(job *domain.SyncJob, outcome domain.Outcome, kind domain.ErrorKind, latency time.Duration) {
	observability.RecordJobOutcome(job.Platform, string(job.Action), string(outcome), latency)
	if p.outcomes == nil {
		return
	}

	p.mu.Lock()
	p.pending = append(p.pending, &domain.JobOutcome{
		JobID:      job.ID,
		ListingID:  job.ListingID,
		Platform:   job.Platform,
		Action:     job.Action,
		Attempt:    job.AttemptCount,
		Outcome:    outcome,
		ErrorKind:  kind,
		Latency:    latency,
		FinishedAt: p.clock.Now(),
	})
	full := len(p.pending) >= p.outcomeBatch
	p.mu.Unlock()

	if full {
		p.flush(context.Background())
	}
}

// Flush writes buffered job outcomes. Run flushes on its own; callers
// driving the pool with RunOnce flush before exit.
func (p *Pool) Flush(ctx context.Context) {
	p.flush(ctx)
}

// flush writes buffered outcomes. A failed batch is dropped: outcomes are
// analytics, not state.
func (p *Pool) flush(ctx context.Context) {
	if p.outcomes == nil {
		return
	}
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := p.outcomes.InsertBulk(ctx, batch); err != nil {
		p.logger.Warn("job outcome flush failed", zap.Int("count", len(batch)), zap.Error(err))
	}
}

func (p *Pool) reportDepth() {
	depth := p.queue.Depth()
	gauges := make(map[string]int, len(depth))
	for action, n := range depth {
		gauges[string(action)] = n
	}
	observability.UpdateQueueDepth(gauges)
}
