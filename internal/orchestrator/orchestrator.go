// Package orchestrator is the listing state machine.
// It is the only component that writes to the listing ledger: every
// transition reads the current version, computes the next state and
// commits it with compare-and-swap, recomputing on conflict.
// Jobs and alerts are emitted only after the winning write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resale-sync/internal/alert"
	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/idhash"
	"resale-sync/internal/observability"
	"resale-sync/internal/storage"
)

// DefaultMaxCASAttempts bounds how often a transition is recomputed
// after losing a version race.
const DefaultMaxCASAttempts = 16

var (
	ErrSaleInProgress    = errors.New("orchestrator: sale in progress")
	ErrListingArchived   = errors.New("orchestrator: listing archived or cancelled")
	ErrListingSuspended  = errors.New("orchestrator: listing suspended")
	ErrUnderReview       = errors.New("orchestrator: listing flagged for review")
	ErrUnknownPlatform   = errors.New("orchestrator: platform not targeted by listing")
	ErrInvalidTransition = errors.New("orchestrator: invalid transition")
	ErrTooManyConflicts  = errors.New("orchestrator: too many version conflicts")
	ErrStaleObservation  = errors.New("orchestrator: ledger changed since observed")
	ErrListInFlight      = errors.New("orchestrator: list outcome outstanding")
)

// JobQueue is the subset of the job queue the orchestrator needs.
type JobQueue interface {
	Push(job *domain.SyncJob) bool
	Has(listingID, platform string, action domain.Action) bool
	Remove(listingID string, actions ...domain.Action) int
}

// Orchestrator applies listing transitions.
type Orchestrator struct {
	listings storage.ListingStore
	assets   storage.AssetStore
	queue    JobQueue
	notifier alert.Notifier
	clock    clock.Clock
	logger   *zap.Logger

	platforms      map[string]bool
	maxCASAttempts int
	newID          func() string
}

// Options for creating Orchestrator.
type Options struct {
	// Required
	Listings storage.ListingStore
	Queue    JobQueue

	// Optional
	Assets    storage.AssetStore // validates asset references on create
	Notifier  alert.Notifier     // defaults to a log notifier
	Clock     clock.Clock
	Logger    *zap.Logger
	Platforms []string // registered platform names; empty disables validation

	MaxCASAttempts int
	NewID          func() string // job and listing ids, defaults to uuid
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = alert.NewLogNotifier(logger)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	maxCAS := opts.MaxCASAttempts
	if maxCAS <= 0 {
		maxCAS = DefaultMaxCASAttempts
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	var platforms map[string]bool
	if len(opts.Platforms) > 0 {
		platforms = make(map[string]bool, len(opts.Platforms))
		for _, p := range opts.Platforms {
			platforms[p] = true
		}
	}

	return &Orchestrator{
		listings:       opts.Listings,
		assets:         opts.Assets,
		queue:          opts.Queue,
		notifier:       notifier,
		clock:          clk,
		logger:         logger.Named("orchestrator"),
		platforms:      platforms,
		maxCASAttempts: maxCAS,
		newID:          newID,
	}
}

// effects are side effects of a transition, emitted after the write commits.
type effects struct {
	jobs        []*domain.SyncJob
	alerts      []pendingAlert
	cancelStale bool // drop queued List/UpdatePrice jobs for the listing
}

type pendingAlert struct {
	severity alert.Severity
	platform string
	message  string
}

func (fx *effects) job(j *domain.SyncJob) {
	fx.jobs = append(fx.jobs, j)
}

func (fx *effects) alert(severity alert.Severity, platform, format string, args ...any) {
	fx.alerts = append(fx.alerts, pendingAlert{severity: severity, platform: platform, message: fmt.Sprintf(format, args...)})
}

// mutation computes the next state in place on a clone of the current
// listing. It reports whether the listing changed; effects recorded on an
// unchanged listing are still emitted.
type mutation func(l *domain.Listing, now time.Time, fx *effects) (bool, error)

// mutate runs fn in a read, compute, compare-and-swap loop.
// It never performs I/O other than the ledger read and write.
func (o *Orchestrator) mutate(ctx context.Context, op, listingID string, fn mutation) (*domain.Listing, error) {
	for attempt := 1; attempt <= o.maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur, err := o.listings.Get(ctx, listingID)
		if err != nil {
			return nil, fmt.Errorf("%s: load listing %s: %w", op, listingID, err)
		}

		now := o.clock.Now()
		next := cur.Clone()
		fx := &effects{}

		changed, err := fn(next, now, fx)
		if err != nil {
			return cur, err
		}
		if !changed {
			o.emit(ctx, cur, fx)
			return cur, nil
		}

		next.Version = cur.Version + 1
		next.UpdatedAt = now

		err = o.listings.CompareAndSwap(ctx, next, cur.Version)
		if errors.Is(err, storage.ErrVersionConflict) {
			observability.RecordCASConflict(op)
			o.logger.Debug("version conflict, recomputing",
				zap.String("op", op),
				zap.String("listing_id", listingID),
				zap.Int64("version", cur.Version),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: commit listing %s: %w", op, listingID, err)
		}

		observability.RecordTransition(op)
		o.logger.Debug("transition committed",
			zap.String("op", op),
			zap.String("listing_id", listingID),
			zap.Int64("version", next.Version),
			zap.String("global_state", string(next.GlobalState())))

		o.emit(ctx, next, fx)
		return next, nil
	}
	return nil, fmt.Errorf("%s %s: %w", op, listingID, ErrTooManyConflicts)
}

// emit pushes jobs and sends alerts for a committed (or unchanged) listing.
func (o *Orchestrator) emit(ctx context.Context, l *domain.Listing, fx *effects) {
	if fx.cancelStale {
		if n := o.queue.Remove(l.ID, domain.ActionList, domain.ActionUpdatePrice); n > 0 {
			o.logger.Info("dropped queued jobs", zap.String("listing_id", l.ID), zap.Int("count", n))
		}
	}

	for _, j := range fx.jobs {
		if j.IdempotencyKey == "" {
			j.IdempotencyKey = idhash.ComputeJobKey(l.ID, j.Platform, string(j.Action), l.Version)
		}
		merged := o.queue.Push(j)
		observability.RecordJobEnqueued(string(j.Action), string(j.Source), merged)
		o.logger.Debug("job enqueued",
			zap.String("listing_id", l.ID),
			zap.String("platform", j.Platform),
			zap.String("action", string(j.Action)),
			zap.Int("priority", j.Priority),
			zap.Bool("merged", merged))
	}

	for _, a := range fx.alerts {
		observability.RecordAlert(string(a.severity))
		if err := o.notifier.Notify(ctx, a.severity, l.ID, a.message); err != nil {
			o.logger.Error("alert delivery failed",
				zap.String("listing_id", l.ID),
				zap.String("platform", a.platform),
				zap.Error(err))
		}
	}
}

// newJob builds a job for the listing. The idempotency key is derived from
// the committed version when the job is emitted.
func (o *Orchestrator) newJob(l *domain.Listing, platform string, action domain.Action, source domain.JobSource, now time.Time) *domain.SyncJob {
	return &domain.SyncJob{
		ID:          o.newID(),
		ListingID:   l.ID,
		Platform:    platform,
		Action:      action,
		Price:       l.CurrentPrice,
		NextRetryAt: now,
		Priority:    domain.PriorityFor(action, source),
		Source:      source,
		CreatedAt:   now,
	}
}

// Get returns the current ledger state of a listing.
func (o *Orchestrator) Get(ctx context.Context, listingID string) (*domain.Listing, error) {
	return o.listings.Get(ctx, listingID)
}

func platformOf(l *domain.Listing, platform string) (*domain.PlatformListing, error) {
	p := l.Platform(platform)
	if p == nil {
		return nil, fmt.Errorf("%w: %s on listing %s", ErrUnknownPlatform, platform, l.ID)
	}
	return p, nil
}

// Observed is the platform entry a caller based a decision on. Operations
// given one re-check it against the stored listing inside the transition
// and return ErrStaleObservation when the entry has moved on.
type Observed struct {
	State             domain.PlatformState
	ExternalListingID string
}

// ObservedFrom captures p for a later guarded operation.
func ObservedFrom(p *domain.PlatformListing) *Observed {
	return &Observed{State: p.State, ExternalListingID: p.ExternalListingID}
}

func (ob *Observed) check(p *domain.PlatformListing, platform string) error {
	if ob == nil {
		return nil
	}
	if p.State != ob.State || p.ExternalListingID != ob.ExternalListingID {
		return fmt.Errorf("%w: %s is %s/%q, observed %s/%q",
			ErrStaleObservation, platform, p.State, p.ExternalListingID, ob.State, ob.ExternalListingID)
	}
	return nil
}

func clearError(p *domain.PlatformListing) {
	p.LastError = ""
	p.ErrorKind = domain.ErrorKindNone
}

func flagReview(l *domain.Listing, reason string) {
	l.NeedsReview = true
	if l.ReviewReason == "" {
		l.ReviewReason = reason
	} else if l.ReviewReason != reason {
		l.ReviewReason += "; " + reason
	}
}
