package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"resale-sync/internal/alert"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
)

// JobIsStale reports whether a dequeued job must be dropped against the
// current listing, with the reason. Delist is never stale unless the
// platform itself recorded the sale.
func JobIsStale(l *domain.Listing, job *domain.SyncJob) (bool, string) {
	p := l.Platform(job.Platform)
	if p == nil {
		return true, "platform not targeted"
	}

	switch job.Action {
	case domain.ActionDelist:
		if p.State.HasSale() {
			return true, "platform recorded the sale"
		}
		return false, ""
	case domain.ActionList:
		switch {
		case l.HasSale() || l.GlobalState().BlocksPricing():
			return true, "sale in progress"
		case l.IsArchived() || l.CancelRequested:
			return true, "listing archived or cancelled"
		case p.State != domain.StatePending:
			return true, "platform no longer pending"
		}
	case domain.ActionUpdatePrice:
		switch {
		case l.HasSale() || l.GlobalState().BlocksPricing():
			return true, "sale in progress"
		case l.IsArchived() || l.CancelRequested:
			return true, "listing archived or cancelled"
		case p.State != domain.StateActive:
			return true, "platform not active"
		case l.Suspended:
			return true, "listing suspended"
		}
	}
	return false, ""
}

// HandleListSuccess records a successful List. A platform that is no longer
// wanted (sale, cancel, or the ledger moved on) gets the new remote listing
// delisted right away.
func (o *Orchestrator) HandleListSuccess(ctx context.Context, job *domain.SyncJob, externalID string) (*domain.Listing, error) {
	return o.mutate(ctx, "list_succeeded", job.ListingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, job.Platform)
		if err != nil {
			return false, err
		}
		if p.State == domain.StateActive && p.ExternalListingID == externalID {
			return false, nil
		}
		if p.State.HasSale() {
			return false, nil
		}

		p.ExternalListingID = externalID
		p.LastSyncedAt = now
		clearError(p)

		unwanted := p.State != domain.StatePending || l.HasSale() || l.CancelRequested || l.IsArchived()
		if unwanted {
			p.State = domain.StateDelisting
			fx.job(o.newJob(l, job.Platform, domain.ActionDelist, domain.SourceSaleFanout, now))
			o.logger.Info("listed platform no longer wanted, delisting",
				zap.String("listing_id", l.ID),
				zap.String("platform", job.Platform),
				zap.String("external_id", externalID))
			return true, nil
		}

		p.State = domain.StateActive
		p.Price = job.Price
		if !job.Price.Equal(l.CurrentPrice) && PricingBlocked(l) == nil {
			fx.job(o.newJob(l, job.Platform, domain.ActionUpdatePrice, domain.SourceReconciliation, now))
		}
		return true, nil
	})
}

// HandleUpdatePriceSuccess records the price now live on the platform.
func (o *Orchestrator) HandleUpdatePriceSuccess(ctx context.Context, job *domain.SyncJob) (*domain.Listing, error) {
	return o.mutate(ctx, "update_price_succeeded", job.ListingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, job.Platform)
		if err != nil {
			return false, err
		}
		if p.State != domain.StateActive {
			return false, nil
		}
		p.Price = job.Price
		p.LastSyncedAt = now
		clearError(p)
		return true, nil
	})
}

// HandleDelistSuccess moves the platform to NotListed. The external id is
// kept so late sale notifications still resolve and reconciliation can spot
// a listing that reappears. Completing the last sibling finalizes the sale.
func (o *Orchestrator) HandleDelistSuccess(ctx context.Context, job *domain.SyncJob) (*domain.Listing, error) {
	return o.mutate(ctx, "delist_succeeded", job.ListingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, job.Platform)
		if err != nil {
			return false, err
		}
		return completeDelist(l, p, now), nil
	})
}

// HandleUnpublishedDelist completes a Delist for a platform the worker saw
// without an external id. It returns ErrListInFlight while a List for the
// platform is queued or running, or once one has published since: the
// platform stays Delisting until that outcome is known.
func (o *Orchestrator) HandleUnpublishedDelist(ctx context.Context, job *domain.SyncJob) (*domain.Listing, error) {
	return o.mutate(ctx, "delist_unpublished", job.ListingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, job.Platform)
		if err != nil {
			return false, err
		}
		if p.ExternalListingID != "" || o.queue.Has(l.ID, job.Platform, domain.ActionList) {
			return false, fmt.Errorf("%w: %s on listing %s", ErrListInFlight, job.Platform, l.ID)
		}
		return completeDelist(l, p, now), nil
	})
}

func completeDelist(l *domain.Listing, p *domain.PlatformListing, now time.Time) bool {
	switch p.State {
	case domain.StateDelisting, domain.StateActive, domain.StateFailed:
	default:
		return false
	}

	p.State = domain.StateNotListed
	p.LastSyncedAt = now
	p.Escalated = false
	clearError(p)

	finalizeSale(l, now)
	maybeArchive(l, now)
	return true
}

// RecordAttemptFailure stores the error of a failed attempt that will be
// retried. The platform state is unchanged.
func (o *Orchestrator) RecordAttemptFailure(ctx context.Context, job *domain.SyncJob, callErr error) (*domain.Listing, error) {
	return o.mutate(ctx, "attempt_failed", job.ListingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, job.Platform)
		if err != nil {
			return false, err
		}
		kind := marketplace.Classify(callErr)
		msg := callErr.Error()
		if p.LastError == msg && p.ErrorKind == kind {
			return false, nil
		}
		p.LastError = msg
		p.ErrorKind = kind
		return true, nil
	})
}

// HandleJobFailed applies a final failure: a non-retryable error or an
// exhausted retry budget. breakerOpen reports the platform's circuit state
// at the time of the last attempt.
func (o *Orchestrator) HandleJobFailed(ctx context.Context, job *domain.SyncJob, callErr error, breakerOpen bool) (*domain.Listing, error) {
	switch job.Action {
	case domain.ActionList:
		return o.handleListFailed(ctx, job, callErr)
	case domain.ActionUpdatePrice:
		return o.handleUpdatePriceFailed(ctx, job, callErr)
	case domain.ActionDelist:
		return o.handleDelistExhausted(ctx, job, callErr, breakerOpen)
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, job.Action)
}

func (o *Orchestrator) handleListFailed(ctx context.Context, job *domain.SyncJob, callErr error) (*domain.Listing, error) {
	return o.mutate(ctx, "list_failed", job.ListingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, job.Platform)
		if err != nil {
			return false, err
		}
		if p.State != domain.StatePending {
			// Sale or cancel moved the platform on; record the error only.
			p.LastError = callErr.Error()
			p.ErrorKind = marketplace.Classify(callErr)
			return true, nil
		}

		kind := marketplace.Classify(callErr)
		p.State = domain.StateFailed
		p.LastError = callErr.Error()
		p.ErrorKind = kind
		o.surfaceToUser(l, job, kind, callErr, fx)
		return true, nil
	})
}

func (o *Orchestrator) handleUpdatePriceFailed(ctx context.Context, job *domain.SyncJob, callErr error) (*domain.Listing, error) {
	return o.mutate(ctx, "update_price_failed", job.ListingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, job.Platform)
		if err != nil {
			return false, err
		}
		// The listing is still live at its old price, so the platform stays
		// Active: marking it Failed would exclude it from sale fan-out.
		kind := marketplace.Classify(callErr)
		p.LastError = callErr.Error()
		p.ErrorKind = kind
		o.surfaceToUser(l, job, kind, callErr, fx)
		return true, nil
	})
}

// surfaceToUser handles the non-retryable half of the error taxonomy.
func (o *Orchestrator) surfaceToUser(l *domain.Listing, job *domain.SyncJob, kind domain.ErrorKind, callErr error, fx *effects) {
	switch kind {
	case domain.ErrorKindAuth:
		l.Suspended = true
		l.SuspendReason = fmt.Sprintf("%s rejected credentials", job.Platform)
		fx.cancelStale = true
		fx.alert(alert.SeverityWarning, job.Platform,
			"re-authorization required on %s: %v", job.Platform, callErr)
	case domain.ErrorKindValidation:
		fx.alert(alert.SeverityWarning, job.Platform,
			"%s rejected %s: %v", job.Platform, job.Action, callErr)
	}
}

// handleDelistExhausted never drops a failed delist silently. With a sale on
// the listing, or the platform's circuit open, it is a double-sale risk.
func (o *Orchestrator) handleDelistExhausted(ctx context.Context, job *domain.SyncJob, callErr error, breakerOpen bool) (*domain.Listing, error) {
	return o.mutate(ctx, "delist_exhausted", job.ListingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, job.Platform)
		if err != nil {
			return false, err
		}
		if p.State.HasSale() || p.State == domain.StateNotListed {
			return false, nil
		}

		p.State = domain.StateFailed
		p.LastError = callErr.Error()
		p.Escalated = true

		if l.HasSale() || breakerOpen {
			p.ErrorKind = domain.ErrorKindDoubleSale
			flagReview(l, "delist exhausted on "+job.Platform)
			sold := l.SalePlatform
			if sold == "" {
				sold = "none"
			}
			fx.alert(alert.SeverityCritical, job.Platform,
				"DOUBLE_SALE_RISK: delist on %s failed after %d attempts (sale on %s): %v",
				job.Platform, job.AttemptCount, sold, callErr)
		} else {
			p.ErrorKind = marketplace.Classify(callErr)
			flagReview(l, "delist exhausted on "+job.Platform)
			fx.alert(alert.SeverityWarning, job.Platform,
				"delist on %s failed after %d attempts: %v", job.Platform, job.AttemptCount, callErr)
		}
		return true, nil
	})
}
