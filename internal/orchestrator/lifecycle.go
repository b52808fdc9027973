package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"resale-sync/internal/alert"
	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// CreateListingRequest is a user request to sync one asset+game date.
type CreateListingRequest struct {
	ID        string // optional, generated when empty
	AssetID   string
	GameDate  time.Time
	Price     decimal.Decimal
	Platforms []string
	ListNow   bool // immediately request List on every platform
}

// CreateListing inserts a new listing at version 1 with every platform NotListed.
func (o *Orchestrator) CreateListing(ctx context.Context, req CreateListingRequest) (*domain.Listing, error) {
	if req.AssetID == "" || req.GameDate.IsZero() || len(req.Platforms) == 0 {
		return nil, fmt.Errorf("create listing: %w", storage.ErrInvalidInput)
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("create listing: price must be positive: %w", storage.ErrInvalidInput)
	}
	for _, p := range req.Platforms {
		if o.platforms != nil && !o.platforms[p] {
			return nil, fmt.Errorf("create listing: %w: %s", ErrUnknownPlatform, p)
		}
	}
	if o.assets != nil {
		if _, err := o.assets.GetByID(ctx, req.AssetID); err != nil {
			return nil, fmt.Errorf("create listing: asset %s: %w", req.AssetID, err)
		}
	}

	now := o.clock.Now()
	id := req.ID
	if id == "" {
		id = o.newID()
	}

	l := &domain.Listing{
		ID:           id,
		AssetID:      req.AssetID,
		GameDate:     req.GameDate.UTC(),
		CurrentPrice: req.Price,
		Platforms:    make(map[string]*domain.PlatformListing, len(req.Platforms)),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, p := range req.Platforms {
		l.Platforms[p] = &domain.PlatformListing{State: domain.StateNotListed}
	}

	if err := o.listings.Insert(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	o.logger.Info("listing created",
		zap.String("listing_id", l.ID),
		zap.String("asset_id", l.AssetID),
		zap.Strings("platforms", l.PlatformNames()))

	if req.ListNow {
		return o.RequestList(ctx, l.ID)
	}
	return l, nil
}

// RequestList moves the named platforms (all when none given) from
// NotListed or non-escalated Failed to Pending and queues List jobs.
// Platforms already live are left alone. A new request clears a credential
// suspension: the user is expected to have re-authorized.
func (o *Orchestrator) RequestList(ctx context.Context, listingID string, platforms ...string) (*domain.Listing, error) {
	return o.mutate(ctx, "request_list", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		if l.IsArchived() || l.CancelRequested {
			return false, ErrListingArchived
		}
		if l.HasSale() {
			return false, ErrSaleInProgress
		}

		targets := platforms
		if len(targets) == 0 {
			targets = l.PlatformNames()
		}

		changed := false
		for _, name := range targets {
			p, err := platformOf(l, name)
			if err != nil {
				return false, err
			}
			if p.State != domain.StateNotListed && !(p.State == domain.StateFailed && !p.Escalated) {
				continue
			}
			p.State = domain.StatePending
			clearError(p)
			fx.job(o.newJob(l, name, domain.ActionList, domain.SourceUser, now))
			changed = true
		}
		if changed && l.Suspended {
			l.Suspended = false
			l.SuspendReason = ""
		}
		return changed, nil
	})
}

// RequestPriceUpdate sets the ledger price and queues UpdatePrice for every
// Active platform not already at that price. Refused once a sale is detected.
func (o *Orchestrator) RequestPriceUpdate(ctx context.Context, listingID string, price decimal.Decimal, source domain.JobSource) (*domain.Listing, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("request price update: %w", storage.ErrInvalidInput)
	}
	return o.requestPrice(ctx, "request_price_update", listingID, price, source, nil)
}

// PriceBasis is the ledger price a repricing decision was computed from.
type PriceBasis struct {
	Price     decimal.Decimal
	ChangedAt time.Time // LastPriceChangeAt when the decision was made
}

// Reprice applies an automated price change computed from basis. If the
// ledger price or its change time moved since, e.g. a user edit landed
// mid-cycle, it returns ErrStaleObservation and changes nothing, leaving
// cooldown and max-change to be evaluated again next cycle.
func (o *Orchestrator) Reprice(ctx context.Context, listingID string, basis PriceBasis, price decimal.Decimal) (*domain.Listing, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("reprice: %w", storage.ErrInvalidInput)
	}
	return o.requestPrice(ctx, "reprice", listingID, price, domain.SourcePricing, &basis)
}

func (o *Orchestrator) requestPrice(ctx context.Context, op, listingID string, price decimal.Decimal, source domain.JobSource, basis *PriceBasis) (*domain.Listing, error) {
	return o.mutate(ctx, op, listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		if err := PricingBlocked(l); err != nil {
			return false, err
		}
		if basis != nil && (!l.CurrentPrice.Equal(basis.Price) || !l.LastPriceChangeAt.Equal(basis.ChangedAt)) {
			return false, fmt.Errorf("%w: price %s changed at %s, decided from %s changed at %s",
				ErrStaleObservation, l.CurrentPrice.StringFixed(2), l.LastPriceChangeAt.Format(time.RFC3339),
				basis.Price.StringFixed(2), basis.ChangedAt.Format(time.RFC3339))
		}

		changed := false
		if !l.CurrentPrice.Equal(price) {
			l.CurrentPrice = price
			l.LastPriceChangeAt = now
			changed = true
		}
		for _, name := range l.PlatformsIn(domain.StateActive) {
			if l.Platforms[name].Price.Equal(price) {
				continue
			}
			fx.job(o.newJob(l, name, domain.ActionUpdatePrice, source, now))
		}
		return changed, nil
	})
}

// PricingBlocked returns why a listing may not receive price changes.
func PricingBlocked(l *domain.Listing) error {
	switch {
	case l.IsArchived() || l.CancelRequested:
		return ErrListingArchived
	case l.HasSale() || l.GlobalState().BlocksPricing():
		return ErrSaleInProgress
	case l.Suspended:
		return ErrListingSuspended
	case l.NeedsReview:
		return ErrUnderReview
	}
	return nil
}

// SyncPlatformPrice records a drifted remote price and re-issues UpdatePrice
// for that platform at reconciliation priority.
func (o *Orchestrator) SyncPlatformPrice(ctx context.Context, listingID, platform string, obs *Observed, observed decimal.Decimal) (*domain.Listing, error) {
	return o.mutate(ctx, "sync_platform_price", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, platform)
		if err != nil {
			return false, err
		}
		if err := obs.check(p, platform); err != nil {
			return false, err
		}
		if err := PricingBlocked(l); err != nil {
			return false, err
		}
		if p.State != domain.StateActive {
			return false, fmt.Errorf("%w: price sync on %s platform %s", ErrInvalidTransition, p.State, platform)
		}

		changed := false
		if !p.Price.Equal(observed) {
			p.Price = observed
			changed = true
		}
		if !observed.Equal(l.CurrentPrice) {
			fx.job(o.newJob(l, platform, domain.ActionUpdatePrice, domain.SourceReconciliation, now))
		}
		return changed, nil
	})
}

// RequestDelist forces a delist of platform, e.g. for a listing live on the
// platform that the ledger believes is gone. A non-nil obs makes the delist
// conditional on the entry still matching it.
func (o *Orchestrator) RequestDelist(ctx context.Context, listingID, platform string, obs *Observed, source domain.JobSource) (*domain.Listing, error) {
	return o.mutate(ctx, "request_delist", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, platform)
		if err != nil {
			return false, err
		}
		if err := obs.check(p, platform); err != nil {
			return false, err
		}
		if p.State.HasSale() {
			return false, fmt.Errorf("%w: delist of sold platform %s", ErrInvalidTransition, platform)
		}
		if p.State == domain.StateDelisting {
			if !o.queue.Has(l.ID, platform, domain.ActionDelist) {
				fx.job(o.newJob(l, platform, domain.ActionDelist, source, now))
			}
			return false, nil
		}
		p.State = domain.StateDelisting
		fx.job(o.newJob(l, platform, domain.ActionDelist, source, now))
		return true, nil
	})
}

// CancelListing delists every live platform and archives the listing once
// nothing is live. A listing with a detected sale cannot be cancelled.
func (o *Orchestrator) CancelListing(ctx context.Context, listingID string) (*domain.Listing, error) {
	return o.mutate(ctx, "cancel_listing", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		if l.IsArchived() {
			return false, nil
		}
		if l.HasSale() {
			return false, ErrSaleInProgress
		}
		l.CancelRequested = true
		o.delistLive(l, domain.SourceUser, now, fx)
		fx.cancelStale = true
		maybeArchive(l, now)
		return true, nil
	})
}

// delistLive moves Active and Pending platforms to Delisting with a Delist job.
func (o *Orchestrator) delistLive(l *domain.Listing, source domain.JobSource, now time.Time, fx *effects) int {
	n := 0
	for _, name := range l.PlatformsIn(domain.StateActive, domain.StatePending) {
		l.Platforms[name].State = domain.StateDelisting
		fx.job(o.newJob(l, name, domain.ActionDelist, source, now))
		n++
	}
	return n
}

// maybeArchive archives a cancelled listing once no platform is live or delisting.
func maybeArchive(l *domain.Listing, now time.Time) {
	if !l.CancelRequested || l.IsArchived() {
		return
	}
	if len(l.PlatformsIn(domain.StateActive, domain.StatePending, domain.StateDelisting)) == 0 {
		l.ArchivedAt = now
	}
}

// ArchiveExpired archives listings whose game date has passed. Sold or
// idle listings are archived directly; unsold live ones are delisted first.
// Returns how many listings were touched.
func (o *Orchestrator) ArchiveExpired(ctx context.Context) (int, error) {
	open, err := o.listings.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive expired: %w", err)
	}

	now := o.clock.Now()
	touched := 0
	for _, candidate := range open {
		if !candidate.GameDate.Before(now) {
			continue
		}
		_, err := o.mutate(ctx, "archive_expired", candidate.ID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
			if l.IsArchived() {
				return false, nil
			}
			switch {
			case l.GlobalState() == domain.StateSold && !l.NeedsReview:
				l.ArchivedAt = now
				return true, nil
			case l.HasSale():
				// Unresolved sale stays open for review
				return false, nil
			case l.CancelRequested:
				return false, nil
			}
			l.CancelRequested = true
			o.delistLive(l, domain.SourceReconciliation, now, fx)
			fx.cancelStale = true
			maybeArchive(l, now)
			return true, nil
		})
		if err != nil {
			o.logger.Warn("archive expired listing failed", zap.String("listing_id", candidate.ID), zap.Error(err))
			continue
		}
		touched++
	}
	return touched, nil
}

// ResolveReview is the operator acknowledgement for a flagged listing.
// Escalated Failed platforms count as acknowledged afterwards, which lets a
// pending sale finalize.
func (o *Orchestrator) ResolveReview(ctx context.Context, listingID, note string) (*domain.Listing, error) {
	return o.mutate(ctx, "resolve_review", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		if !l.NeedsReview {
			return false, nil
		}
		l.NeedsReview = false
		l.ReviewReason = ""
		for _, p := range l.Platforms {
			if p.Escalated {
				p.Escalated = false
			}
		}
		finalizeSale(l, now)
		maybeArchive(l, now)
		o.logger.Info("review resolved", zap.String("listing_id", l.ID), zap.String("note", note))
		return true, nil
	})
}

// ClearSale withdraws a detected sale on platform after manual
// reconciliation found it false. The platform becomes NotListed; if another
// platform also reported a sale it becomes the listing's sale.
func (o *Orchestrator) ClearSale(ctx context.Context, listingID, platform string) (*domain.Listing, error) {
	return o.mutate(ctx, "clear_sale", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, platform)
		if err != nil {
			return false, err
		}
		if p.State != domain.StateSaleDetected {
			return false, fmt.Errorf("%w: clear sale on %s platform %s", ErrInvalidTransition, p.State, platform)
		}
		p.State = domain.StateNotListed
		p.SoldPrice = decimal.Zero
		clearError(p)
		p.Escalated = false

		if l.SalePlatform == platform {
			l.SalePlatform = ""
			l.SoldPrice = decimal.Zero
			l.SaleDetectedAt = time.Time{}
			l.LastAppliedEventID = ""
			if others := l.PlatformsIn(domain.StateSaleDetected); len(others) > 0 {
				l.SalePlatform = others[0]
				l.SoldPrice = l.Platforms[others[0]].SoldPrice
				l.SaleDetectedAt = now
			}
		}
		l.NeedsReview = false
		l.ReviewReason = ""
		finalizeSale(l, now)
		return true, nil
	})
}

// MarkPlatformGone records that a Failed or Delisting platform no longer
// exists remotely.
func (o *Orchestrator) MarkPlatformGone(ctx context.Context, listingID, platform string, obs *Observed, reason string) (*domain.Listing, error) {
	return o.mutate(ctx, "mark_platform_gone", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		p, err := platformOf(l, platform)
		if err != nil {
			return false, err
		}
		if err := obs.check(p, platform); err != nil {
			return false, err
		}
		if p.State != domain.StateFailed && p.State != domain.StateDelisting {
			return false, nil
		}
		p.State = domain.StateNotListed
		p.Escalated = false
		clearError(p)
		p.LastSyncedAt = now
		o.logger.Info("platform marked not listed",
			zap.String("listing_id", l.ID),
			zap.String("platform", platform),
			zap.String("reason", reason))
		finalizeSale(l, now)
		maybeArchive(l, now)
		return true, nil
	})
}

// RedriveStuck queues the job a transitional platform is waiting on when the
// queue no longer holds one, e.g. after a restart. Returns the number of jobs queued.
func (o *Orchestrator) RedriveStuck(ctx context.Context, listingID string) (int, error) {
	n := 0
	_, err := o.mutate(ctx, "redrive_stuck", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		n = 0
		for _, name := range l.PlatformNames() {
			var action domain.Action
			switch l.Platforms[name].State {
			case domain.StateDelisting:
				action = domain.ActionDelist
			case domain.StatePending:
				action = domain.ActionList
			default:
				continue
			}
			if o.queue.Has(l.ID, name, action) {
				continue
			}
			fx.job(o.newJob(l, name, action, domain.SourceReconciliation, now))
			n++
		}
		return false, nil
	})
	return n, err
}

// CheckSaleTimeout escalates a sale whose siblings have not resolved within
// timeout. Returns true if the listing was newly escalated.
func (o *Orchestrator) CheckSaleTimeout(ctx context.Context, listingID string, timeout time.Duration) (bool, error) {
	escalated := false
	_, err := o.mutate(ctx, "check_sale_timeout", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		escalated = false
		if l.SalePlatform == "" || l.NeedsReview || l.SaleDetectedAt.IsZero() {
			return false, nil
		}
		if l.Platforms[l.SalePlatform].State != domain.StateSaleDetected {
			return false, nil
		}
		if now.Sub(l.SaleDetectedAt) < timeout {
			return false, nil
		}

		pending := l.PlatformsIn(domain.StateActive, domain.StatePending, domain.StateDelisting)
		flagReview(l, "sale unresolved past timeout")
		fx.alert(alert.SeverityCritical, l.SalePlatform,
			"DOUBLE_SALE_RISK: sale on %s unresolved after %s, siblings not delisted: %s",
			l.SalePlatform, timeout, strings.Join(pending, ","))
		escalated = true
		return true, nil
	})
	return escalated, err
}
