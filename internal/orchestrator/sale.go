package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"resale-sync/internal/alert"
	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// ErrUnmatchedSale is returned when a sale event references no known listing.
var ErrUnmatchedSale = errors.New("orchestrator: sale event matches no listing")

// SaleResult describes what ApplySaleEvent did.
type SaleResult struct {
	ListingID  string
	Applied    bool     // the event changed the ledger
	Duplicate  bool     // already applied or the platform already recorded a sale
	DoubleSale bool     // a second platform reported a sale
	Delisting  []string // siblings that received a Delist job
	Sold       bool     // the listing reached Sold in this transition
}

// ApplySaleEvent records a sale on the event's platform and fans out Delist
// jobs to every sibling that may still be purchasable. With no sibling to
// delist the platform goes straight to Sold.
//
// Replays are no-ops: an event whose key equals LastAppliedEventID, or one
// for a platform already in SaleDetected/Sold, changes nothing and queues nothing.
func (o *Orchestrator) ApplySaleEvent(ctx context.Context, ev *domain.SaleEvent) (*SaleResult, error) {
	return o.applySale(ctx, ev, nil)
}

// ApplyObservedSale applies a sale inferred from a remote status check.
// It returns ErrStaleObservation without touching the ledger when the
// platform entry no longer matches obs, e.g. because it was delisted after
// the check's snapshot was taken.
func (o *Orchestrator) ApplyObservedSale(ctx context.Context, ev *domain.SaleEvent, obs *Observed) (*SaleResult, error) {
	return o.applySale(ctx, ev, obs)
}

func (o *Orchestrator) applySale(ctx context.Context, ev *domain.SaleEvent, obs *Observed) (*SaleResult, error) {
	listingID, err := o.resolveSale(ctx, ev)
	if err != nil {
		return nil, err
	}

	res := &SaleResult{ListingID: listingID}
	_, err = o.mutate(ctx, "apply_sale", listingID, func(l *domain.Listing, now time.Time, fx *effects) (bool, error) {
		*res = SaleResult{ListingID: listingID}

		if ev.IdempotencyKey != "" && l.LastAppliedEventID == ev.IdempotencyKey {
			res.Duplicate = true
			return false, nil
		}
		p, err := platformOf(l, ev.Platform)
		if err != nil {
			return false, err
		}
		if err := obs.check(p, ev.Platform); err != nil {
			return false, err
		}
		if p.State.HasSale() {
			res.Duplicate = true
			return false, nil
		}
		if ev.ExternalListingID != "" && p.ExternalListingID == "" {
			p.ExternalListingID = ev.ExternalListingID
		}

		p.State = domain.StateSaleDetected
		p.SoldPrice = ev.SoldPrice
		p.LastSyncedAt = now
		clearError(p)
		l.LastAppliedEventID = ev.IdempotencyKey

		if l.SalePlatform != "" && l.SalePlatform != ev.Platform {
			o.recordDoubleSale(l, ev, fx)
			res.DoubleSale = true
			res.Applied = true
			return true, nil
		}

		l.SalePlatform = ev.Platform
		l.SoldPrice = ev.SoldPrice
		l.SaleDetectedAt = now

		for _, name := range l.PlatformNames() {
			if name == ev.Platform {
				continue
			}
			q := l.Platforms[name]
			live := q.State.IsLive() || (q.State == domain.StateFailed && q.ExternalListingID != "")
			if !live && q.State != domain.StateDelisting {
				continue
			}
			q.State = domain.StateDelisting
			if !o.queue.Has(l.ID, name, domain.ActionDelist) || live {
				fx.job(o.newJob(l, name, domain.ActionDelist, domain.SourceSaleFanout, now))
			}
			res.Delisting = append(res.Delisting, name)
		}
		fx.cancelStale = true

		res.Sold = finalizeSale(l, now)
		res.Applied = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if res.Applied {
		o.logger.Info("sale applied",
			zap.String("listing_id", listingID),
			zap.String("platform", ev.Platform),
			zap.String("sold_price", ev.SoldPrice.String()),
			zap.String("source", string(ev.Source)),
			zap.Strings("delisting", res.Delisting),
			zap.Bool("double_sale", res.DoubleSale),
			zap.Bool("sold", res.Sold))
	}
	return res, nil
}

// resolveSale finds the listing an event refers to.
func (o *Orchestrator) resolveSale(ctx context.Context, ev *domain.SaleEvent) (string, error) {
	if ev.ListingID != "" {
		return ev.ListingID, nil
	}
	l, err := o.listings.GetByExternalID(ctx, ev.Platform, ev.ExternalListingID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s/%s", ErrUnmatchedSale, ev.Platform, ev.ExternalListingID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve sale: %w", err)
	}
	return l.ID, nil
}

// recordDoubleSale handles a second platform reporting a sale. The second
// platform stays SaleDetected and never becomes Sold.
func (o *Orchestrator) recordDoubleSale(l *domain.Listing, ev *domain.SaleEvent, fx *effects) {
	p := l.Platforms[ev.Platform]
	p.ErrorKind = domain.ErrorKindDoubleSale
	p.LastError = fmt.Sprintf("sale reported while %s already sold", l.SalePlatform)
	p.Escalated = true
	flagReview(l, "double sale")
	fx.alert(alert.SeverityCritical, ev.Platform,
		"DOUBLE_SALE_RISK: %s reported a sale at %s after %s sold at %s",
		ev.Platform, ev.SoldPrice.StringFixed(2), l.SalePlatform, l.SoldPrice.StringFixed(2))
}

// finalizeSale moves the sale platform from SaleDetected to Sold once every
// sibling is NotListed or acknowledged Failed. Escalated failures hold the
// listing open until an operator resolves the review.
func finalizeSale(l *domain.Listing, now time.Time) bool {
	if l.SalePlatform == "" || l.NeedsReview {
		return false
	}
	p := l.Platforms[l.SalePlatform]
	if p == nil || p.State != domain.StateSaleDetected {
		return false
	}
	if l.SoldCount() > 0 {
		return false
	}
	for name, q := range l.Platforms {
		if name == l.SalePlatform {
			continue
		}
		switch {
		case q.State == domain.StateNotListed:
		case q.State == domain.StateFailed && !q.Escalated:
		default:
			return false
		}
	}
	p.State = domain.StateSold
	l.SoldAt = now
	return true
}
