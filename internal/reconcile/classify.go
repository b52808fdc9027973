// Package reconcile detects drift between the listing ledger and what each
// marketplace reports, and feeds every finding back through the
// orchestrator. It never writes the ledger itself.
package reconcile

import (
	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
)

// Finding is one discrepancy between a ledger platform entry and its
// remote status, before any resolution is attempted.
type Finding struct {
	Discrepancy domain.Discrepancy
	LedgerState domain.PlatformState
	RemoteState domain.PlatformState
	LedgerPrice decimal.Decimal
	RemotePrice decimal.Decimal
	Detail      string
}

// Checkable reports whether a platform entry needs a remote status check.
// Sale states are final from the ledger's side; entries without an
// external id have nothing to ask the platform about.
func Checkable(p *domain.PlatformListing) bool {
	if p == nil || p.ExternalListingID == "" {
		return false
	}
	return !p.State.HasSale()
}

// Classify compares one platform entry of l with the platform's status.
// Returns nil when they agree.
func Classify(l *domain.Listing, p *domain.PlatformListing, snap *domain.StatusSnapshot) *Finding {
	f := &Finding{
		LedgerState: p.State,
		RemoteState: snap.State,
		LedgerPrice: p.Price,
		RemotePrice: snap.CurrentPrice,
	}

	// A remote sale wins over every ledger state we check.
	if snap.State.HasSale() {
		f.Discrepancy = domain.DiscrepancyGhostActive
		f.Detail = "platform reports sold"
		return f
	}

	remoteGone := snap.State == domain.StateNotListed
	remoteLive := snap.State == domain.StateActive

	switch p.State {
	case domain.StateActive:
		switch {
		case remoteGone:
			f.Discrepancy = domain.DiscrepancyGhostActive
			f.Detail = "ledger active, platform reports not listed"
			return f
		case remoteLive && priceDrift(l, p, snap):
			f.Discrepancy = domain.DiscrepancyPriceDrift
			f.Detail = "platform price " + snap.CurrentPrice.StringFixed(2) +
				", ledger price " + l.CurrentPrice.StringFixed(2)
			return f
		}
	case domain.StateNotListed:
		if remoteLive {
			f.Discrepancy = domain.DiscrepancyOrphanActive
			f.Detail = "ledger not listed, platform reports active"
			return f
		}
	case domain.StateFailed:
		switch {
		case remoteGone:
			f.Discrepancy = domain.DiscrepancyStaleFailed
			f.Detail = "failed entry no longer exists on platform"
			return f
		case remoteLive && (l.HasSale() || l.CancelRequested):
			f.Discrepancy = domain.DiscrepancyOrphanActive
			f.Detail = "failed entry still live on platform"
			return f
		}
	case domain.StateDelisting:
		if remoteGone {
			f.Discrepancy = domain.DiscrepancyStuckJob
			f.Detail = "delisting entry already gone from platform"
			return f
		}
	}
	return nil
}

// priceDrift reports whether the live price differs from what the ledger
// confirmed or from the price it wants.
func priceDrift(l *domain.Listing, p *domain.PlatformListing, snap *domain.StatusSnapshot) bool {
	if snap.CurrentPrice.IsZero() {
		return false
	}
	return !snap.CurrentPrice.Equal(p.Price) || !snap.CurrentPrice.Equal(l.CurrentPrice)
}
