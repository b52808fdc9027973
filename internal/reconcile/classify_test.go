package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
)

func TestClassify(t *testing.T) {
	hundred := decimal.NewFromInt(100)
	tests := []struct {
		name   string
		ledger domain.PlatformState
		remote domain.PlatformState
		price  decimal.Decimal
		sale   bool
		want   domain.Discrepancy
	}{
		{"active agrees", domain.StateActive, domain.StateActive, hundred, false, ""},
		{"active gone", domain.StateActive, domain.StateNotListed, hundred, false, domain.DiscrepancyGhostActive},
		{"active sold", domain.StateActive, domain.StateSold, hundred, false, domain.DiscrepancyGhostActive},
		{"delisting sold", domain.StateDelisting, domain.StateSold, hundred, true, domain.DiscrepancyGhostActive},
		{"active drift", domain.StateActive, domain.StateActive, decimal.NewFromInt(90), false, domain.DiscrepancyPriceDrift},
		{"drift unknown price", domain.StateActive, domain.StateActive, decimal.Zero, false, ""},
		{"not listed orphan", domain.StateNotListed, domain.StateActive, hundred, false, domain.DiscrepancyOrphanActive},
		{"not listed agrees", domain.StateNotListed, domain.StateNotListed, hundred, false, ""},
		{"failed gone", domain.StateFailed, domain.StateNotListed, hundred, false, domain.DiscrepancyStaleFailed},
		{"failed live no sale", domain.StateFailed, domain.StateActive, hundred, false, ""},
		{"failed live after sale", domain.StateFailed, domain.StateActive, hundred, true, domain.DiscrepancyOrphanActive},
		{"delisting gone", domain.StateDelisting, domain.StateNotListed, hundred, true, domain.DiscrepancyStuckJob},
		{"delisting live", domain.StateDelisting, domain.StateActive, hundred, true, ""},
		{"pending gone", domain.StatePending, domain.StateNotListed, hundred, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &domain.PlatformListing{ExternalListingID: "ext", State: tt.ledger, Price: hundred}
			l := &domain.Listing{
				ID:           "l1",
				CurrentPrice: hundred,
				Platforms:    map[string]*domain.PlatformListing{"p": p},
			}
			if tt.sale {
				l.SalePlatform = "other"
				l.Platforms["other"] = &domain.PlatformListing{State: domain.StateSaleDetected}
			}
			snap := &domain.StatusSnapshot{State: tt.remote, CurrentPrice: tt.price}

			f := Classify(l, p, snap)
			got := domain.Discrepancy("")
			if f != nil {
				got = f.Discrepancy
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCheckable(t *testing.T) {
	if Checkable(&domain.PlatformListing{State: domain.StateActive}) {
		t.Error("entry without external id should not be checked")
	}
	if Checkable(&domain.PlatformListing{ExternalListingID: "e", State: domain.StateSold}) {
		t.Error("sold entry should not be checked")
	}
	if !Checkable(&domain.PlatformListing{ExternalListingID: "e", State: domain.StateNotListed}) {
		t.Error("not listed entry with external id should be checked")
	}
}
