package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func listingWith(states map[string]PlatformState) *Listing {
	l := &Listing{ID: "l-1", Platforms: make(map[string]*PlatformListing, len(states))}
	for name, s := range states {
		l.Platforms[name] = &PlatformListing{State: s}
	}
	return l
}

func TestGlobalState(t *testing.T) {
	tests := []struct {
		name   string
		states map[string]PlatformState
		want   PlatformState
	}{
		{"no platforms", nil, StateNotListed},
		{"failed only", map[string]PlatformState{"x": StateFailed}, StateFailed},
		{"active beats failed", map[string]PlatformState{"x": StateFailed, "y": StateActive}, StateActive},
		{"delisting beats active", map[string]PlatformState{"x": StateActive, "y": StateDelisting}, StateDelisting},
		{"sale beats delisting", map[string]PlatformState{"x": StateSaleDetected, "y": StateDelisting}, StateSaleDetected},
		{"sold wins", map[string]PlatformState{"x": StateSold, "y": StateSaleDetected, "z": StateNotListed}, StateSold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := listingWith(tt.states).GlobalState(); got != tt.want {
				t.Errorf("GlobalState = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPlatformsInAndHasSale(t *testing.T) {
	l := listingWith(map[string]PlatformState{
		"z": StateActive,
		"x": StateActive,
		"y": StateSaleDetected,
	})

	got := l.PlatformsIn(StateActive)
	if len(got) != 2 || got[0] != "x" || got[1] != "z" {
		t.Errorf("PlatformsIn = %v, want sorted [x z]", got)
	}
	if !l.HasSale() {
		t.Error("HasSale = false")
	}
	if l.SoldCount() != 0 {
		t.Errorf("SoldCount = %d", l.SoldCount())
	}
	if l.Platform("missing") != nil {
		t.Error("Platform(missing) should be nil")
	}
}

func TestClone(t *testing.T) {
	l := listingWith(map[string]PlatformState{"x": StateActive})
	l.Platforms["x"].Price = decimal.NewFromInt(100)

	c := l.Clone()
	c.Platforms["x"].State = StateDelisting
	c.Platforms["y"] = &PlatformListing{State: StatePending}

	if l.Platforms["x"].State != StateActive {
		t.Error("clone shares platform entries")
	}
	if len(l.Platforms) != 1 {
		t.Error("clone shares platform map")
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		action Action
		source JobSource
		want   int
	}{
		{ActionDelist, SourceUser, PriorityDelist},
		{ActionDelist, SourceReconciliation, PriorityDelist},
		{ActionUpdatePrice, SourceReconciliation, PriorityReconcile},
		{ActionList, SourceUser, PriorityList},
		{ActionUpdatePrice, SourcePricing, PriorityUpdatePrice},
	}
	for _, tt := range tests {
		if got := PriorityFor(tt.action, tt.source); got != tt.want {
			t.Errorf("PriorityFor(%s, %s) = %d, want %d", tt.action, tt.source, got, tt.want)
		}
	}
}

func TestPlatformStatePredicates(t *testing.T) {
	if !StatePending.IsLive() || StateDelisting.IsLive() {
		t.Error("IsLive")
	}
	if !StateSold.HasSale() || StateFailed.HasSale() {
		t.Error("HasSale")
	}
	if !StateDelisting.BlocksPricing() || StateActive.BlocksPricing() {
		t.Error("BlocksPricing")
	}
	if PlatformState("BOGUS").IsValid() || PlatformState("BOGUS").Priority() != -1 {
		t.Error("unknown state")
	}
}
