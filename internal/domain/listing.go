package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrorKind classifies the last error recorded against a platform.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindAuth       ErrorKind = "AUTH"
	ErrorKindRateLimit  ErrorKind = "RATE_LIMITED"
	ErrorKindValidation ErrorKind = "VALIDATION"
	ErrorKindTransient  ErrorKind = "TRANSIENT"
	ErrorKindDoubleSale ErrorKind = "DOUBLE_SALE_RISK"
)

// PlatformListing is the ledger's view of a Listing on one marketplace.
type PlatformListing struct {
	ExternalListingID string          // id assigned by the marketplace, empty when not listed
	State             PlatformState   // per-platform lifecycle state
	Price             decimal.Decimal // last price confirmed on the platform
	SoldPrice         decimal.Decimal // price reported by this platform's sale, zero without one
	LastSyncedAt      time.Time       // last successful adapter call
	LastError         string          // last adapter error message
	ErrorKind         ErrorKind       // classification of LastError
	Escalated         bool            // Failed state was escalated to operators
}

// Listing is a synchronized cross-platform resale offer for one ticket on one game date.
// Corresponds to listings table in PostgreSQL.
type Listing struct {
	ID           string          // PRIMARY KEY (uuid)
	AssetID      string          // SeasonTicketAsset reference
	GameDate     time.Time       // event date, listing archives after it passes
	CurrentPrice decimal.Decimal // ledger price pushed to every active platform
	Platforms    map[string]*PlatformListing
	Version      int64 // incremented on every mutation

	LastAppliedEventID string          // idempotency key of the last applied sale event
	SalePlatform       string          // platform whose sale won, empty if none
	SoldPrice          decimal.Decimal // price reported by the winning sale
	SaleDetectedAt     time.Time
	SoldAt             time.Time
	LastPriceChangeAt  time.Time

	NeedsReview     bool   // flagged for manual reconciliation
	ReviewReason    string // why the listing was flagged
	Suspended       bool   // a platform rejected credentials
	SuspendReason   string
	CancelRequested bool
	ArchivedAt      time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GlobalState derives the listing state as the highest-priority platform state.
// A listing without platforms is NotListed.
func (l *Listing) GlobalState() PlatformState {
	global := StateNotListed
	best := -1
	for _, p := range l.Platforms {
		if pr := p.State.Priority(); pr > best {
			best = pr
			global = p.State
		}
	}
	return global
}

// Platform returns the platform entry, or nil if the listing does not target it.
func (l *Listing) Platform(name string) *PlatformListing {
	if l.Platforms == nil {
		return nil
	}
	return l.Platforms[name]
}

// PlatformNames returns platform names in sorted order.
func (l *Listing) PlatformNames() []string {
	names := make([]string, 0, len(l.Platforms))
	for name := range l.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PlatformsIn returns sorted names of platforms currently in any of the given states.
func (l *Listing) PlatformsIn(states ...PlatformState) []string {
	var names []string
	for _, name := range l.PlatformNames() {
		for _, s := range states {
			if l.Platforms[name].State == s {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

// SoldCount returns how many platforms are in the Sold state.
func (l *Listing) SoldCount() int {
	return len(l.PlatformsIn(StateSold))
}

// HasSale reports whether any platform recorded a sale.
func (l *Listing) HasSale() bool {
	return len(l.PlatformsIn(StateSaleDetected, StateSold)) > 0
}

// IsArchived reports whether the listing was archived.
func (l *Listing) IsArchived() bool {
	return !l.ArchivedAt.IsZero()
}

// Clone returns a deep copy safe for mutation.
func (l *Listing) Clone() *Listing {
	c := *l
	c.Platforms = make(map[string]*PlatformListing, len(l.Platforms))
	for name, p := range l.Platforms {
		pc := *p
		c.Platforms[name] = &pc
	}
	return &c
}
