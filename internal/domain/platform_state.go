package domain

// PlatformState is the per-marketplace lifecycle state of a Listing.
type PlatformState string

const (
	StateNotListed    PlatformState = "NOT_LISTED"
	StatePending      PlatformState = "PENDING"
	StateActive       PlatformState = "ACTIVE"
	StateSaleDetected PlatformState = "SALE_DETECTED"
	StateDelisting    PlatformState = "DELISTING"
	StateSold         PlatformState = "SOLD"
	StateFailed       PlatformState = "FAILED"
)

// statePriority orders states for GlobalState derivation.
// Sold > SaleDetected > Delisting > Active > Pending > NotListed > Failed.
var statePriority = map[PlatformState]int{
	StateFailed:       0,
	StateNotListed:    1,
	StatePending:      2,
	StateActive:       3,
	StateDelisting:    4,
	StateSaleDetected: 5,
	StateSold:         6,
}

// String returns the string representation of PlatformState.
func (s PlatformState) String() string {
	return string(s)
}

// IsValid checks if the state is a known value.
func (s PlatformState) IsValid() bool {
	_, ok := statePriority[s]
	return ok
}

// Priority returns the rank used when deriving a Listing's global state.
// Unknown states rank below Failed.
func (s PlatformState) Priority() int {
	p, ok := statePriority[s]
	if !ok {
		return -1
	}
	return p
}

// IsLive reports whether the ticket may currently be purchasable on the platform.
func (s PlatformState) IsLive() bool {
	return s == StateActive || s == StatePending
}

// HasSale reports whether the state records a sale on the platform.
func (s PlatformState) HasSale() bool {
	return s == StateSaleDetected || s == StateSold
}

// BlocksPricing reports whether a listing in this global state must not
// receive price changes.
func (s PlatformState) BlocksPricing() bool {
	return s == StateSaleDetected || s == StateDelisting || s == StateSold
}
