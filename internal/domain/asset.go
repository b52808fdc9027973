package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SeasonTicketAsset is a physical seat owned for a season.
// Immutable after acquisition. Corresponds to season_ticket_assets table.
type SeasonTicketAsset struct {
	AssetID   string // PRIMARY KEY
	Owner     string
	Venue     string
	Section   string
	Row       string
	Seat      string
	Season    string
	CostBasis decimal.Decimal // per-game acquisition cost
	CreatedAt time.Time
}
