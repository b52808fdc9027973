package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Discrepancy classifies drift between the ledger and a marketplace.
type Discrepancy string

const (
	DiscrepancyGhostActive  Discrepancy = "GHOST_ACTIVE"  // ledger Active, platform gone
	DiscrepancyOrphanActive Discrepancy = "ORPHAN_ACTIVE" // platform active, ledger not listed
	DiscrepancyPriceDrift   Discrepancy = "PRICE_DRIFT"
	DiscrepancyStaleFailed  Discrepancy = "STALE_FAILED" // failed with external id, platform gone
	DiscrepancyStaleSale    Discrepancy = "STALE_SALE"   // sale unresolved past timeout
	DiscrepancyStuckJob     Discrepancy = "STUCK_JOB"    // transitional state with no queued job
)

// Resolution is the action taken for a discrepancy.
type Resolution string

const (
	ResolutionSaleApplied  Resolution = "SALE_APPLIED"
	ResolutionDelistQueued Resolution = "DELIST_QUEUED"
	ResolutionPriceQueued  Resolution = "PRICE_QUEUED"
	ResolutionMarkedGone   Resolution = "MARKED_NOT_LISTED"
	ResolutionEscalated    Resolution = "ESCALATED"
	ResolutionJobRequeued  Resolution = "JOB_REQUEUED"
	ResolutionSkipped      Resolution = "SKIPPED"
)

// ReconciliationRecord is an audit entry for one detected discrepancy.
// Corresponds to reconciliation_records table in ClickHouse.
type ReconciliationRecord struct {
	RunID       string
	ListingID   string
	Platform    string
	Discrepancy Discrepancy
	Resolution  Resolution
	LedgerState PlatformState
	RemoteState PlatformState
	LedgerPrice decimal.Decimal
	RemotePrice decimal.Decimal
	Detail      string
	DetectedAt  time.Time
}
