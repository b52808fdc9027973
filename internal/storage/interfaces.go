package storage

import (
	"context"
	"time"

	"resale-sync/internal/domain"
)

// ListingStore is the Listing Ledger: versioned state keyed by listing id.
// Mutations go exclusively through CompareAndSwap.
type ListingStore interface {
	// Insert adds a new listing at version 1. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, l *domain.Listing) error

	// Get retrieves a listing by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, listingID string) (*domain.Listing, error)

	// CompareAndSwap replaces the stored listing with l if the stored version
	// equals expectedVersion. l.Version must be expectedVersion+1.
	// Returns ErrVersionConflict on mismatch, ErrNotFound if missing.
	CompareAndSwap(ctx context.Context, l *domain.Listing, expectedVersion int64) error

	// GetByExternalID resolves the listing holding externalListingID on platform.
	// Returns ErrNotFound if no listing references it.
	GetByExternalID(ctx context.Context, platform, externalListingID string) (*domain.Listing, error)

	// ListOpen retrieves all non-archived listings, ordered by id ASC.
	ListOpen(ctx context.Context) ([]*domain.Listing, error)

	// ListByAsset retrieves all listings for an asset, ordered by game date ASC.
	ListByAsset(ctx context.Context, assetID string) ([]*domain.Listing, error)
}

// AssetStore provides access to season_ticket_assets storage.
type AssetStore interface {
	// Insert adds a new asset. Returns ErrDuplicateKey if asset_id exists.
	Insert(ctx context.Context, a *domain.SeasonTicketAsset) error

	// GetByID retrieves an asset by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, assetID string) (*domain.SeasonTicketAsset, error)
}

// EventInbox is the durable queue between webhook receipt and application.
type EventInbox interface {
	// Append stores a received sale event. Returns ErrDuplicateKey if the
	// idempotency key was already received.
	Append(ctx context.Context, e *domain.SaleEvent) error

	// Pending retrieves up to limit unapplied events, ordered by received_at
	// ASC, skipping the first offset of them.
	Pending(ctx context.Context, limit, offset int) ([]*domain.SaleEvent, error)

	// MarkApplied records that the event was processed. Returns ErrNotFound if missing.
	MarkApplied(ctx context.Context, idempotencyKey string, at time.Time) error
}

// DeadLetterStore provides access to dead_letters storage.
type DeadLetterStore interface {
	// Insert adds a dead-lettered job. Returns ErrDuplicateKey if job_id exists.
	Insert(ctx context.Context, d *domain.DeadLetter) error

	// List retrieves dead letters failed within [since, now], newest first.
	List(ctx context.Context, since time.Time) ([]*domain.DeadLetter, error)

	// GetByListing retrieves all dead letters for a listing, ordered by failed_at ASC.
	GetByListing(ctx context.Context, listingID string) ([]*domain.DeadLetter, error)
}

// AuditStore provides access to reconciliation_records storage.
type AuditStore interface {
	// InsertBulk adds multiple records. Append-only.
	InsertBulk(ctx context.Context, records []*domain.ReconciliationRecord) error

	// GetByListing retrieves all records for a listing, ordered by detected_at ASC.
	GetByListing(ctx context.Context, listingID string) ([]*domain.ReconciliationRecord, error)

	// GetByTimeRange retrieves records detected within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, start, end time.Time) ([]*domain.ReconciliationRecord, error)
}

// JobOutcomeStore provides access to sync_job_outcomes storage.
type JobOutcomeStore interface {
	// InsertBulk adds multiple outcomes. Append-only.
	InsertBulk(ctx context.Context, outcomes []*domain.JobOutcome) error

	// GetByPlatform retrieves outcomes for a platform finished at or after since,
	// ordered by finished_at ASC.
	GetByPlatform(ctx context.Context, platform string, since time.Time) ([]*domain.JobOutcome, error)
}
