package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// ListingStore implements storage.ListingStore using PostgreSQL.
// Compare-and-swap is a conditional UPDATE on the version column.
type ListingStore struct {
	pool *Pool
}

// NewListingStore creates a new ListingStore.
func NewListingStore(pool *Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ListingStore = (*ListingStore)(nil)

// platformJSON is the JSONB encoding of one platform entry.
type platformJSON struct {
	ExternalListingID string           `json:"external_listing_id,omitempty"`
	State             string           `json:"state"`
	Price             decimal.Decimal  `json:"price"`
	SoldPrice         *decimal.Decimal `json:"sold_price,omitempty"`
	LastSyncedAt      *time.Time       `json:"last_synced_at,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	ErrorKind         string           `json:"error_kind,omitempty"`
	Escalated         bool             `json:"escalated,omitempty"`
}

const listingColumns = `
	id, asset_id, game_date, current_price::text, platforms, version,
	last_applied_event_id, sale_platform, sold_price::text, sale_detected_at, sold_at,
	last_price_change_at, needs_review, review_reason, suspended, suspend_reason,
	cancel_requested, archived_at, created_at, updated_at
`

// Insert adds a new listing. Returns ErrDuplicateKey if id exists.
func (s *ListingStore) Insert(ctx context.Context, l *domain.Listing) error {
	if l == nil || l.ID == "" {
		return storage.ErrInvalidInput
	}

	platforms, err := encodePlatforms(l.Platforms)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO listings (
			id, asset_id, game_date, current_price, platforms, version,
			last_applied_event_id, sale_platform, sold_price, sale_detected_at, sold_at,
			last_price_change_at, needs_review, review_reason, suspended, suspend_reason,
			cancel_requested, archived_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = s.pool.Exec(ctx, query,
		l.ID,
		l.AssetID,
		l.GameDate,
		l.CurrentPrice.String(),
		platforms,
		l.Version,
		l.LastAppliedEventID,
		l.SalePlatform,
		nullDecimal(l.SoldPrice),
		nullTime(l.SaleDetectedAt),
		nullTime(l.SoldAt),
		nullTime(l.LastPriceChangeAt),
		l.NeedsReview,
		l.ReviewReason,
		l.Suspended,
		l.SuspendReason,
		l.CancelRequested,
		nullTime(l.ArchivedAt),
		l.CreatedAt,
		l.UpdatedAt,
	)
	if err != nil {
		return storeError("insert listing", err)
	}
	return nil
}

// Get retrieves a listing by id. Returns ErrNotFound if not exists.
func (s *ListingStore) Get(ctx context.Context, listingID string) (*domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`

	l, err := scanListing(s.pool.QueryRow(ctx, query, listingID))
	if err != nil {
		return nil, storeError("get listing", err)
	}
	return l, nil
}

// CompareAndSwap replaces the listing if the stored version equals expectedVersion.
func (s *ListingStore) CompareAndSwap(ctx context.Context, l *domain.Listing, expectedVersion int64) error {
	if l == nil || l.ID == "" || l.Version != expectedVersion+1 {
		return storage.ErrInvalidInput
	}

	platforms, err := encodePlatforms(l.Platforms)
	if err != nil {
		return err
	}

	query := `
		UPDATE listings SET
			current_price = $3::numeric,
			platforms = $4,
			version = $5,
			last_applied_event_id = $6,
			sale_platform = $7,
			sold_price = $8::numeric,
			sale_detected_at = $9,
			sold_at = $10,
			last_price_change_at = $11,
			needs_review = $12,
			review_reason = $13,
			suspended = $14,
			suspend_reason = $15,
			cancel_requested = $16,
			archived_at = $17,
			updated_at = $18
		WHERE id = $1 AND version = $2
	`

	start := time.Now()
	tag, err := s.pool.Exec(ctx, query,
		l.ID,
		expectedVersion,
		l.CurrentPrice.String(),
		platforms,
		l.Version,
		l.LastAppliedEventID,
		l.SalePlatform,
		nullDecimal(l.SoldPrice),
		nullTime(l.SaleDetectedAt),
		nullTime(l.SoldAt),
		nullTime(l.LastPriceChangeAt),
		l.NeedsReview,
		l.ReviewReason,
		l.Suspended,
		l.SuspendReason,
		l.CancelRequested,
		nullTime(l.ArchivedAt),
		l.UpdatedAt,
	)
	observe("listing_cas", start, err)
	if err != nil {
		return fmt.Errorf("compare and swap listing: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a lost race from a missing row
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM listings WHERE id = $1)`, l.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check listing exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrVersionConflict
}

// GetByExternalID resolves the listing holding externalListingID on platform.
func (s *ListingStore) GetByExternalID(ctx context.Context, platform, externalListingID string) (*domain.Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE platforms -> $1 ->> 'external_listing_id' = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	l, err := scanListing(s.pool.QueryRow(ctx, query, platform, externalListingID))
	if err != nil {
		return nil, storeError("get listing by external id", err)
	}
	return l, nil
}

// ListOpen retrieves all non-archived listings, ordered by id ASC.
func (s *ListingStore) ListOpen(ctx context.Context) ([]*domain.Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE archived_at IS NULL
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open listings: %w", err)
	}
	defer rows.Close()

	return scanListings(rows)
}

// ListByAsset retrieves all listings for an asset, ordered by game date ASC.
func (s *ListingStore) ListByAsset(ctx context.Context, assetID string) ([]*domain.Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE asset_id = $1
		ORDER BY game_date ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, assetID)
	if err != nil {
		return nil, fmt.Errorf("list listings by asset: %w", err)
	}
	defer rows.Close()

	return scanListings(rows)
}

func encodePlatforms(platforms map[string]*domain.PlatformListing) ([]byte, error) {
	out := make(map[string]platformJSON, len(platforms))
	for name, p := range platforms {
		pj := platformJSON{
			ExternalListingID: p.ExternalListingID,
			State:             string(p.State),
			Price:             p.Price,
			LastError:         p.LastError,
			ErrorKind:         string(p.ErrorKind),
			Escalated:         p.Escalated,
		}
		if !p.LastSyncedAt.IsZero() {
			synced := p.LastSyncedAt
			pj.LastSyncedAt = &synced
		}
		if !p.SoldPrice.IsZero() {
			sold := p.SoldPrice
			pj.SoldPrice = &sold
		}
		out[name] = pj
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode platforms: %w", err)
	}
	return data, nil
}

func decodePlatforms(data []byte) (map[string]*domain.PlatformListing, error) {
	var in map[string]platformJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode platforms: %w", err)
	}
	out := make(map[string]*domain.PlatformListing, len(in))
	for name, pj := range in {
		p := &domain.PlatformListing{
			ExternalListingID: pj.ExternalListingID,
			State:             domain.PlatformState(pj.State),
			Price:             pj.Price,
			LastError:         pj.LastError,
			ErrorKind:         domain.ErrorKind(pj.ErrorKind),
			Escalated:         pj.Escalated,
		}
		if pj.LastSyncedAt != nil {
			p.LastSyncedAt = pj.LastSyncedAt.UTC()
		}
		if pj.SoldPrice != nil {
			p.SoldPrice = *pj.SoldPrice
		}
		out[name] = p
	}
	return out, nil
}

// scanListing scans a single row into a Listing.
func scanListing(row pgx.Row) (*domain.Listing, error) {
	var (
		l            domain.Listing
		currentPrice string
		platforms    []byte
		soldPrice    *string
	)
	var saleDetectedAt, soldAt, lastPriceChangeAt, archivedAt *time.Time

	err := row.Scan(
		&l.ID,
		&l.AssetID,
		&l.GameDate,
		&currentPrice,
		&platforms,
		&l.Version,
		&l.LastAppliedEventID,
		&l.SalePlatform,
		&soldPrice,
		&saleDetectedAt,
		&soldAt,
		&lastPriceChangeAt,
		&l.NeedsReview,
		&l.ReviewReason,
		&l.Suspended,
		&l.SuspendReason,
		&l.CancelRequested,
		&archivedAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if l.CurrentPrice, err = decimal.NewFromString(currentPrice); err != nil {
		return nil, fmt.Errorf("parse current price: %w", err)
	}
	if soldPrice != nil {
		if l.SoldPrice, err = decimal.NewFromString(*soldPrice); err != nil {
			return nil, fmt.Errorf("parse sold price: %w", err)
		}
	}
	if l.Platforms, err = decodePlatforms(platforms); err != nil {
		return nil, err
	}
	l.SaleDetectedAt = derefTime(saleDetectedAt)
	l.SoldAt = derefTime(soldAt)
	l.LastPriceChangeAt = derefTime(lastPriceChangeAt)
	l.ArchivedAt = derefTime(archivedAt)

	return &l, nil
}

// scanListings scans multiple rows into a slice of Listing.
func scanListings(rows pgx.Rows) ([]*domain.Listing, error) {
	var listings []*domain.Listing

	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		listings = append(listings, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listing rows: %w", err)
	}

	return listings, nil
}
