package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// AssetStore implements storage.AssetStore using PostgreSQL.
type AssetStore struct {
	pool *Pool
}

// NewAssetStore creates a new AssetStore.
func NewAssetStore(pool *Pool) *AssetStore {
	return &AssetStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AssetStore = (*AssetStore)(nil)

// Insert adds a new asset. Returns ErrDuplicateKey if asset_id exists.
func (s *AssetStore) Insert(ctx context.Context, a *domain.SeasonTicketAsset) error {
	if a == nil || a.AssetID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO season_ticket_assets (
			asset_id, owner, venue, section, seat_row, seat, season, cost_basis, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9)
	`

	_, err := s.pool.Exec(ctx, query,
		a.AssetID,
		a.Owner,
		a.Venue,
		a.Section,
		a.Row,
		a.Seat,
		a.Season,
		a.CostBasis.String(),
		a.CreatedAt,
	)
	if err != nil {
		return storeError("insert asset", err)
	}
	return nil
}

// GetByID retrieves an asset by id. Returns ErrNotFound if not exists.
func (s *AssetStore) GetByID(ctx context.Context, assetID string) (*domain.SeasonTicketAsset, error) {
	query := `
		SELECT asset_id, owner, venue, section, seat_row, seat, season, cost_basis::text, created_at
		FROM season_ticket_assets
		WHERE asset_id = $1
	`

	var (
		a         domain.SeasonTicketAsset
		costBasis string
	)
	err := s.pool.QueryRow(ctx, query, assetID).Scan(
		&a.AssetID,
		&a.Owner,
		&a.Venue,
		&a.Section,
		&a.Row,
		&a.Seat,
		&a.Season,
		&costBasis,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, storeError("get asset", err)
	}

	if a.CostBasis, err = decimal.NewFromString(costBasis); err != nil {
		return nil, fmt.Errorf("parse cost basis: %w", err)
	}
	return &a, nil
}
