package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// EventInbox implements storage.EventInbox using PostgreSQL.
// The idempotency key is the primary key, so redeliveries fail the insert.
type EventInbox struct {
	pool *Pool
}

// NewEventInbox creates a new EventInbox.
func NewEventInbox(pool *Pool) *EventInbox {
	return &EventInbox{pool: pool}
}

// Compile-time interface check.
var _ storage.EventInbox = (*EventInbox)(nil)

// Append stores a received sale event. Returns ErrDuplicateKey on redelivery.
func (s *EventInbox) Append(ctx context.Context, e *domain.SaleEvent) error {
	if e == nil || e.IdempotencyKey == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO event_inbox (
			idempotency_key, platform, external_listing_id, listing_id,
			sold_price, sold_at, source, received_at, applied_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
	`

	_, err := s.pool.Exec(ctx, query,
		e.IdempotencyKey,
		e.Platform,
		e.ExternalListingID,
		e.ListingID,
		e.SoldPrice.String(),
		nullTime(e.SoldAt),
		string(e.Source),
		e.ReceivedAt,
		nullTime(e.AppliedAt),
	)
	if err != nil {
		return storeError("append sale event", err)
	}
	return nil
}

// Pending retrieves up to limit unapplied events, ordered by received_at
// ASC, skipping the first offset of them.
func (s *EventInbox) Pending(ctx context.Context, limit, offset int) ([]*domain.SaleEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT idempotency_key, platform, external_listing_id, listing_id,
		       sold_price::text, sold_at, source, received_at, applied_at
		FROM event_inbox
		WHERE applied_at IS NULL
		ORDER BY received_at ASC, idempotency_key ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	return scanSaleEvents(rows)
}

// MarkApplied records that the event was processed. Returns ErrNotFound if missing.
func (s *EventInbox) MarkApplied(ctx context.Context, idempotencyKey string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE event_inbox SET applied_at = $2 WHERE idempotency_key = $1`,
		idempotencyKey, at,
	)
	if err != nil {
		return fmt.Errorf("mark event applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanSaleEvent scans a single row into a SaleEvent.
func scanSaleEvent(row pgx.Row) (*domain.SaleEvent, error) {
	var (
		e         domain.SaleEvent
		soldPrice string
		source    string
		soldAt    *time.Time
		appliedAt *time.Time
	)

	err := row.Scan(
		&e.IdempotencyKey,
		&e.Platform,
		&e.ExternalListingID,
		&e.ListingID,
		&soldPrice,
		&soldAt,
		&source,
		&e.ReceivedAt,
		&appliedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.SoldPrice, err = decimal.NewFromString(soldPrice); err != nil {
		return nil, fmt.Errorf("parse sold price: %w", err)
	}
	e.Source = domain.EventSource(source)
	e.SoldAt = derefTime(soldAt)
	e.AppliedAt = derefTime(appliedAt)
	return &e, nil
}

// scanSaleEvents scans multiple rows into a slice of SaleEvent.
func scanSaleEvents(rows pgx.Rows) ([]*domain.SaleEvent, error) {
	var events []*domain.SaleEvent

	for rows.Next() {
		e, err := scanSaleEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale event row: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sale event rows: %w", err)
	}

	return events, nil
}
