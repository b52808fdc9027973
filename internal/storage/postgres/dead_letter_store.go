package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// DeadLetterStore implements storage.DeadLetterStore using PostgreSQL.
type DeadLetterStore struct {
	pool *Pool
}

// NewDeadLetterStore creates a new DeadLetterStore.
func NewDeadLetterStore(pool *Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// Insert adds a dead-lettered job. Returns ErrDuplicateKey if job_id exists.
func (s *DeadLetterStore) Insert(ctx context.Context, d *domain.DeadLetter) error {
	if d == nil || d.JobID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO dead_letters (
			job_id, listing_id, platform, action, attempt_count, error_kind, last_error, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		d.JobID,
		d.ListingID,
		d.Platform,
		string(d.Action),
		d.AttemptCount,
		string(d.ErrorKind),
		d.LastError,
		d.FailedAt,
	)
	if err != nil {
		return storeError("insert dead letter", err)
	}
	return nil
}

// List retrieves dead letters failed at or after since, newest first.
func (s *DeadLetterStore) List(ctx context.Context, since time.Time) ([]*domain.DeadLetter, error) {
	query := `
		SELECT job_id, listing_id, platform, action, attempt_count, error_kind, last_error, failed_at
		FROM dead_letters
		WHERE failed_at >= $1
		ORDER BY failed_at DESC, job_id ASC
	`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	return scanDeadLetters(rows)
}

// GetByListing retrieves all dead letters for a listing, ordered by failed_at ASC.
func (s *DeadLetterStore) GetByListing(ctx context.Context, listingID string) ([]*domain.DeadLetter, error) {
	query := `
		SELECT job_id, listing_id, platform, action, attempt_count, error_kind, last_error, failed_at
		FROM dead_letters
		WHERE listing_id = $1
		ORDER BY failed_at ASC, job_id ASC
	`

	rows, err := s.pool.Query(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("get dead letters by listing: %w", err)
	}
	defer rows.Close()

	return scanDeadLetters(rows)
}

// scanDeadLetters scans multiple rows into a slice of DeadLetter.
func scanDeadLetters(rows pgx.Rows) ([]*domain.DeadLetter, error) {
	var letters []*domain.DeadLetter

	for rows.Next() {
		var (
			d         domain.DeadLetter
			action    string
			errorKind string
		)
		if err := rows.Scan(
			&d.JobID,
			&d.ListingID,
			&d.Platform,
			&action,
			&d.AttemptCount,
			&errorKind,
			&d.LastError,
			&d.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		d.Action = domain.Action(action)
		d.ErrorKind = domain.ErrorKind(errorKind)
		letters = append(letters, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter rows: %w", err)
	}

	return letters, nil
}
