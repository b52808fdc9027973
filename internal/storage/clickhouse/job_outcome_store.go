package clickhouse

import (
	"context"
	"fmt"
	"time"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// JobOutcomeStore implements storage.JobOutcomeStore using ClickHouse.
type JobOutcomeStore struct {
	conn *Conn
}

// NewJobOutcomeStore creates a new JobOutcomeStore.
func NewJobOutcomeStore(conn *Conn) *JobOutcomeStore {
	return &JobOutcomeStore{conn: conn}
}

// Compile-time interface check.
var _ storage.JobOutcomeStore = (*JobOutcomeStore)(nil)

// InsertBulk adds multiple outcomes in a single batch.
func (s *JobOutcomeStore) InsertBulk(ctx context.Context, outcomes []*domain.JobOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	for _, o := range outcomes {
		if o == nil || o.JobID == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO sync_job_outcomes (
			job_id, listing_id, platform, action, attempt, outcome, error_kind, latency_ms, finished_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, o := range outcomes {
		err = batch.Append(
			o.JobID,
			o.ListingID,
			o.Platform,
			string(o.Action),
			uint32(o.Attempt),
			string(o.Outcome),
			string(o.ErrorKind),
			uint32(o.Latency.Milliseconds()),
			o.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	start := time.Now()
	err = batch.Send()
	observe("outcome_insert", start, err)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByPlatform retrieves outcomes for a platform finished at or after since.
func (s *JobOutcomeStore) GetByPlatform(ctx context.Context, platform string, since time.Time) ([]*domain.JobOutcome, error) {
	query := `
		SELECT job_id, listing_id, platform, action, attempt, outcome, error_kind, latency_ms, finished_at
		FROM sync_job_outcomes
		WHERE platform = ? AND finished_at >= ?
		ORDER BY finished_at ASC, job_id ASC
	`

	rows, err := s.conn.Query(ctx, query, platform, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query by platform: %w", err)
	}
	defer rows.Close()

	var result []*domain.JobOutcome
	for rows.Next() {
		var (
			o                          domain.JobOutcome
			action, outcome, errorKind string
			attempt, latencyMs         uint32
		)
		if err := rows.Scan(
			&o.JobID, &o.ListingID, &o.Platform, &action, &attempt,
			&outcome, &errorKind, &latencyMs, &o.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Action = domain.Action(action)
		o.Attempt = int(attempt)
		o.Outcome = domain.Outcome(outcome)
		o.ErrorKind = domain.ErrorKind(errorKind)
		o.Latency = time.Duration(latencyMs) * time.Millisecond
		result = append(result, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return result, nil
}
