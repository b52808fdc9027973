package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// AuditStore implements storage.AuditStore using ClickHouse.
// Prices are stored as Float64; the audit trail is for analysis, not settlement.
type AuditStore struct {
	conn *Conn
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(conn *Conn) *AuditStore {
	return &AuditStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AuditStore = (*AuditStore)(nil)

// InsertBulk adds multiple records in a single batch.
func (s *AuditStore) InsertBulk(ctx context.Context, records []*domain.ReconciliationRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r == nil || r.ListingID == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO reconciliation_records (
			run_id, listing_id, platform, discrepancy, resolution,
			ledger_state, remote_state, ledger_price, remote_price, detail, detected_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		err = batch.Append(
			r.RunID,
			r.ListingID,
			r.Platform,
			string(r.Discrepancy),
			string(r.Resolution),
			string(r.LedgerState),
			string(r.RemoteState),
			r.LedgerPrice.InexactFloat64(),
			r.RemotePrice.InexactFloat64(),
			r.Detail,
			r.DetectedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	start := time.Now()
	err = batch.Send()
	observe("audit_insert", start, err)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByListing retrieves all records for a listing, ordered by detected_at ASC.
func (s *AuditStore) GetByListing(ctx context.Context, listingID string) ([]*domain.ReconciliationRecord, error) {
	query := `
		SELECT
			run_id, listing_id, platform, discrepancy, resolution,
			ledger_state, remote_state, ledger_price, remote_price, detail, detected_at
		FROM reconciliation_records FINAL
		WHERE listing_id = ?
		ORDER BY detected_at ASC, platform ASC
	`

	rows, err := s.conn.Query(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("query by listing: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetByTimeRange retrieves records detected within [start, end] (inclusive).
func (s *AuditStore) GetByTimeRange(ctx context.Context, start, end time.Time) ([]*domain.ReconciliationRecord, error) {
	query := `
		SELECT
			run_id, listing_id, platform, discrepancy, resolution,
			ledger_state, remote_state, ledger_price, remote_price, detail, detected_at
		FROM reconciliation_records FINAL
		WHERE detected_at >= ? AND detected_at <= ?
		ORDER BY detected_at ASC, listing_id ASC, platform ASC
	`

	rows, err := s.conn.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows driver.Rows) ([]*domain.ReconciliationRecord, error) {
	var result []*domain.ReconciliationRecord
	for rows.Next() {
		var (
			r                                                 domain.ReconciliationRecord
			discrepancy, resolution, ledgerState, remoteState string
			ledgerPrice, remotePrice                          float64
		)
		if err := rows.Scan(
			&r.RunID, &r.ListingID, &r.Platform, &discrepancy, &resolution,
			&ledgerState, &remoteState, &ledgerPrice, &remotePrice, &r.Detail, &r.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Discrepancy = domain.Discrepancy(discrepancy)
		r.Resolution = domain.Resolution(resolution)
		r.LedgerState = domain.PlatformState(ledgerState)
		r.RemoteState = domain.PlatformState(remoteState)
		r.LedgerPrice = decimal.NewFromFloat(ledgerPrice)
		r.RemotePrice = decimal.NewFromFloat(remotePrice)
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return result, nil
}
