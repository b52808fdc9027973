package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// AuditStore is an in-memory implementation of storage.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	records []*domain.ReconciliationRecord
}

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// InsertBulk appends records.
func (s *AuditStore) InsertBulk(_ context.Context, records []*domain.ReconciliationRecord) error {
	for _, r := range records {
		if r == nil || r.ListingID == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		recordCopy := *r
		s.records = append(s.records, &recordCopy)
	}
	return nil
}

// GetByListing retrieves all records for a listing, ordered by detected_at ASC.
func (s *AuditStore) GetByListing(_ context.Context, listingID string) ([]*domain.ReconciliationRecord, error) {
	return s.filter(func(r *domain.ReconciliationRecord) bool { return r.ListingID == listingID }), nil
}

// GetByTimeRange retrieves records detected within [start, end] (inclusive).
func (s *AuditStore) GetByTimeRange(_ context.Context, start, end time.Time) ([]*domain.ReconciliationRecord, error) {
	return s.filter(func(r *domain.ReconciliationRecord) bool {
		return !r.DetectedAt.Before(start) && !r.DetectedAt.After(end)
	}), nil
}

func (s *AuditStore) filter(match func(*domain.ReconciliationRecord) bool) []*domain.ReconciliationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ReconciliationRecord
	for _, r := range s.records {
		if match(r) {
			recordCopy := *r
			result = append(result, &recordCopy)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DetectedAt.Before(result[j].DetectedAt)
	})
	return result
}

// Verify interface compliance at compile time.
var _ storage.AuditStore = (*AuditStore)(nil)
