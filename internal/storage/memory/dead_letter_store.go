package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// DeadLetterStore is an in-memory implementation of storage.DeadLetterStore.
type DeadLetterStore struct {
	mu   sync.RWMutex
	data map[string]*domain.DeadLetter // keyed by job_id
}

// NewDeadLetterStore creates a new in-memory dead letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{
		data: make(map[string]*domain.DeadLetter),
	}
}

// Insert adds a dead-lettered job. Returns ErrDuplicateKey if job_id exists.
func (s *DeadLetterStore) Insert(_ context.Context, d *domain.DeadLetter) error {
	if d == nil || d.JobID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[d.JobID]; exists {
		return storage.ErrDuplicateKey
	}

	dlCopy := *d
	s.data[d.JobID] = &dlCopy
	return nil
}

// List retrieves dead letters failed at or after since, newest first.
func (s *DeadLetterStore) List(_ context.Context, since time.Time) ([]*domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DeadLetter
	for _, d := range s.data {
		if !d.FailedAt.Before(since) {
			dlCopy := *d
			result = append(result, &dlCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.After(result[j].FailedAt)
	})
	return result, nil
}

// GetByListing retrieves all dead letters for a listing, ordered by failed_at ASC.
func (s *DeadLetterStore) GetByListing(_ context.Context, listingID string) ([]*domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DeadLetter
	for _, d := range s.data {
		if d.ListingID == listingID {
			dlCopy := *d
			result = append(result, &dlCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.Before(result[j].FailedAt)
	})
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)
