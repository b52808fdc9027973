package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// JobOutcomeStore is an in-memory implementation of storage.JobOutcomeStore.
type JobOutcomeStore struct {
	mu       sync.RWMutex
	outcomes []*domain.JobOutcome
}

// NewJobOutcomeStore creates a new in-memory job outcome store.
func NewJobOutcomeStore() *JobOutcomeStore {
	return &JobOutcomeStore{}
}

// InsertBulk appends outcomes.
func (s *JobOutcomeStore) InsertBulk(_ context.Context, outcomes []*domain.JobOutcome) error {
	for _, o := range outcomes {
		if o == nil || o.JobID == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range outcomes {
		outcomeCopy := *o
		s.outcomes = append(s.outcomes, &outcomeCopy)
	}
	return nil
}

// GetByPlatform retrieves outcomes for a platform finished at or after since.
func (s *JobOutcomeStore) GetByPlatform(_ context.Context, platform string, since time.Time) ([]*domain.JobOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.JobOutcome
	for _, o := range s.outcomes {
		if o.Platform == platform && !o.FinishedAt.Before(since) {
			outcomeCopy := *o
			result = append(result, &outcomeCopy)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].FinishedAt.Before(result[j].FinishedAt)
	})
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.JobOutcomeStore = (*JobOutcomeStore)(nil)
