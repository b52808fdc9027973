package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// EventInbox is an in-memory implementation of storage.EventInbox.
type EventInbox struct {
	mu   sync.Mutex
	data map[string]*domain.SaleEvent // keyed by idempotency key
}

// NewEventInbox creates a new in-memory event inbox.
func NewEventInbox() *EventInbox {
	return &EventInbox{
		data: make(map[string]*domain.SaleEvent),
	}
}

// Append stores a received sale event. Returns ErrDuplicateKey if already received.
func (s *EventInbox) Append(_ context.Context, e *domain.SaleEvent) error {
	if e == nil || e.IdempotencyKey == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[e.IdempotencyKey]; exists {
		return storage.ErrDuplicateKey
	}

	eventCopy := *e
	s.data[e.IdempotencyKey] = &eventCopy
	return nil
}

// Pending retrieves up to limit unapplied events, ordered by received_at
// ASC, skipping the first offset of them.
func (s *EventInbox) Pending(_ context.Context, limit, offset int) ([]*domain.SaleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.SaleEvent
	for _, e := range s.data {
		if e.AppliedAt.IsZero() {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ReceivedAt.Equal(result[j].ReceivedAt) {
			return result[i].IdempotencyKey < result[j].IdempotencyKey
		}
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})

	if offset > 0 {
		if offset >= len(result) {
			return nil, nil
		}
		result = result[offset:]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkApplied records that the event was processed.
func (s *EventInbox) MarkApplied(_ context.Context, idempotencyKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.data[idempotencyKey]
	if !exists {
		return storage.ErrNotFound
	}
	e.AppliedAt = at
	return nil
}

// Verify interface compliance at compile time.
var _ storage.EventInbox = (*EventInbox)(nil)
