package ingestion

import (
	"errors"
	"sort"

	"resale-sync/internal/domain"
)

// ErrInvalidOrdering is returned when events are not properly ordered.
var ErrInvalidOrdering = errors.New("events are not in deterministic order")

// SortSaleEvents orders events by (sold_at ASC, received_at ASC, idempotency_key ASC).
// The earliest reported sale on a listing wins the race to SaleDetected.
func SortSaleEvents(events []*domain.SaleEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return compareSaleEvents(events[i], events[j]) < 0
	})
}

// ValidateSaleEventOrdering checks if events are properly ordered.
// Returns ErrInvalidOrdering if not.
func ValidateSaleEventOrdering(events []*domain.SaleEvent) error {
	for i := 1; i < len(events); i++ {
		if compareSaleEvents(events[i-1], events[i]) >= 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// compareSaleEvents returns:
//
//	-1 if a < b
//	 0 if a == b
//	 1 if a > b
func compareSaleEvents(a, b *domain.SaleEvent) int {
	switch {
	case a.SoldAt.Before(b.SoldAt):
		return -1
	case a.SoldAt.After(b.SoldAt):
		return 1
	}
	switch {
	case a.ReceivedAt.Before(b.ReceivedAt):
		return -1
	case a.ReceivedAt.After(b.ReceivedAt):
		return 1
	}
	switch {
	case a.IdempotencyKey < b.IdempotencyKey:
		return -1
	case a.IdempotencyKey > b.IdempotencyKey:
		return 1
	}
	return 0
}
