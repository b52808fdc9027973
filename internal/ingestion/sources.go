// Package ingestion turns marketplace sale signals into normalized
// SaleEvents in the durable inbox, and applies them through the
// orchestrator.
//
// Webhooks, polling and streams all feed the same inbox; the inbox's
// unique idempotency key makes a sale seen by several channels count once.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resale-sync/internal/domain"
	"resale-sync/internal/idhash"
	"resale-sync/internal/storage"
)

// Waker is signalled when new events land in the inbox.
type Waker interface {
	Wake()
}

// normalize fills the fields every channel derives the same way.
func normalize(ev *domain.SaleEvent, source domain.EventSource, now time.Time) {
	if ev.SoldAt.IsZero() {
		ev.SoldAt = now
	}
	ev.SoldAt = ev.SoldAt.UTC()
	ev.Source = source
	ev.ReceivedAt = now
	ev.IdempotencyKey = idhash.ComputeSaleKey(ev.Platform, ev.ExternalListingID, ev.SoldPrice, ev.SoldAt, idhash.DefaultTimeBucket)
}

// accept appends ev to the inbox. A repeated idempotency key reports
// duplicate without error.
func accept(ctx context.Context, inbox storage.EventInbox, ev *domain.SaleEvent) (duplicate bool, err error) {
	err = inbox.Append(ctx, ev)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("append sale event %s: %w", ev.IdempotencyKey, err)
	}
	return false, nil
}

// wake signals w if set.
func wake(w Waker) {
	if w != nil {
		w.Wake()
	}
}
