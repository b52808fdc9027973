package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resale-sync/internal/domain"
	"resale-sync/internal/orchestrator"
)

// stuckApplier fails every event whose external id carries the prefix.
type stuckApplier struct {
	SaleApplier
	prefix string
}

func (a *stuckApplier) ApplySaleEvent(ctx context.Context, ev *domain.SaleEvent) (*orchestrator.SaleResult, error) {
	if strings.HasPrefix(ev.ExternalListingID, a.prefix) {
		return nil, errors.New("ledger unavailable")
	}
	return a.SaleApplier.ApplySaleEvent(ctx, ev)
}

func TestDispatcher_FailingHeadDoesNotStarveLaterEvents(t *testing.T) {
	h := newHarness(t, "x", "y")
	h.activeListing(t, "l1", "x", "y")

	dispatcher := NewDispatcher(DispatcherOptions{
		Inbox:     h.inbox,
		Applier:   &stuckApplier{SaleApplier: h.orch, prefix: "stuck-"},
		Clock:     h.clock,
		BatchSize: 2,
	})

	// Three events that keep failing arrive, and sold, before the real one.
	for i := 0; i < 3; i++ {
		require.NoError(t, h.inbox.Append(h.ctx, &domain.SaleEvent{
			IdempotencyKey:    fmt.Sprintf("stuck-%d", i),
			Platform:          "y",
			ExternalListingID: fmt.Sprintf("stuck-%d", i),
			SoldPrice:         decimal.NewFromInt(90),
			SoldAt:            testStart.Add(-time.Hour),
			Source:            domain.EventSourceWebhook,
			ReceivedAt:        testStart.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, h.inbox.Append(h.ctx, &domain.SaleEvent{
		IdempotencyKey:    "real-sale",
		Platform:          "x",
		ExternalListingID: "l1-x",
		SoldPrice:         decimal.NewFromInt(100),
		SoldAt:            testStart,
		Source:            domain.EventSourceWebhook,
		ReceivedAt:        testStart.Add(time.Minute),
	}))

	n, err := dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StateSaleDetected, h.listing(t, "l1").Platforms["x"].State)

	pending, err := h.inbox.Pending(h.ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	// A second drain retries the stuck events and terminates.
	n, err = dispatcher.DrainOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
