package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/observability"
	"resale-sync/internal/orchestrator"
	"resale-sync/internal/storage"
)

// Default dispatcher settings.
const (
	DefaultDispatchBatch    = 100
	DefaultDispatchInterval = 5 * time.Second
)

// SaleApplier applies a sale event to the ledger.
type SaleApplier interface {
	ApplySaleEvent(ctx context.Context, ev *domain.SaleEvent) (*orchestrator.SaleResult, error)
}

// Dispatcher drains the inbox into the orchestrator. Receivers wake it
// after each append; the interval picks up events left behind by a crash
// or a failed apply.
type Dispatcher struct {
	inbox   storage.EventInbox
	applier SaleApplier
	clock   clock.Clock
	logger  *zap.Logger

	batch    int
	interval time.Duration
	wake     chan struct{}
}

// DispatcherOptions for creating a Dispatcher.
type DispatcherOptions struct {
	Inbox   storage.EventInbox
	Applier SaleApplier
	Clock   clock.Clock
	Logger  *zap.Logger

	BatchSize int
	Interval  time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	d := &Dispatcher{
		inbox:    opts.Inbox,
		applier:  opts.Applier,
		clock:    clk,
		logger:   logger.Named("dispatcher"),
		batch:    opts.BatchSize,
		interval: opts.Interval,
		wake:     make(chan struct{}, 1),
	}
	if d.batch <= 0 {
		d.batch = DefaultDispatchBatch
	}
	if d.interval <= 0 {
		d.interval = DefaultDispatchInterval
	}
	return d
}

// Wake asks the dispatcher to drain now. Never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the inbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	for {
		if _, err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-d.wake:
		case <-d.clock.After(d.interval):
		}
	}
}

// DrainOnce applies pending events, earliest sale first, and returns how
// many were marked applied. An event whose apply fails stays pending for
// the next drain; later events are still reached in this one.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	applied := 0
	failed := 0
	for {
		// Failed events stay pending ahead of everything not yet read.
		events, err := d.inbox.Pending(ctx, d.batch, failed)
		if err != nil {
			return applied, fmt.Errorf("load pending events: %w", err)
		}
		SortSaleEvents(events)

		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if d.dispatch(ctx, ev) {
				applied++
			} else {
				failed++
			}
		}

		if len(events) < d.batch {
			observability.UpdateInboxPending(failed)
			return applied, nil
		}
	}
}

// dispatch applies one event and reports whether it left the inbox.
func (d *Dispatcher) dispatch(ctx context.Context, ev *domain.SaleEvent) bool {
	log := d.logger.With(
		zap.String("key", ev.IdempotencyKey),
		zap.String("platform", ev.Platform),
		zap.String("external_id", ev.ExternalListingID),
		zap.String("source", string(ev.Source)))

	res, err := d.applier.ApplySaleEvent(ctx, ev)
	result := "applied"
	switch {
	case errors.Is(err, orchestrator.ErrUnmatchedSale):
		// Nothing will ever match it; keep it for audit but stop retrying.
		log.Warn("sale event matches no listing")
		result = "unmatched"
	case err != nil:
		log.Error("apply sale event failed", zap.Error(err))
		observability.RecordSaleEvent(string(ev.Source), "error")
		return false
	case res.Duplicate:
		result = "duplicate"
	case res.DoubleSale:
		result = "double_sale"
	}

	if err := d.inbox.MarkApplied(ctx, ev.IdempotencyKey, d.clock.Now()); err != nil {
		log.Error("mark event applied failed", zap.Error(err))
		observability.RecordSaleEvent(string(ev.Source), "error")
		return false
	}
	observability.RecordSaleEvent(string(ev.Source), result)
	return true
}
