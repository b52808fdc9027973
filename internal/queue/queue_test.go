package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func job(listing, platform string, action domain.Action, priority int) *domain.SyncJob {
	return &domain.SyncJob{
		ID:        listing + "-" + platform + "-" + string(action),
		ListingID: listing,
		Platform:  platform,
		Action:    action,
		Priority:  priority,
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := New(clock.Fake(t0))

	q.Push(job("l1", "alpha", domain.ActionUpdatePrice, domain.PriorityUpdatePrice))
	q.Push(job("l2", "alpha", domain.ActionList, domain.PriorityList))
	q.Push(job("l3", "alpha", domain.ActionUpdatePrice, domain.PriorityReconcile))
	q.Push(job("l4", "beta", domain.ActionDelist, domain.PriorityDelist))

	want := []string{"l4", "l3", "l2", "l1"}
	for i, w := range want {
		got, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("dequeue %d: queue empty", i)
		}
		if got.ListingID != w {
			t.Errorf("dequeue %d: got %s, want %s", i, got.ListingID, w)
		}
		q.Done(got)
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New(clock.Fake(t0))
	q.Push(job("l1", "alpha", domain.ActionList, domain.PriorityList))
	q.Push(job("l2", "alpha", domain.ActionList, domain.PriorityList))

	first, _ := q.TryDequeue()
	if first.ListingID != "l1" {
		t.Errorf("expected FIFO order, got %s first", first.ListingID)
	}
}

func TestQueue_CoalescesSameKey(t *testing.T) {
	q := New(clock.Fake(t0))

	a := job("l1", "alpha", domain.ActionUpdatePrice, domain.PriorityUpdatePrice)
	a.Price = decimal.NewFromInt(100)
	b := job("l1", "alpha", domain.ActionUpdatePrice, domain.PriorityUpdatePrice)
	b.Price = decimal.NewFromInt(110)

	if q.Push(a) {
		t.Error("first push reported merge")
	}
	if !q.Push(b) {
		t.Error("second push should merge")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	got, _ := q.TryDequeue()
	if !got.Price.Equal(decimal.NewFromInt(110)) {
		t.Errorf("newer payload should win, got price %s", got.Price)
	}
}

func TestQueue_CoalesceKeepsHigherPriority(t *testing.T) {
	q := New(clock.Fake(t0))
	q.Push(job("l1", "alpha", domain.ActionUpdatePrice, domain.PriorityReconcile))
	q.Push(job("l1", "alpha", domain.ActionUpdatePrice, domain.PriorityUpdatePrice))

	got, _ := q.TryDequeue()
	if got.Priority != domain.PriorityReconcile {
		t.Errorf("Priority = %d, want %d", got.Priority, domain.PriorityReconcile)
	}
}

func TestQueue_RetryKeepsNewerPrice(t *testing.T) {
	fake := clock.Fake(t0)
	q := New(fake)

	// $110 is in flight when the $120 update is queued.
	inFlight := job("l1", "alpha", domain.ActionUpdatePrice, domain.PriorityUpdatePrice)
	inFlight.Price = decimal.NewFromInt(110)
	inFlight.CreatedAt = t0
	q.Push(inFlight)
	got, _ := q.TryDequeue()

	newer := job("l1", "alpha", domain.ActionUpdatePrice, domain.PriorityUpdatePrice)
	newer.Price = decimal.NewFromInt(120)
	newer.CreatedAt = t0.Add(time.Second)
	q.Push(newer)

	// The $110 call fails and is rescheduled.
	got.AttemptCount = 1
	got.LastError = "timeout"
	got.NextRetryAt = t0.Add(time.Minute)
	if !q.Push(got) {
		t.Fatal("retry should merge with the queued job")
	}
	q.Done(got)

	next, ok := q.TryDequeue()
	if !ok {
		t.Fatal("merged job should be ready")
	}
	if !next.Price.Equal(decimal.NewFromInt(120)) {
		t.Errorf("Price = %s, want 120", next.Price)
	}
	if next.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", next.AttemptCount)
	}
	if next.LastError != "timeout" {
		t.Errorf("LastError = %q, want timeout", next.LastError)
	}
}

func TestQueue_FreshJobKeepsRetryBudget(t *testing.T) {
	fake := clock.Fake(t0)
	q := New(fake)

	retrying := job("l1", "alpha", domain.ActionDelist, domain.PriorityDelist)
	retrying.AttemptCount = 4
	retrying.CreatedAt = t0
	retrying.NextRetryAt = t0.Add(30 * time.Second)
	q.Push(retrying)

	fresh := job("l1", "alpha", domain.ActionDelist, domain.PriorityDelist)
	fresh.CreatedAt = t0.Add(time.Second)
	fresh.NextRetryAt = t0
	q.Push(fresh)

	got, ok := q.TryDequeue()
	if !ok {
		t.Fatal("merged job should be ready now")
	}
	if got.AttemptCount != 4 {
		t.Errorf("AttemptCount = %d, want 4", got.AttemptCount)
	}
}

func TestQueue_DelayedJobDoesNotBlockReadyWork(t *testing.T) {
	fake := clock.Fake(t0)
	q := New(fake)

	delayed := job("l1", "alpha", domain.ActionDelist, domain.PriorityDelist)
	delayed.NextRetryAt = t0.Add(5 * time.Second)
	q.Push(delayed)
	q.Push(job("l2", "alpha", domain.ActionList, domain.PriorityList))

	got, ok := q.TryDequeue()
	if !ok || got.ListingID != "l2" {
		t.Fatalf("expected ready List job, got %+v", got)
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("delayed job served early")
	}

	fake.Advance(5 * time.Second)
	got, ok = q.TryDequeue()
	if !ok || got.ListingID != "l1" {
		t.Fatalf("expected delayed Delist after advance, got %+v", got)
	}
}

func TestQueue_DequeueBlocksUntilPush(t *testing.T) {
	q := New(clock.Real())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan *domain.SyncJob, 1)
	go func() {
		j, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		done <- j
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(job("l1", "alpha", domain.ActionList, domain.PriorityList))

	select {
	case j := <-done:
		if j == nil || j.ListingID != "l1" {
			t.Errorf("unexpected job %+v", j)
		}
	case <-ctx.Done():
		t.Fatal("Dequeue did not wake on push")
	}
}

func TestQueue_DequeueWaitsForDelay(t *testing.T) {
	q := New(clock.Real())
	j := job("l1", "alpha", domain.ActionDelist, domain.PriorityDelist)
	j.NextRetryAt = time.Now().Add(30 * time.Millisecond)
	q.Push(j)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.ListingID != "l1" {
		t.Errorf("unexpected job %+v", got)
	}
}

func TestQueue_CloseUnblocks(t *testing.T) {
	q := New(clock.Real())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Dequeue")
	}
}

func TestQueue_HasTracksInFlight(t *testing.T) {
	q := New(clock.Fake(t0))
	q.Push(job("l1", "alpha", domain.ActionDelist, domain.PriorityDelist))

	if !q.Has("l1", "alpha", domain.ActionDelist) {
		t.Error("queued job not reported")
	}
	got, _ := q.TryDequeue()
	if !q.Has("l1", "alpha", domain.ActionDelist) {
		t.Error("in-flight job not reported")
	}
	q.Done(got)
	if q.Has("l1", "alpha", domain.ActionDelist) {
		t.Error("finished job still reported")
	}
}

func TestQueue_Remove(t *testing.T) {
	q := New(clock.Fake(t0))
	q.Push(job("l1", "alpha", domain.ActionUpdatePrice, domain.PriorityUpdatePrice))
	q.Push(job("l1", "beta", domain.ActionList, domain.PriorityList))
	q.Push(job("l1", "beta", domain.ActionDelist, domain.PriorityDelist))
	q.Push(job("l2", "alpha", domain.ActionUpdatePrice, domain.PriorityUpdatePrice))

	if n := q.Remove("l1", domain.ActionList, domain.ActionUpdatePrice); n != 2 {
		t.Errorf("Remove = %d, want 2", n)
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
	if d := q.Depth(); d[domain.ActionDelist] != 1 || d[domain.ActionUpdatePrice] != 1 {
		t.Errorf("Depth = %v", d)
	}
}
