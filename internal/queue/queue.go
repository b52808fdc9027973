// Package queue is the in-process priority queue of sync jobs.
//
// Ready jobs are served by priority (Delist first), then NextRetryAt, then
// arrival order. Jobs whose NextRetryAt is in the future wait in a separate
// delay heap so a backing-off Delist never blocks ready work behind it.
// Jobs with the same (listing, platform, action) key are coalesced.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue: closed")

type item struct {
	job   *domain.SyncJob
	seq   uint64
	index int
	ready bool
}

// Queue is safe for concurrent use.
type Queue struct {
	clock clock.Clock

	mu       sync.Mutex
	ready    readyHeap
	delayed  delayHeap
	byKey    map[string]*item
	inFlight map[string]int
	seq      uint64
	closed   bool
	wake     chan struct{}
}

// New creates an empty queue.
func New(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		clock:    clk,
		byKey:    make(map[string]*item),
		inFlight: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// Push enqueues job. If a job with the same key is already queued the two
// are merged into job: see merge. Returns true when merged.
func (q *Queue) Push(job *domain.SyncJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	key := job.Key()
	merged := false
	if existing, ok := q.byKey[key]; ok {
		q.removeLocked(existing)
		merge(job, existing.job)
		merged = true
	}

	q.seq++
	it := &item{job: job, seq: q.seq}
	q.byKey[key] = it
	if job.NextRetryAt.After(q.clock.Now()) {
		heap.Push(&q.delayed, it)
	} else {
		it.ready = true
		heap.Push(&q.ready, it)
	}

	q.signal()
	return merged
}

// Dequeue blocks until a job is ready, ctx is done, or the queue is closed.
// The caller must call Done with the job when finished.
func (q *Queue) Dequeue(ctx context.Context) (*domain.SyncJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		now := q.clock.Now()
		q.promoteLocked(now)

		if q.ready.Len() > 0 {
			it := heap.Pop(&q.ready).(*item)
			key := it.job.Key()
			delete(q.byKey, key)
			q.inFlight[key]++
			q.mu.Unlock()
			return it.job, nil
		}

		var timer <-chan time.Time
		if q.delayed.Len() > 0 {
			timer = q.clock.After(q.delayed[0].job.NextRetryAt.Sub(now))
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-timer:
		}
	}
}

// TryDequeue returns a ready job without blocking.
func (q *Queue) TryDequeue() (*domain.SyncJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked(q.clock.Now())
	if q.closed || q.ready.Len() == 0 {
		return nil, false
	}
	it := heap.Pop(&q.ready).(*item)
	key := it.job.Key()
	delete(q.byKey, key)
	q.inFlight[key]++
	return it.job, true
}

// Done marks a dequeued job as finished (successfully or re-enqueued).
func (q *Queue) Done(job *domain.SyncJob) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Key()
	if q.inFlight[key] <= 1 {
		delete(q.inFlight, key)
		return
	}
	q.inFlight[key]--
}

// Has reports whether a job for the key is queued or in flight.
func (q *Queue) Has(listingID, platform string, action domain.Action) bool {
	key := listingID + "|" + platform + "|" + string(action)

	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.byKey[key]
	return queued || q.inFlight[key] > 0
}

// Remove drops queued jobs for a listing matching any of actions.
// Returns the number removed.
func (q *Queue) Remove(listingID string, actions ...domain.Action) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, it := range q.byKey {
		if it.job.ListingID != listingID {
			continue
		}
		for _, a := range actions {
			if it.job.Action == a {
				q.removeLocked(it)
				delete(q.byKey, it.job.Key())
				removed++
				break
			}
		}
	}
	return removed
}

// Len returns the number of queued jobs (ready and delayed).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// Depth returns queued job counts per action.
func (q *Queue) Depth() map[domain.Action]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[domain.Action]int)
	for _, it := range q.byKey {
		out[it.job.Action]++
	}
	return out
}

// Snapshot returns copies of queued jobs in service order.
func (q *Queue) Snapshot() []domain.SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*item, 0, len(q.byKey))
	for _, it := range q.byKey {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })

	out := make([]domain.SyncJob, len(items))
	for i, it := range items {
		out[i] = *it.job
	}
	return out
}

// Close wakes blocked consumers; subsequent Dequeue calls return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

// merge folds a queued job into an incoming one with the same key. The
// result keeps the higher priority, the earlier NextRetryAt and the larger
// AttemptCount. The target price comes from whichever job was created last,
// so a rescheduled retry never replaces a newer price.
func merge(job, queued *domain.SyncJob) {
	if queued.Priority < job.Priority {
		job.Priority = queued.Priority
	}
	if queued.NextRetryAt.Before(job.NextRetryAt) {
		job.NextRetryAt = queued.NextRetryAt
	}
	if queued.AttemptCount > job.AttemptCount {
		job.AttemptCount = queued.AttemptCount
	}
	if job.LastError == "" {
		job.LastError = queued.LastError
	}
	if queued.CreatedAt.After(job.CreatedAt) {
		job.Price = queued.Price
		job.CreatedAt = queued.CreatedAt
	}
}

func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].job.NextRetryAt.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		it.ready = true
		heap.Push(&q.ready, it)
	}
}

func (q *Queue) removeLocked(it *item) {
	if it.ready {
		heap.Remove(&q.ready, it.index)
	} else {
		heap.Remove(&q.delayed, it.index)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func less(a, b *item) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.NextRetryAt.Equal(b.job.NextRetryAt) {
		return a.job.NextRetryAt.Before(b.job.NextRetryAt)
	}
	return a.seq < b.seq
}

// readyHeap orders by priority, NextRetryAt, arrival.
type readyHeap []*item

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayHeap orders by NextRetryAt, arrival.
type delayHeap []*item

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].job.NextRetryAt.Equal(h[j].job.NextRetryAt) {
		return h[i].job.NextRetryAt.Before(h[j].job.NextRetryAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
