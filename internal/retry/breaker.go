package retry

import (
	"sync"
	"time"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
)

// Default breaker settings.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// BreakerState is the state of one platform's circuit.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerOptions configures a Breakers set.
type BreakerOptions struct {
	FailureThreshold int
	Cooldown         time.Duration
	Clock            clock.Clock

	// OnStateChange is called outside the breaker lock.
	OnStateChange func(platform string, from, to BreakerState)
}

// Breakers holds one circuit per platform. Only List and UpdatePrice are
// gated; Delist always passes and never trips a circuit.
type Breakers struct {
	opts BreakerOptions

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreakers creates a per-platform breaker set.
func NewBreakers(opts BreakerOptions) *Breakers {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Breakers{opts: opts, circuits: make(map[string]*circuit)}
}

func gated(action domain.Action) bool {
	return action != domain.ActionDelist
}

// Allow reports whether a call may proceed. An open circuit whose cooldown
// has elapsed lets exactly one trial call through.
func (b *Breakers) Allow(platform string, action domain.Action) bool {
	if !gated(action) {
		return true
	}

	b.mu.Lock()
	c := b.circuitLocked(platform)
	from := c.state
	allowed := true
	switch c.state {
	case BreakerOpen:
		if b.opts.Clock.Now().Sub(c.openedAt) < b.opts.Cooldown {
			allowed = false
			break
		}
		c.state = BreakerHalfOpen
		c.probing = true
	case BreakerHalfOpen:
		if c.probing {
			allowed = false
		} else {
			c.probing = true
		}
	}
	to := c.state
	b.mu.Unlock()

	b.notify(platform, from, to)
	return allowed
}

// RecordSuccess closes the circuit.
func (b *Breakers) RecordSuccess(platform string, action domain.Action) {
	if !gated(action) {
		return
	}

	b.mu.Lock()
	c := b.circuitLocked(platform)
	from := c.state
	c.state = BreakerClosed
	c.failures = 0
	c.probing = false
	b.mu.Unlock()

	b.notify(platform, from, BreakerClosed)
}

// RecordFailure counts a platform fault. Validation and auth errors are
// about our request, not platform health: the platform answered, so they
// count as a success for the circuit.
func (b *Breakers) RecordFailure(platform string, action domain.Action, err error) {
	if !gated(action) {
		return
	}
	if !marketplace.IsRetryable(err) {
		b.RecordSuccess(platform, action)
		return
	}

	b.mu.Lock()
	c := b.circuitLocked(platform)
	from := c.state
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= b.opts.FailureThreshold {
		c.state = BreakerOpen
		c.openedAt = b.opts.Clock.Now()
		c.probing = false
	}
	to := c.state
	b.mu.Unlock()

	b.notify(platform, from, to)
}

// State returns the circuit state for platform.
func (b *Breakers) State(platform string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitLocked(platform).state
}

// IsOpen reports whether platform is currently rejecting gated traffic.
func (b *Breakers) IsOpen(platform string) bool {
	return b.State(platform) != BreakerClosed
}

// RetryAt returns when an open circuit will admit a trial call.
func (b *Breakers) RetryAt(platform string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(platform)
	if c.state == BreakerClosed {
		return time.Time{}
	}
	return c.openedAt.Add(b.opts.Cooldown)
}

func (b *Breakers) circuitLocked(platform string) *circuit {
	c, ok := b.circuits[platform]
	if !ok {
		c = &circuit{state: BreakerClosed}
		b.circuits[platform] = c
	}
	return c
}

func (b *Breakers) notify(platform string, from, to BreakerState) {
	if from != to && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(platform, from, to)
	}
}
