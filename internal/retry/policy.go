// Package retry decides when a failed sync job runs again and isolates
// failing platforms behind per-platform circuit breakers.
//
// Retries are explicit: the worker records AttemptCount and NextRetryAt on
// the job and re-enqueues it, so priority ordering and dead-lettering stay
// visible in the queue.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
)

// Default configuration values.
const (
	DefaultInitialInterval     = 500 * time.Millisecond
	DefaultMaxInterval         = 60 * time.Second
	DefaultMultiplier          = 2.0
	DefaultRandomizationFactor = 0.3
	DefaultCallTimeout         = 10 * time.Second
)

// DefaultMaxAttempts per action. Delist gets the largest budget because a
// missed delist is a potential double sale.
var DefaultMaxAttempts = map[domain.Action]int{
	domain.ActionList:        5,
	domain.ActionUpdatePrice: 3,
	domain.ActionDelist:      10,
}

// Policy computes retry budgets and delays.
type Policy struct {
	MaxAttempts         map[domain.Action]int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	CallTimeout         time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	attempts := make(map[domain.Action]int, len(DefaultMaxAttempts))
	for k, v := range DefaultMaxAttempts {
		attempts[k] = v
	}
	return Policy{
		MaxAttempts:         attempts,
		InitialInterval:     DefaultInitialInterval,
		MaxInterval:         DefaultMaxInterval,
		Multiplier:          DefaultMultiplier,
		RandomizationFactor: DefaultRandomizationFactor,
		CallTimeout:         DefaultCallTimeout,
	}
}

// MaxAttemptsFor returns the attempt budget for action.
func (p Policy) MaxAttemptsFor(action domain.Action) int {
	if n, ok := p.MaxAttempts[action]; ok && n > 0 {
		return n
	}
	return DefaultMaxAttempts[action]
}

// Exhausted reports whether a job that has made attempts calls is out of budget.
func (p Policy) Exhausted(action domain.Action, attempts int) bool {
	return attempts >= p.MaxAttemptsFor(action)
}

// NextDelay returns the wait before attempt number attempts+1.
// RateLimited errors use the platform's Retry-After when it is longer.
func (p Policy) NextDelay(attempts int, err error) time.Duration {
	delay := p.backoffDelay(attempts)
	if after, ok := marketplace.RetryAfter(err); ok && after > delay {
		return after
	}
	return delay
}

// backoffDelay replays an exponential backoff to its attempts-th interval.
func (p Policy) backoffDelay(attempts int) time.Duration {
	b := p.NewBackOff()
	delay := b.InitialInterval
	for i := 0; i < attempts; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		delay = next
	}
	return delay
}

// NewBackOff returns an unbounded-in-time ExponentialBackOff configured
// from the policy. Used directly by HTTP collaborators.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Timeout returns the per-call timeout.
func (p Policy) Timeout() time.Duration {
	if p.CallTimeout > 0 {
		return p.CallTimeout
	}
	return DefaultCallTimeout
}
