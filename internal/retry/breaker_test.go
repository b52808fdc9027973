package retry

import (
	"errors"
	"testing"
	"time"

	"resale-sync/internal/clock"
	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
)

var errDown = &marketplace.TransientError{Platform: "alpha", Err: errors.New("503")}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	var transitions []BreakerState
	b := NewBreakers(BreakerOptions{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		Clock:            fake,
		OnStateChange: func(_ string, _, to BreakerState) {
			transitions = append(transitions, to)
		},
	})

	for i := 0; i < 3; i++ {
		if !b.Allow("alpha", domain.ActionList) {
			t.Fatalf("call %d rejected before threshold", i+1)
		}
		b.RecordFailure("alpha", domain.ActionList, errDown)
	}

	if b.State("alpha") != BreakerOpen {
		t.Fatalf("State = %s, want OPEN", b.State("alpha"))
	}
	if b.Allow("alpha", domain.ActionUpdatePrice) {
		t.Error("UpdatePrice allowed through open breaker")
	}
	if !b.Allow("alpha", domain.ActionDelist) {
		t.Error("Delist must bypass the breaker")
	}
	if b.State("beta") != BreakerClosed {
		t.Error("breakers must be per platform")
	}
	if len(transitions) != 1 || transitions[0] != BreakerOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestBreakers_HalfOpenTrialCall(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	b := NewBreakers(BreakerOptions{FailureThreshold: 1, Cooldown: time.Minute, Clock: fake})

	b.RecordFailure("alpha", domain.ActionList, errDown)
	if !b.RetryAt("alpha").Equal(fake.Now().Add(time.Minute)) {
		t.Errorf("RetryAt = %v", b.RetryAt("alpha"))
	}

	fake.Advance(time.Minute)
	if !b.Allow("alpha", domain.ActionList) {
		t.Fatal("trial call rejected after cooldown")
	}
	if b.Allow("alpha", domain.ActionList) {
		t.Error("second concurrent trial call allowed")
	}

	// Failed trial call re-opens
	b.RecordFailure("alpha", domain.ActionList, errDown)
	if b.State("alpha") != BreakerOpen {
		t.Fatalf("State = %s, want OPEN", b.State("alpha"))
	}

	fake.Advance(time.Minute)
	b.Allow("alpha", domain.ActionList)
	b.RecordSuccess("alpha", domain.ActionList)
	if b.State("alpha") != BreakerClosed {
		t.Errorf("State = %s, want CLOSED", b.State("alpha"))
	}
}

func TestBreakers_IgnoresDelistAndRequestErrors(t *testing.T) {
	b := NewBreakers(BreakerOptions{FailureThreshold: 1})

	b.RecordFailure("alpha", domain.ActionDelist, errDown)
	if b.IsOpen("alpha") {
		t.Error("Delist failures must not trip the breaker")
	}

	b.RecordFailure("alpha", domain.ActionList, &marketplace.ValidationError{Platform: "alpha"})
	if b.IsOpen("alpha") {
		t.Error("validation errors must not trip the breaker")
	}
}
