package retry

import (
	"errors"
	"testing"
	"time"

	"resale-sync/internal/domain"
	"resale-sync/internal/marketplace"
)

func TestPolicy_MaxAttempts(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		action domain.Action
		want   int
	}{
		{domain.ActionList, 5},
		{domain.ActionUpdatePrice, 3},
		{domain.ActionDelist, 10},
	}
	for _, tt := range tests {
		if got := p.MaxAttemptsFor(tt.action); got != tt.want {
			t.Errorf("MaxAttemptsFor(%s) = %d, want %d", tt.action, got, tt.want)
		}
	}

	if p.Exhausted(domain.ActionDelist, 9) {
		t.Error("Delist exhausted after 9 attempts")
	}
	if !p.Exhausted(domain.ActionDelist, 10) {
		t.Error("Delist not exhausted after 10 attempts")
	}
}

func TestPolicy_NextDelayGrowsAndCaps(t *testing.T) {
	p := DefaultPolicy()
	p.RandomizationFactor = 0
	p.InitialInterval = 100 * time.Millisecond
	p.MaxInterval = time.Second

	d1 := p.NextDelay(1, errors.New("x"))
	d3 := p.NextDelay(3, errors.New("x"))
	d10 := p.NextDelay(10, errors.New("x"))

	if d1 != 100*time.Millisecond {
		t.Errorf("first delay = %v, want 100ms", d1)
	}
	if d3 != 400*time.Millisecond {
		t.Errorf("third delay = %v, want 400ms", d3)
	}
	if d10 != time.Second {
		t.Errorf("capped delay = %v, want 1s", d10)
	}
}

func TestPolicy_NextDelayHonorsRetryAfter(t *testing.T) {
	p := DefaultPolicy()
	p.RandomizationFactor = 0

	err := &marketplace.RateLimitedError{Platform: "alpha", RetryAfter: 45 * time.Second}
	if got := p.NextDelay(1, err); got != 45*time.Second {
		t.Errorf("NextDelay = %v, want 45s", got)
	}
}
