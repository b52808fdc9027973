package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is what the guardrails decided for one recommendation.
type Outcome string

const (
	OutcomeApply     Outcome = "apply"     // recommendation within bounds
	OutcomeClamp     Outcome = "clamp"     // price moved to the nearest bound
	OutcomeUnchanged Outcome = "unchanged" // guarded price equals the current price
	OutcomeStale     Outcome = "stale"     // recommendation expired
	OutcomeCooldown  Outcome = "cooldown"  // listing changed price too recently
	OutcomeUncertain Outcome = "uncertain" // confidence interval too wide
	OutcomeBlocked   Outcome = "blocked"   // listing not eligible for repricing
	OutcomeError     Outcome = "error"     // predictor or orchestrator failure
)

// DefaultMaxChange limits one automated move to 15% of the current price.
var DefaultMaxChange = decimal.RequireFromString("0.15")

// DefaultCooldown is the minimum time between automated price changes.
const DefaultCooldown = 30 * time.Minute

// Guardrails bound automated price changes. Zero values disable a bound,
// except MaxChange and Cooldown which fall back to defaults.
type Guardrails struct {
	MinPrice       decimal.Decimal // floor, wins over MaxChange
	MaxPrice       decimal.Decimal // ceiling, wins over MaxChange
	MaxChange      decimal.Decimal // max fractional move per cycle, 0.15 = 15%
	Cooldown       time.Duration
	MaxUncertainty decimal.Decimal // max (high-low)/recommended; zero disables
}

// Check is one evaluated guardrail.
type Check struct {
	Name   string
	Limit  string
	Actual string
	Pass   bool
}

// Decision is the guarded result for one recommendation.
type Decision struct {
	Outcome Outcome
	Price   decimal.Decimal // price to request; set for Apply and Clamp
	Checks  []Check
}

// Evaluate applies the guardrails to rec for a listing currently priced
// at current whose last price change was at lastChange.
//
// Skips (stale, cooldown, uncertain) are checked first; then the move is
// limited to MaxChange and finally clamped into [MinPrice, MaxPrice].
func (g Guardrails) Evaluate(current decimal.Decimal, lastChange time.Time, rec *Recommendation, now time.Time) Decision {
	var checks []Check
	skip := func(o Outcome) Decision {
		return Decision{Outcome: o, Checks: checks}
	}

	fresh := rec.ValidUntil.IsZero() || now.Before(rec.ValidUntil)
	checks = append(checks, Check{
		Name:   "Recommendation fresh",
		Limit:  "now < valid_until",
		Actual: rec.ValidUntil.Format(time.RFC3339),
		Pass:   fresh,
	})
	if !fresh {
		return skip(OutcomeStale)
	}

	cooldown := g.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	cooled := lastChange.IsZero() || now.Sub(lastChange) >= cooldown
	checks = append(checks, Check{
		Name:   "Cooldown elapsed",
		Limit:  ">= " + cooldown.String(),
		Actual: now.Sub(lastChange).Truncate(time.Second).String(),
		Pass:   cooled,
	})
	if !cooled {
		return skip(OutcomeCooldown)
	}

	if g.MaxUncertainty.IsPositive() && rec.RecommendedPrice.IsPositive() {
		width := rec.ConfidenceHigh.Sub(rec.ConfidenceLow).Abs().Div(rec.RecommendedPrice)
		certain := width.LessThanOrEqual(g.MaxUncertainty)
		checks = append(checks, Check{
			Name:   "Confidence width",
			Limit:  "<= " + g.MaxUncertainty.String(),
			Actual: width.StringFixed(4),
			Pass:   certain,
		})
		if !certain {
			return skip(OutcomeUncertain)
		}
	}

	price := rec.RecommendedPrice
	clamped := false

	maxChange := g.MaxChange
	if !maxChange.IsPositive() {
		maxChange = DefaultMaxChange
	}
	if current.IsPositive() {
		lo := current.Mul(decimal.NewFromInt(1).Sub(maxChange))
		hi := current.Mul(decimal.NewFromInt(1).Add(maxChange))
		inBand := !price.LessThan(lo) && !price.GreaterThan(hi)
		checks = append(checks, Check{
			Name:   "Max change per cycle",
			Limit:  fmt.Sprintf("[%s, %s]", lo.StringFixed(2), hi.StringFixed(2)),
			Actual: price.StringFixed(2),
			Pass:   inBand,
		})
		if !inBand {
			price = decimal.Min(decimal.Max(price, lo), hi)
			clamped = true
		}
	}

	if g.MinPrice.IsPositive() {
		ok := !price.LessThan(g.MinPrice)
		checks = append(checks, Check{
			Name:   "Price floor",
			Limit:  ">= " + g.MinPrice.StringFixed(2),
			Actual: price.StringFixed(2),
			Pass:   ok,
		})
		if !ok {
			price = g.MinPrice
			clamped = true
		}
	}
	if g.MaxPrice.IsPositive() {
		ok := !price.GreaterThan(g.MaxPrice)
		checks = append(checks, Check{
			Name:   "Price ceiling",
			Limit:  "<= " + g.MaxPrice.StringFixed(2),
			Actual: price.StringFixed(2),
			Pass:   ok,
		})
		if !ok {
			price = g.MaxPrice
			clamped = true
		}
	}

	price = price.Round(2)
	switch {
	case price.Equal(current):
		return Decision{Outcome: OutcomeUnchanged, Price: price, Checks: checks}
	case clamped:
		return Decision{Outcome: OutcomeClamp, Price: price, Checks: checks}
	}
	return Decision{Outcome: OutcomeApply, Price: price, Checks: checks}
}
