//go:build property
// +build property

package retry_test

import (
	"testing"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDelayBounded verifies every delay lies within the jittered exponential
// envelope and never exceeds the cap.
// Property: Base*M^(n-1)*(1-J) <= delay(n) <= min(Max, Base*M^(n-1)*(1+J))
func TestDelayBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	p := retry.Policy{Base: time.Second, Multiplier: 2, Jitter: 0.25, Max: 5 * time.Minute}

	properties.Property("delay stays inside the jitter envelope", prop.ForAll(
		func(attempt int, u float64) bool {
			d := p.DelayWith(attempt, u)
			raw := p.DelayWith(attempt, 0)
			if d > p.Max {
				return false
			}
			lo := time.Duration(float64(raw) * (1 - p.Jitter))
			return d >= lo-time.Nanosecond
		},
		gen.IntRange(1, 40),
		gen.Float64Range(-1, 1),
	))

	properties.TestingRun(t)
}

// TestDelayMonotonicForFixedSample verifies that with a fixed jitter sample
// the delay never decreases as attempts grow.
// Property: delay(n+1, u) >= delay(n, u)
func TestDelayMonotonicForFixedSample(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	p := retry.DefaultPolicy()

	properties.Property("delay is non-decreasing in attempt", prop.ForAll(
		func(attempt int, seed string) bool {
			src := retry.SeededJitter{}
			return p.Delay(attempt+1, src, seed) >= p.Delay(attempt, src, seed)
		},
		gen.IntRange(1, 60),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
