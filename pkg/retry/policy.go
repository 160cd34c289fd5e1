// Package retry computes backoff delays for failed task attempts.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff with proportional jitter.
//
//	delay(n) = min(Max, Base * Multiplier^(n-1) * (1 + Jitter*u)),  u in [-1, 1]
//
// n is the number of attempts made so far, so the first retry waits about Base.
type Policy struct {
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
	Max        time.Duration `yaml:"max"`
}

// DefaultPolicy returns the engine defaults: 2s doubling, 20% jitter, 10m cap.
func DefaultPolicy() Policy {
	return Policy{
		Base:       2 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		Max:        10 * time.Minute,
	}
}

// Validate rejects policies that could produce negative or shrinking delays.
func (p Policy) Validate() error {
	switch {
	case p.Base <= 0:
		return errors.New("retry: base must be positive")
	case p.Multiplier < 1:
		return errors.New("retry: multiplier must be >= 1")
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("retry: jitter %.3f outside [0, 1)", p.Jitter)
	case p.Max < p.Base:
		return errors.New("retry: max must be >= base")
	}
	return nil
}

// DelayWith returns the delay for attempt n using the jitter sample u.
// u is clamped to [-1, 1]; the cap is applied after jitter.
func (p Policy) DelayWith(attempt int, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	u = math.Max(-1, math.Min(1, u))

	// Exponent capped to avoid overflow; the Max clamp makes larger values moot.
	exp := float64(attempt - 1)
	if exp > 62 {
		exp = 62
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, exp) * (1 + p.Jitter*u)
	if d >= float64(p.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.Max
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Delay returns the delay for attempt n drawing jitter from src for the given seed.
func (p Policy) Delay(attempt int, src JitterSource, seed string) time.Duration {
	if src == nil {
		src = SeededJitter{}
	}
	return p.DelayWith(attempt, src.Sample(seed))
}

// JitterSource yields a jitter sample in [-1, 1].
type JitterSource interface {
	Sample(seed string) float64
}

// SeededJitter derives the sample from a SHA-256 PRF over the seed. Seeding
// with the task id keeps the sample constant across attempts, which makes the
// delay sequence of one task non-decreasing.
type SeededJitter struct {
	Salt string
}

func (s SeededJitter) Sample(seed string) float64 {
	hash := sha256.Sum256([]byte(s.Salt + ":" + seed))
	// Top 53 bits give a uniform float64 in [0, 1).
	basis := binary.BigEndian.Uint64(hash[:8]) >> 11
	return float64(basis)/float64(1<<53)*2 - 1
}

// RandomJitter draws an independent sample per call.
type RandomJitter struct{}

func (RandomJitter) Sample(string) float64 {
	return rand.Float64()*2 - 1 //nolint:gosec // jitter does not need a CSPRNG
}

// Backoff binds the policy to one task's jitter seed.
func (p Policy) Backoff(src JitterSource, seed string) func(attempts int) time.Duration {
	return func(attempts int) time.Duration {
		return p.Delay(attempts, src, seed)
	}
}
