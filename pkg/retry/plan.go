package retry

import (
	"time"
)

// Step is one scheduled retry in a Plan.
type Step struct {
	Attempt     int       `json:"attempt"`
	DelayMs     int64     `json:"delay_ms"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Plan previews the retries still available to a task that has made
// attempts of maxAttempts, assuming every remaining attempt fails
// immediately. Times are cumulative from now.
func (p Policy) Plan(src JitterSource, seed string, attempts, maxAttempts int, now time.Time) []Step {
	if attempts < 0 {
		attempts = 0
	}
	var steps []Step
	at := now
	// The last attempt dead-letters instead of scheduling another retry.
	for n := attempts + 1; n < maxAttempts; n++ {
		delay := p.Delay(n, src, seed)
		at = at.Add(delay)
		steps = append(steps, Step{
			Attempt:     n + 1,
			DelayMs:     delay.Milliseconds(),
			ScheduledAt: at,
		})
	}
	return steps
}
