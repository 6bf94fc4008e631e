// Package backoff centralizes the retry/backoff decisions shared by the
// agent's loops (spec.md §4.8): the run loop's post-tick-error pause and
// the agent's registration retry pause. Built on
// cenkalti/backoff/v5's ExponentialBackOff, which already implements the
// jittered-doubling-with-ceiling shape the teacher hand-rolled in
// connection/manager.go's nextBackoff/jitter pair.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy wraps an ExponentialBackOff configured from Settings' MIN/MAX
// bounds. NextDelay and Reset are the only two operations a loop needs.
type Policy struct {
	b *backoff.ExponentialBackOff
}

// New returns a Policy bounded by [min, max].
func New(min, max time.Duration) *Policy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	return &Policy{b: b}
}

// NextDelay returns the next backoff duration to sleep, advancing the
// policy's internal state.
func (p *Policy) NextDelay() time.Duration {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		// ExponentialBackOff never stops on its own (no MaxElapsedTime is
		// set), but guard anyway so a future config change can't wedge a
		// loop into a zero-delay spin.
		return p.b.MaxInterval
	}
	// The library's randomization can push a delay up to
	// RandomizationFactor beyond either bound; clamp back into [min, max].
	if d > p.b.MaxInterval {
		return p.b.MaxInterval
	}
	if d < p.b.InitialInterval {
		return p.b.InitialInterval
	}
	return d
}

// Reset clears accumulated backoff state after a successful cycle.
func (p *Policy) Reset() {
	p.b.Reset()
}

// Jitter applies the teacher's own ±fraction perturbation to d. Kept as
// a small pure function (rather than a full Policy) for the scheduler's
// idle-tick sleep, where pulling in a stateful ExponentialBackOff would
// be overkill for a single fixed jittered sleep (see DESIGN.md).
func Jitter(d time.Duration, fraction float64, rnd func() float64) time.Duration {
	delta := float64(d) * fraction
	offset := (rnd()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
