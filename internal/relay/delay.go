// ABOUTME: Per-connection adaptive request pacing built on golang.org/x/time/rate.
// ABOUTME: Multiplicative increase on error, multiplicative decrease after success runs.

package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// adaptiveDelay paces requests on one connection. The inter-request
// interval doubles on every error or throttle signal and halves after a
// run of consecutive successes, clamped to [base, max]. This replaces a
// central rate limiter with local per-connection fairness.
type adaptiveDelay struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	base       time.Duration
	max        time.Duration
	current    time.Duration
	successes  int
	successRun int
}

func newAdaptiveDelay(base, max time.Duration, successRun int) *adaptiveDelay {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max < base {
		max = base
	}
	if successRun <= 0 {
		successRun = 10
	}
	return &adaptiveDelay{
		limiter:    rate.NewLimiter(rate.Every(base), 1),
		base:       base,
		max:        max,
		current:    base,
		successRun: successRun,
	}
}

// Wait blocks until the next request slot or ctx is done.
func (d *adaptiveDelay) Wait(ctx context.Context) error {
	return d.limiter.Wait(ctx)
}

// RecordError doubles the delay and resets the success run.
func (d *adaptiveDelay) RecordError() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.successes = 0
	d.current *= 2
	if d.current > d.max {
		d.current = d.max
	}
	d.limiter.SetLimit(rate.Every(d.current))
}

// RecordSuccess halves the delay after successRun consecutive successes.
// The delay never drops below base.
func (d *adaptiveDelay) RecordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.successes++
	if d.successes < d.successRun {
		return
	}
	d.successes = 0
	d.current /= 2
	if d.current < d.base {
		d.current = d.base
	}
	d.limiter.SetLimit(rate.Every(d.current))
}

// Current returns the present inter-request interval.
func (d *adaptiveDelay) Current() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}
