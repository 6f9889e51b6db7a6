package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/communityforge/inference-gateway/internal/ratelimit"
)

// counterWindow is one fixed window: a count and the instant it resets.
type counterWindow struct {
	count     int64
	expiresAt time.Time
}

// Counters is an in-memory ratelimit.CounterStore using fixed windows.
type Counters struct {
	mu      sync.Mutex
	windows map[string]*counterWindow
	now     func() time.Time
}

// NewCounters constructs an empty counter store on the wall clock.
func NewCounters() *Counters {
	return &Counters{windows: map[string]*counterWindow{}, now: time.Now}
}

// WithCountersClock overrides the clock, for tests.
func WithCountersClock(c *Counters, now func() time.Time) *Counters {
	c.now = now
	return c
}

// IncrCheckAll implements ratelimit.CounterStore. All counters are
// incremented, then checked in order; on the first violation every
// increment from this call is rolled back so a rejected request
// consumes nothing.
func (c *Counters) IncrCheckAll(ctx context.Context, checks []ratelimit.Check) (int, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	touched := make([]*counterWindow, len(checks))
	for i, check := range checks {
		w, ok := c.windows[check.Key]
		if !ok || !now.Before(w.expiresAt) {
			w = &counterWindow{expiresAt: now.Add(check.Window)}
			c.windows[check.Key] = w
		}
		w.count++
		touched[i] = w
	}

	for i, check := range checks {
		if touched[i].count <= check.Limit {
			continue
		}
		for _, w := range touched {
			w.count--
		}
		return i, touched[i].expiresAt.Sub(now), nil
	}
	return -1, 0, nil
}
