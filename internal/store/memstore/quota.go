package memstore

import (
	"context"
	"sync"
	"time"
)

// quotaDay tracks one deployment's usage within a UTC calendar day.
type quotaDay struct {
	day  string
	used int64
}

// Quota is an in-memory daily-quota store for customer-key deployments.
type Quota struct {
	mu   sync.Mutex
	days map[string]*quotaDay
	now  func() time.Time
}

// NewQuota constructs an empty quota store on the wall clock.
func NewQuota() *Quota {
	return &Quota{days: map[string]*quotaDay{}, now: time.Now}
}

// WithQuotaClock overrides the clock, for tests.
func WithQuotaClock(q *Quota, now func() time.Time) *Quota {
	q.now = now
	return q
}

// ConsumeDaily atomically charges n requests against the deployment's
// daily limit. When the charge would cross the limit nothing is
// consumed and ok is false. resetAt is the next UTC midnight.
func (q *Quota) ConsumeDaily(ctx context.Context, deploymentID string, n, limit int64) (ok bool, used int64, resetAt time.Time, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	day := now.Format("2006-01-02")
	resetAt = now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	entry, found := q.days[deploymentID]
	if !found || entry.day != day {
		entry = &quotaDay{day: day}
		q.days[deploymentID] = entry
	}

	if entry.used+n > limit {
		return false, entry.used, resetAt, nil
	}
	entry.used += n
	return true, entry.used, resetAt, nil
}
