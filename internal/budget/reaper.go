package budget

import (
	"context"
	"errors"
	"time"

	"github.com/communityforge/inference-gateway/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// reapBatchSize bounds how many expired reservations one pass handles.
const reapBatchSize = 200

// ErrReapAborted indicates a pass stopped early because the store was
// failing for a majority of reservations.
var ErrReapAborted = errors.New("budget: reap pass aborted")

// Reaper reclaims reservations whose requests never finalized.
type Reaper struct {
	manager  *Manager
	store    Store
	interval time.Duration
	metrics  *metrics.Recorder
	now      func() time.Time
}

// ReaperOption customizes a Reaper.
type ReaperOption func(*Reaper)

// WithReaperClock overrides the reaper clock, for tests.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// NewReaper constructs a reaper.
func NewReaper(manager *Manager, store Store, interval time.Duration, recorder *metrics.Recorder, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		manager:  manager,
		store:    store,
		interval: interval,
		metrics:  recorder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	if r == nil {
		return
	}
	go r.run(ctx)
	log.Infof("budget reaper started (interval=%s)", r.interval)
}

func (r *Reaper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, errSweep := r.Sweep(ctx); errSweep != nil && !errors.Is(errSweep, context.Canceled) {
			log.WithError(errSweep).Warn("budget reaper: sweep failed")
		}
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// Sweep reclaims expired reservations once and returns how many were
// released. Safe to run concurrently with Finalize: whichever settles a
// reservation first wins, the other becomes a no-op. When a majority of
// release attempts fail the remaining batch is abandoned and an
// operational alert raised, rather than partially draining the queue.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, errExpired := r.store.Expired(ctx, r.now().UTC(), reapBatchSize)
	if errExpired != nil {
		return 0, errExpired
	}
	if len(expired) == 0 {
		return 0, nil
	}

	released := 0
	failed := 0
	for i := range expired {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		res := expired[i]
		outcome, errRelease := r.manager.Release(ctx, &res)
		if errRelease != nil {
			failed++
			log.WithError(errRelease).WithFields(log.Fields{
				"community":   res.CommunityID,
				"reservation": res.ID,
			}).Warn("budget reaper: release failed")
			if failed*2 > len(expired) {
				r.metrics.ObserveReapAbort()
				log.WithFields(log.Fields{
					"failed":    failed,
					"batch":     len(expired),
					"remaining": len(expired) - i - 1,
				}).Error("budget reaper: majority of releases failing, aborting pass")
				return released, ErrReapAborted
			}
			continue
		}
		if outcome.Released {
			released++
			log.WithFields(log.Fields{
				"community":   res.CommunityID,
				"reservation": res.ID,
				"estimate":    res.EstimatedCents,
			}).Info("budget reaper: reclaimed expired reservation")
		}
	}

	r.metrics.ObserveReap(released)
	return released, nil
}
