package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Manager exposes the ledger operations the orchestrator drives.
type Manager struct {
	store Store
	ttl   time.Duration
	drift *DriftMonitor
	now   func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the manager clock, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a ledger manager.
func NewManager(store Store, reservationTTL time.Duration, drift *DriftMonitor, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		ttl:   reservationTTL,
		drift: drift,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve places a hold for the estimated cost against the community's
// cap. Retried calls with the same idempotency key return the existing
// reservation instead of double-reserving.
func (m *Manager) Reserve(ctx context.Context, communityID, userID string, limitCents, estimateCents int64, idempotencyKey string) (*Reservation, error) {
	now := m.now().UTC()
	res := Reservation{
		ID:             uuid.NewString(),
		CommunityID:    communityID,
		UserID:         userID,
		Period:         PeriodOf(now),
		EstimatedCents: estimateCents,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}

	outcome, errReserve := m.store.Reserve(ctx, res, limitCents)
	if errReserve != nil {
		return nil, fmt.Errorf("budget: reserve: %w", errReserve)
	}
	if outcome.Exceeded {
		return nil, ErrBudgetExceeded
	}
	if outcome.Existing != nil {
		return outcome.Existing, nil
	}
	return &res, nil
}

// Finalize settles a reservation with the actual cost, exactly once
// per idempotency key. Drift signals raised by the store are recorded.
func (m *Manager) Finalize(ctx context.Context, res *Reservation, actualCents int64) (FinalizeOutcome, error) {
	if actualCents < 0 {
		actualCents = 0
	}
	outcome, errFinalize := m.store.Finalize(ctx, *res, actualCents)
	if errFinalize != nil {
		return FinalizeOutcome{}, fmt.Errorf("budget: finalize: %w", errFinalize)
	}
	if outcome.AlreadyFinalized {
		return outcome, nil
	}
	if outcome.DriftCents > 0 {
		m.drift.Record(ctx, res.CommunityID, res.ID, DriftCauseClamp, outcome.DriftCents)
	}
	if outcome.Late {
		// Late finalize after reap: the full actual cost was committed
		// rather than silently dropped.
		m.drift.Record(ctx, res.CommunityID, res.ID, DriftCauseLateFinalize, actualCents)
		log.WithFields(log.Fields{
			"community":   res.CommunityID,
			"reservation": res.ID,
			"actual":      actualCents,
		}).Warn("budget: finalize after reservation was reclaimed")
	}
	return outcome, nil
}

// Report commits externally-computed spend that never went through a
// reservation, such as ingested usage reports. Idempotent per key; the
// missing-reservation path is expected here and raises no drift.
func (m *Manager) Report(ctx context.Context, communityID, idempotencyKey string, actualCents int64) (FinalizeOutcome, error) {
	if actualCents < 0 {
		actualCents = 0
	}
	res := Reservation{
		ID:             "report:" + idempotencyKey,
		CommunityID:    communityID,
		Period:         PeriodOf(m.now()),
		IdempotencyKey: idempotencyKey,
	}
	outcome, errFinalize := m.store.Finalize(ctx, res, actualCents)
	if errFinalize != nil {
		return FinalizeOutcome{}, fmt.Errorf("budget: report: %w", errFinalize)
	}
	return outcome, nil
}

// Release reclaims a reservation without charging anything. Used by the
// reaper; safe to race with Finalize for the same reservation.
func (m *Manager) Release(ctx context.Context, res *Reservation) (ReleaseOutcome, error) {
	outcome, errRelease := m.store.Release(ctx, *res)
	if errRelease != nil {
		return ReleaseOutcome{}, fmt.Errorf("budget: release: %w", errRelease)
	}
	if outcome.Released && outcome.DriftCents > 0 {
		m.drift.Record(ctx, res.CommunityID, res.ID, DriftCauseClamp, outcome.DriftCents)
	}
	return outcome, nil
}

// Snapshot reads a community's current-period counters.
func (m *Manager) Snapshot(ctx context.Context, communityID string) (Ledger, error) {
	return m.store.Snapshot(ctx, communityID, PeriodOf(m.now()))
}
