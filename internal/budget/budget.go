// Package budget implements the two-counter spend ledger: atomic
// reservation against a community's budget cap, exactly-once
// finalization, and reclamation of expired reservations.
package budget

import (
	"context"
	"errors"
	"time"
)

// Ledger errors surfaced to callers.
var (
	// ErrBudgetExceeded indicates a reservation would break the cap.
	ErrBudgetExceeded = errors.New("budget: budget exceeded")
)

// Reservation is a time-bounded hold against a community's budget.
type Reservation struct {
	ID             string    `json:"id"`
	CommunityID    string    `json:"community_id"`
	UserID         string    `json:"user_id"`
	Period         string    `json:"period"`
	EstimatedCents int64     `json:"estimated_cents"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Ledger is a point-in-time view of one community's period counters.
type Ledger struct {
	CommittedCents int64 `json:"committed_cents"`
	ReservedCents  int64 `json:"reserved_cents"`
}

// ReserveOutcome is the result of an atomic reserve.
type ReserveOutcome struct {
	// Exceeded is set when the cap check failed; nothing was mutated.
	Exceeded bool
	// Existing holds the prior reservation on an idempotent replay.
	Existing *Reservation
}

// FinalizeOutcome is the result of an atomic finalize.
type FinalizeOutcome struct {
	// AlreadyFinalized is set when the idempotency key was settled
	// before; ActualCents then carries the original charge.
	AlreadyFinalized bool
	// Late is set when the reservation had already been reclaimed;
	// the actual cost was still committed in full.
	Late bool
	// DriftCents is the clamp magnitude when the reserved counter
	// would have gone negative.
	DriftCents  int64
	ActualCents int64
}

// ReleaseOutcome is the result of an atomic release.
type ReleaseOutcome struct {
	// Released is false when the reservation record was already gone,
	// meaning a concurrent finalize won.
	Released   bool
	DriftCents int64
}

// Store is the shared atomic ledger backend. Every method is a single
// atomic operation: no partial state is ever visible to another caller.
type Store interface {
	// Reserve checks committed+reserved+estimate against the cap and,
	// when it fits, records the reservation and bumps reserved. A
	// replayed idempotency key returns the existing reservation.
	Reserve(ctx context.Context, res Reservation, limitCents int64) (ReserveOutcome, error)

	// Finalize converts a reservation into committed spend: reserved
	// drops by the original estimate (clamped at zero) and committed
	// grows by the actual cost. Idempotent per key. A reservation that
	// was already reclaimed is still charged in full.
	Finalize(ctx context.Context, res Reservation, actualCents int64) (FinalizeOutcome, error)

	// Release returns a reservation's estimate to the pool. A no-op
	// when the reservation record is already gone.
	Release(ctx context.Context, res Reservation) (ReleaseOutcome, error)

	// Expired lists reservations past their expiry, up to limit.
	Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	// Snapshot reads a community's period counters.
	Snapshot(ctx context.Context, communityID, period string) (Ledger, error)
}

// PeriodOf formats the billing period a timestamp falls into.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
