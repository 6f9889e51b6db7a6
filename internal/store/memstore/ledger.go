// Package memstore provides in-process implementations of the shared
// atomic store interfaces. Every operation holds one mutex for its
// whole read-check-write, giving the same atomicity as the Redis
// scripts for a single gateway instance, and a network-free backend
// for tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/communityforge/inference-gateway/internal/budget"
)

// ledgerEntry is one community+period counter pair.
type ledgerEntry struct {
	committed int64
	reserved  int64
}

// Ledger is an in-memory budget.Store.
type Ledger struct {
	mu           sync.Mutex
	ledgers      map[string]*ledgerEntry
	reservations map[string]budget.Reservation
	idemToResv   map[string]string
	settled      map[string]int64 // idempotency key -> actual cents
}

// NewLedger constructs an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		ledgers:      map[string]*ledgerEntry{},
		reservations: map[string]budget.Reservation{},
		idemToResv:   map[string]string{},
		settled:      map[string]int64{},
	}
}

func ledgerKey(communityID, period string) string {
	return communityID + "|" + period
}

// idemKey scopes an idempotency key to its community, matching the
// Redis store's idem:* key layout. Keys are only unique per community,
// so two tenants reusing the same key must never collide.
func idemKey(communityID, key string) string {
	return communityID + "|" + key
}

func (l *Ledger) entry(communityID, period string) *ledgerEntry {
	key := ledgerKey(communityID, period)
	entry, ok := l.ledgers[key]
	if !ok {
		entry = &ledgerEntry{}
		l.ledgers[key] = entry
	}
	return entry
}

// Reserve implements budget.Store.
func (l *Ledger) Reserve(ctx context.Context, res budget.Reservation, limitCents int64) (budget.ReserveOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if resvID, ok := l.idemToResv[idemKey(res.CommunityID, res.IdempotencyKey)]; ok {
		if existing, live := l.reservations[resvID]; live {
			return budget.ReserveOutcome{Existing: &existing}, nil
		}
	}

	entry := l.entry(res.CommunityID, res.Period)
	if entry.committed+entry.reserved+res.EstimatedCents > limitCents {
		return budget.ReserveOutcome{Exceeded: true}, nil
	}

	entry.reserved += res.EstimatedCents
	l.reservations[res.ID] = res
	l.idemToResv[idemKey(res.CommunityID, res.IdempotencyKey)] = res.ID
	return budget.ReserveOutcome{}, nil
}

// Finalize implements budget.Store.
func (l *Ledger) Finalize(ctx context.Context, res budget.Reservation, actualCents int64) (budget.FinalizeOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prior, ok := l.settled[idemKey(res.CommunityID, res.IdempotencyKey)]; ok {
		// A reserve replayed after settlement minted a fresh hold for
		// the same key; drop it so the retry is budget-neutral.
		l.dropReservation(res.ID)
		return budget.FinalizeOutcome{AlreadyFinalized: true, ActualCents: prior}, nil
	}

	entry := l.entry(res.CommunityID, res.Period)
	outcome := budget.FinalizeOutcome{ActualCents: actualCents}

	stored, live := l.reservations[res.ID]
	if live {
		dec := stored.EstimatedCents
		if dec > entry.reserved {
			outcome.DriftCents = dec - entry.reserved
			dec = entry.reserved
		}
		entry.reserved -= dec
		delete(l.reservations, res.ID)
		delete(l.idemToResv, idemKey(stored.CommunityID, stored.IdempotencyKey))
	} else {
		// Reclaimed before finalize: charge anyway, flag as late.
		outcome.Late = true
	}

	entry.committed += actualCents
	l.settled[idemKey(res.CommunityID, res.IdempotencyKey)] = actualCents
	return outcome, nil
}

// dropReservation returns a live reservation's estimate to the pool.
// Caller holds the mutex.
func (l *Ledger) dropReservation(id string) {
	stored, live := l.reservations[id]
	if !live {
		return
	}
	entry := l.entry(stored.CommunityID, stored.Period)
	dec := stored.EstimatedCents
	if dec > entry.reserved {
		dec = entry.reserved
	}
	entry.reserved -= dec
	delete(l.reservations, id)
	delete(l.idemToResv, idemKey(stored.CommunityID, stored.IdempotencyKey))
}

// Release implements budget.Store.
func (l *Ledger) Release(ctx context.Context, res budget.Reservation) (budget.ReleaseOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, live := l.reservations[res.ID]
	if !live {
		return budget.ReleaseOutcome{}, nil
	}

	entry := l.entry(stored.CommunityID, stored.Period)
	outcome := budget.ReleaseOutcome{Released: true}
	dec := stored.EstimatedCents
	if dec > entry.reserved {
		outcome.DriftCents = dec - entry.reserved
		dec = entry.reserved
	}
	entry.reserved -= dec
	delete(l.reservations, res.ID)
	delete(l.idemToResv, idemKey(stored.CommunityID, stored.IdempotencyKey))
	return outcome, nil
}

// Expired implements budget.Store.
func (l *Ledger) Expired(ctx context.Context, now time.Time, limit int) ([]budget.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []budget.Reservation
	for _, res := range l.reservations {
		if now.Before(res.ExpiresAt) {
			continue
		}
		expired = append(expired, res)
		if len(expired) >= limit {
			break
		}
	}
	return expired, nil
}

// Snapshot implements budget.Store.
func (l *Ledger) Snapshot(ctx context.Context, communityID, period string) (budget.Ledger, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ledgers[ledgerKey(communityID, period)]
	if !ok {
		return budget.Ledger{}, nil
	}
	return budget.Ledger{CommittedCents: entry.committed, ReservedCents: entry.reserved}, nil
}
