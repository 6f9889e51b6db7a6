package budget_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/communityforge/inference-gateway/internal/budget"
	"github.com/communityforge/inference-gateway/internal/store/memstore"
)

func newTestManager(t *testing.T, now *time.Time) (*budget.Manager, *memstore.Ledger) {
	t.Helper()
	store := memstore.NewLedger()
	manager := budget.NewManager(store, 5*time.Minute, nil,
		budget.WithManagerClock(func() time.Time { return *now }))
	return manager, store
}

func TestReserveFinalizeCycle(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	first, errFirst := manager.Reserve(ctx, "guild-1", "user-1", 10000, 3000, "req-1")
	if errFirst != nil {
		t.Fatalf("first reserve failed: %v", errFirst)
	}

	if _, errSecond := manager.Reserve(ctx, "guild-1", "user-2", 10000, 8000, "req-2"); !errors.Is(errSecond, budget.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", errSecond)
	}

	outcome, errFinalize := manager.Finalize(ctx, first, 2500)
	if errFinalize != nil {
		t.Fatalf("finalize failed: %v", errFinalize)
	}
	if outcome.AlreadyFinalized || outcome.Late || outcome.DriftCents != 0 {
		t.Fatalf("unexpected finalize outcome: %+v", outcome)
	}

	if _, errThird := manager.Reserve(ctx, "guild-1", "user-2", 10000, 7000, "req-3"); errThird != nil {
		t.Fatalf("reserve after finalize should fit: %v", errThird)
	}

	snap, errSnap := manager.Snapshot(ctx, "guild-1")
	if errSnap != nil {
		t.Fatalf("snapshot failed: %v", errSnap)
	}
	if snap.CommittedCents != 2500 || snap.ReservedCents != 7000 {
		t.Fatalf("unexpected ledger: %+v", snap)
	}
}

func TestReserveIdempotentReplay(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	first, errFirst := manager.Reserve(ctx, "guild-1", "user-1", 10000, 3000, "req-1")
	if errFirst != nil {
		t.Fatalf("reserve failed: %v", errFirst)
	}
	replay, errReplay := manager.Reserve(ctx, "guild-1", "user-1", 10000, 3000, "req-1")
	if errReplay != nil {
		t.Fatalf("replay failed: %v", errReplay)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay returned a new reservation: %s vs %s", replay.ID, first.ID)
	}

	snap, _ := manager.Snapshot(ctx, "guild-1")
	if snap.ReservedCents != 3000 {
		t.Fatalf("replay double-reserved: %+v", snap)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	res, _ := manager.Reserve(ctx, "guild-1", "user-1", 10000, 3000, "req-1")
	if _, errFirst := manager.Finalize(ctx, res, 2000); errFirst != nil {
		t.Fatalf("first finalize failed: %v", errFirst)
	}

	second, errSecond := manager.Finalize(ctx, res, 2000)
	if errSecond != nil {
		t.Fatalf("second finalize failed: %v", errSecond)
	}
	if !second.AlreadyFinalized || second.ActualCents != 2000 {
		t.Fatalf("expected settled replay, got %+v", second)
	}

	snap, _ := manager.Snapshot(ctx, "guild-1")
	if snap.CommittedCents != 2000 || snap.ReservedCents != 0 {
		t.Fatalf("double charge: %+v", snap)
	}
}

func TestLateFinalizeStillCharges(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	res, _ := manager.Reserve(ctx, "guild-1", "user-1", 10000, 3000, "req-1")

	released, errRelease := manager.Release(ctx, res)
	if errRelease != nil || !released.Released {
		t.Fatalf("release failed: %v %+v", errRelease, released)
	}

	outcome, errFinalize := manager.Finalize(ctx, res, 1800)
	if errFinalize != nil {
		t.Fatalf("late finalize failed: %v", errFinalize)
	}
	if !outcome.Late {
		t.Fatalf("expected late finalize, got %+v", outcome)
	}

	snap, _ := manager.Snapshot(ctx, "guild-1")
	if snap.CommittedCents != 1800 || snap.ReservedCents != 0 {
		t.Fatalf("late finalize ledger wrong: %+v", snap)
	}
}

func TestReleaseAfterFinalizeIsNoop(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	res, _ := manager.Reserve(ctx, "guild-1", "user-1", 10000, 3000, "req-1")
	if _, err := manager.Finalize(ctx, res, 2000); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	outcome, errRelease := manager.Release(ctx, res)
	if errRelease != nil {
		t.Fatalf("release errored: %v", errRelease)
	}
	if outcome.Released {
		t.Fatal("release after finalize should be a no-op")
	}

	snap, _ := manager.Snapshot(ctx, "guild-1")
	if snap.CommittedCents != 2000 || snap.ReservedCents != 0 {
		t.Fatalf("ledger drifted: %+v", snap)
	}
}

// TestConcurrentReservesNeverBreachCap hammers one community from many
// goroutines and checks the cap invariant afterwards.
func TestConcurrentReservesNeverBreachCap(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	const (
		limit    = 10000
		estimate = 700
		workers  = 40
	)

	var wg sync.WaitGroup
	admitted := make(chan *budget.Reservation, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := manager.Reserve(ctx, "guild-1", "user", limit, estimate, fmt.Sprintf("req-%d", i))
			if err == nil {
				admitted <- res
			} else if !errors.Is(err, budget.ErrBudgetExceeded) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(admitted)

	var count int
	for res := range admitted {
		count++
		if _, err := manager.Finalize(ctx, res, estimate); err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
	}
	if count == 0 || int64(count)*estimate > limit {
		t.Fatalf("admitted %d reservations against limit %d", count, limit)
	}

	snap, _ := manager.Snapshot(ctx, "guild-1")
	if snap.ReservedCents != 0 {
		t.Fatalf("reserved not drained: %+v", snap)
	}
	if snap.CommittedCents != int64(count)*estimate {
		t.Fatalf("committed %d, expected %d", snap.CommittedCents, int64(count)*estimate)
	}
	if snap.CommittedCents+snap.ReservedCents > limit {
		t.Fatalf("cap breached: %+v", snap)
	}
}

func TestIdempotencyKeysScopedPerCommunity(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	// Deterministic keys like a message ID are only unique within a
	// community; two tenants reusing one must never collide.
	aRes, errA := manager.Reserve(ctx, "guild-a", "user-1", 10000, 1000, "msg-42")
	if errA != nil {
		t.Fatalf("guild-a reserve: %v", errA)
	}
	bRes, errB := manager.Reserve(ctx, "guild-b", "user-9", 10000, 2000, "msg-42")
	if errB != nil {
		t.Fatalf("guild-b reserve: %v", errB)
	}
	if bRes.ID == aRes.ID || bRes.CommunityID != "guild-b" {
		t.Fatalf("guild-b got guild-a's reservation: %+v", bRes)
	}

	if _, err := manager.Finalize(ctx, aRes, 800); err != nil {
		t.Fatalf("guild-a finalize: %v", err)
	}
	outcome, errFin := manager.Finalize(ctx, bRes, 1500)
	if errFin != nil {
		t.Fatalf("guild-b finalize: %v", errFin)
	}
	if outcome.AlreadyFinalized {
		t.Fatal("guild-b finalize collapsed onto guild-a's settlement")
	}

	aSnap, _ := manager.Snapshot(ctx, "guild-a")
	bSnap, _ := manager.Snapshot(ctx, "guild-b")
	if aSnap.CommittedCents != 800 || aSnap.ReservedCents != 0 {
		t.Fatalf("guild-a ledger: %+v", aSnap)
	}
	if bSnap.CommittedCents != 1500 || bSnap.ReservedCents != 0 {
		t.Fatalf("guild-b spend not committed: %+v", bSnap)
	}
}

func TestRetryAfterFinalizeIsBudgetNeutral(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	first, errFirst := manager.Reserve(ctx, "guild-1", "user-1", 10000, 3000, "req-1")
	if errFirst != nil {
		t.Fatalf("reserve: %v", errFirst)
	}
	if _, err := manager.Finalize(ctx, first, 2500); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// A full client retry replays reserve after settlement and mints a
	// fresh hold for the already-settled key.
	retry, errRetry := manager.Reserve(ctx, "guild-1", "user-1", 10000, 3000, "req-1")
	if errRetry != nil {
		t.Fatalf("retry reserve: %v", errRetry)
	}
	if retry.ID == first.ID {
		t.Fatalf("retry replayed the settled reservation: %+v", retry)
	}

	outcome, errFin := manager.Finalize(ctx, retry, 2500)
	if errFin != nil {
		t.Fatalf("retry finalize: %v", errFin)
	}
	if !outcome.AlreadyFinalized || outcome.ActualCents != 2500 {
		t.Fatalf("unexpected retry outcome: %+v", outcome)
	}

	snap, _ := manager.Snapshot(ctx, "guild-1")
	if snap.ReservedCents != 0 {
		t.Fatalf("retry hold never released: %+v", snap)
	}
	if snap.CommittedCents != 2500 {
		t.Fatalf("retry double-charged: %+v", snap)
	}
}

func TestConcurrentMixedOpsKeepPerCommunityInvariant(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now)
	ctx := context.Background()

	const (
		communities = 4
		limit       = 5000
		estimate    = 300
		perWorker   = 25
	)

	var wg sync.WaitGroup
	for c := 0; c < communities; c++ {
		community := fmt.Sprintf("guild-%d", c)
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(community string, w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					key := fmt.Sprintf("%s-w%d-req-%d", community, w, i)
					res, err := manager.Reserve(ctx, community, "user", limit, estimate, key)
					if errors.Is(err, budget.ErrBudgetExceeded) {
						continue
					}
					if err != nil {
						t.Errorf("reserve: %v", err)
						return
					}
					// Alternate settle paths so release and finalize interleave.
					if i%3 == 0 {
						if _, err := manager.Release(ctx, res); err != nil {
							t.Errorf("release: %v", err)
							return
						}
						continue
					}
					if _, err := manager.Finalize(ctx, res, estimate-100); err != nil {
						t.Errorf("finalize: %v", err)
						return
					}
				}
			}(community, w)
		}
	}
	wg.Wait()

	for c := 0; c < communities; c++ {
		community := fmt.Sprintf("guild-%d", c)
		snap, errSnap := manager.Snapshot(ctx, community)
		if errSnap != nil {
			t.Fatalf("snapshot %s: %v", community, errSnap)
		}
		if snap.ReservedCents != 0 {
			t.Fatalf("%s reserved not drained: %+v", community, snap)
		}
		if snap.CommittedCents < 0 || snap.CommittedCents > limit {
			t.Fatalf("%s ledger out of bounds: %+v", community, snap)
		}
	}
}
