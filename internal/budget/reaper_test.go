package budget_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/communityforge/inference-gateway/internal/budget"
	"github.com/communityforge/inference-gateway/internal/store/memstore"
)

func TestReaperSweepReclaimsOnlyExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, store := newTestManager(t, &now)
	ctx := context.Background()

	if _, err := manager.Reserve(ctx, "guild-1", "user-1", 100000, 3000, "req-old"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	now = now.Add(3 * time.Minute)
	if _, err := manager.Reserve(ctx, "guild-1", "user-2", 100000, 2000, "req-fresh"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Past the first reservation's TTL, not the second's.
	now = now.Add(3 * time.Minute)
	reaper := budget.NewReaper(manager, store, time.Minute, nil,
		budget.WithReaperClock(func() time.Time { return now }))

	released, errSweep := reaper.Sweep(ctx)
	if errSweep != nil {
		t.Fatalf("sweep failed: %v", errSweep)
	}
	if released != 1 {
		t.Fatalf("released %d, expected 1", released)
	}

	snap, _ := manager.Snapshot(ctx, "guild-1")
	if snap.ReservedCents != 2000 {
		t.Fatalf("fresh reservation disturbed: %+v", snap)
	}

	// Reaped hold is gone; the same budget is reservable again.
	if _, err := manager.Reserve(ctx, "guild-1", "user-3", 5000, 3000, "req-new"); err != nil {
		t.Fatalf("budget not returned after reap: %v", err)
	}
}

func TestReaperSweepEmptyQueue(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	manager, store := newTestManager(t, &now)

	reaper := budget.NewReaper(manager, store, time.Minute, nil,
		budget.WithReaperClock(func() time.Time { return now }))
	released, errSweep := reaper.Sweep(context.Background())
	if errSweep != nil || released != 0 {
		t.Fatalf("empty sweep: released=%d err=%v", released, errSweep)
	}
}

// failingStore wraps a real store and fails every Release.
type failingStore struct {
	budget.Store
}

func (f *failingStore) Release(ctx context.Context, res budget.Reservation) (budget.ReleaseOutcome, error) {
	return budget.ReleaseOutcome{}, errors.New("store down")
}

func TestReaperAbortsWhenMajorityFail(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	inner := memstore.NewLedger()
	broken := &failingStore{Store: inner}
	manager := budget.NewManager(broken, 5*time.Minute, nil,
		budget.WithManagerClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := manager.Reserve(ctx, "guild-1", "user", 100000, 100, fmt.Sprintf("req-%d", i)); err != nil {
			t.Fatalf("reserve failed: %v", err)
		}
	}

	now = now.Add(10 * time.Minute)
	reaper := budget.NewReaper(manager, broken, time.Minute, nil,
		budget.WithReaperClock(func() time.Time { return now }))

	released, errSweep := reaper.Sweep(ctx)
	if !errors.Is(errSweep, budget.ErrReapAborted) {
		t.Fatalf("expected ErrReapAborted, got %v", errSweep)
	}
	if released != 0 {
		t.Fatalf("released %d from a failing store", released)
	}
}
