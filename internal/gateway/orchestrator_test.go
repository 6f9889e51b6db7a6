package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/communityforge/inference-gateway/internal/backend"
	"github.com/communityforge/inference-gateway/internal/budget"
	"github.com/communityforge/inference-gateway/internal/budgetcfg"
	"github.com/communityforge/inference-gateway/internal/config"
	"github.com/communityforge/inference-gateway/internal/models"
	"github.com/communityforge/inference-gateway/internal/pricing"
	"github.com/communityforge/inference-gateway/internal/ratelimit"
	"github.com/communityforge/inference-gateway/internal/store/memstore"
)

// fakeCaller scripts backend behavior per test.
type fakeCaller struct {
	completeFn func(req backend.Request) (*backend.Response, error)
	streamFn   func(req backend.Request, onChunk func(backend.Chunk) error) (*backend.Response, error)
}

func (f *fakeCaller) Complete(ctx context.Context, req backend.Request) (*backend.Response, error) {
	if f.completeFn == nil {
		return &backend.Response{Content: "ok", PromptTokens: 100, CompletionTokens: 200}, nil
	}
	return f.completeFn(req)
}

func (f *fakeCaller) Stream(ctx context.Context, req backend.Request, onChunk func(backend.Chunk) error) (*backend.Response, error) {
	if f.streamFn == nil {
		return nil, errors.New("stream not scripted")
	}
	return f.streamFn(req, onChunk)
}

// harness wires an orchestrator over in-memory stores and a scripted
// backend.
type harness struct {
	orch    *Orchestrator
	ledger  *budget.Manager
	tracker *StreamTracker
	db      *gorm.DB
	caller  *fakeCaller
	now     *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Community{}, &models.UsageRecord{}, &models.DriftEvent{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	h := &harness{db: conn, caller: &fakeCaller{}, now: &now}
	clock := func() time.Time { return *h.now }

	store := memstore.NewLedger()
	h.ledger = budget.NewManager(store, 5*time.Minute, nil, budget.WithManagerClock(clock))

	recorder := NewRecorder(conn)
	h.tracker = NewStreamTracker(h.ledger, recorder, nil, 2*time.Minute, time.Minute, WithTrackerClock(clock))

	counters := memstore.WithCountersClock(memstore.NewCounters(), clock)
	limiter := ratelimit.NewLimiter(counters)

	provider := budgetcfg.NewProvider(conn, 5000, time.Minute, budgetcfg.WithProviderClock(clock))

	cfg := config.Default()
	h.orch = NewOrchestrator(provider, limiter, h.ledger, h.caller, nil, recorder, h.tracker, nil, cfg.ClassFor, WithOrchestratorClock(clock))
	return h
}

func (h *harness) seedCommunity(t *testing.T, tier string, budgetCents int64) {
	t.Helper()
	row := models.Community{ID: "guild-1", Tier: tier, MonthlyBudgetCents: budgetCents}
	if err := h.db.Create(&row).Error; err != nil {
		t.Fatalf("seed community: %v", err)
	}
}

func testIdentity() Identity {
	return Identity{UserID: "user-1", CommunityID: "guild-1", ChannelID: "chan-1", Tier: "pro", TraceID: "trace-1"}
}

func TestRunFinalizesAndRecords(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "pro", 100000)
	ctx := context.Background()

	outcome, rejection, errRun := h.orch.Run(ctx, testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "hello world", MaxTokens: 256, IdempotencyKey: "req-1",
	})
	if rejection != nil || errRun != nil {
		t.Fatalf("run failed: rejection=%+v err=%v", rejection, errRun)
	}
	if outcome.Content != "ok" || outcome.ActualCents <= 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	snap, _ := h.ledger.Snapshot(ctx, "guild-1")
	if snap.ReservedCents != 0 {
		t.Fatalf("reservation not settled: %+v", snap)
	}
	if snap.CommittedCents != outcome.ActualCents {
		t.Fatalf("committed %d, outcome says %d", snap.CommittedCents, outcome.ActualCents)
	}

	var record models.UsageRecord
	if err := h.db.First(&record, "idempotency_key = ?", "req-1").Error; err != nil {
		t.Fatalf("usage record missing: %v", err)
	}
	if record.ActualCostCents != outcome.ActualCents || record.Failed {
		t.Fatalf("bad usage record: %+v", record)
	}
}

func TestRunRejectsModelOutsideTier(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "free", 100000)

	_, rejection, errRun := h.orch.Run(context.Background(), testIdentity(), InferenceRequest{
		Model: "ensemble", Prompt: "hi", IdempotencyKey: "req-1",
	})
	if errRun != nil {
		t.Fatalf("unexpected error: %v", errRun)
	}
	if rejection == nil || rejection.Kind != RejectModelNotAllowed {
		t.Fatalf("expected model rejection, got %+v", rejection)
	}
}

func TestRunRejectsOnBurstLimit(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "free", 100000)
	ctx := context.Background()

	// Default restricted class allows 3 per burst window.
	for i := 0; i < 3; i++ {
		req := InferenceRequest{Model: "standard", Prompt: "hi", IdempotencyKey: "req-" + string(rune('a'+i))}
		if _, rejection, err := h.orch.Run(ctx, testIdentity(), req); rejection != nil || err != nil {
			t.Fatalf("request %d failed: rejection=%+v err=%v", i, rejection, err)
		}
	}

	_, rejection, errRun := h.orch.Run(ctx, testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "hi", IdempotencyKey: "req-z",
	})
	if errRun != nil {
		t.Fatalf("unexpected error: %v", errRun)
	}
	if rejection == nil || rejection.Kind != RejectRateLimited || rejection.Dimension != string(ratelimit.DimensionBurst) {
		t.Fatalf("expected burst rejection, got %+v", rejection)
	}
	if rejection.RetryAfter <= 0 {
		t.Fatalf("missing retry-after: %+v", rejection)
	}

	// Rejection must leave the ledger untouched.
	snap, _ := h.ledger.Snapshot(ctx, "guild-1")
	if snap.ReservedCents != 0 {
		t.Fatalf("rejected request reserved budget: %+v", snap)
	}
}

func TestRunRejectsOverBudget(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "pro", 1)

	_, rejection, errRun := h.orch.Run(context.Background(), testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "a long prompt that certainly estimates above one cent",
		MaxTokens: 4096, IdempotencyKey: "req-1",
	})
	if errRun != nil {
		t.Fatalf("unexpected error: %v", errRun)
	}
	if rejection == nil || rejection.Kind != RejectBudgetExceeded {
		t.Fatalf("expected budget rejection, got %+v", rejection)
	}
}

func TestBackendFailureSettlesWithZeroCost(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "pro", 100000)
	h.caller.completeFn = func(req backend.Request) (*backend.Response, error) {
		return nil, backend.ErrUpstreamUnavailable
	}
	ctx := context.Background()

	_, rejection, errRun := h.orch.Run(ctx, testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "hi", IdempotencyKey: "req-1",
	})
	if rejection != nil {
		t.Fatalf("unexpected rejection: %+v", rejection)
	}
	if !errors.Is(errRun, backend.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", errRun)
	}

	// Finalized at zero: nothing committed, nothing left reserved.
	snap, _ := h.ledger.Snapshot(ctx, "guild-1")
	if snap.CommittedCents != 0 || snap.ReservedCents != 0 {
		t.Fatalf("failure not settled cleanly: %+v", snap)
	}

	var record models.UsageRecord
	if err := h.db.First(&record, "idempotency_key = ?", "req-1").Error; err != nil {
		t.Fatalf("usage record missing: %v", err)
	}
	if !record.Failed {
		t.Fatalf("failure flag not set: %+v", record)
	}
}

func TestRunStreamFinalizesActualCost(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "pro", 100000)
	h.caller.streamFn = func(req backend.Request, onChunk func(backend.Chunk) error) (*backend.Response, error) {
		chunks := []backend.Chunk{
			{Delta: "hel", PromptTokens: 50, CompletionTokens: 3},
			{Delta: "lo", CompletionTokens: 5},
			{Done: true, CompletionTokens: 5},
		}
		for _, chunk := range chunks {
			if err := onChunk(chunk); err != nil {
				return nil, err
			}
		}
		return &backend.Response{Content: "hello", PromptTokens: 50, CompletionTokens: 5}, nil
	}
	ctx := context.Background()

	var deltas []string
	outcome, rejection, errRun := h.orch.RunStream(ctx, testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "hi", Stream: true, IdempotencyKey: "req-1",
	}, func(chunk backend.Chunk) error {
		if chunk.Delta != "" {
			deltas = append(deltas, chunk.Delta)
		}
		return nil
	})
	if rejection != nil || errRun != nil {
		t.Fatalf("stream failed: rejection=%+v err=%v", rejection, errRun)
	}
	if len(deltas) != 2 {
		t.Fatalf("chunks not forwarded: %v", deltas)
	}
	if outcome.CompletionTokens != 5 || outcome.ActualCents <= 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	snap, _ := h.ledger.Snapshot(ctx, "guild-1")
	if snap.ReservedCents != 0 || snap.CommittedCents != outcome.ActualCents {
		t.Fatalf("stream not settled: %+v", snap)
	}

	// Settled streams leave the tracker.
	if _, owned := h.tracker.Claim(outcome.ReservationID); owned {
		t.Fatal("stream still tracked after settlement")
	}
}

func TestRunStreamBuffersMultiCallPlans(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "premium", 100000)

	var final []backend.Chunk
	outcome, rejection, errRun := h.orch.RunStream(context.Background(), testIdentity(), InferenceRequest{
		Model: "consensus", Prompt: "hi", Stream: true, IdempotencyKey: "req-1",
	}, func(chunk backend.Chunk) error {
		final = append(final, chunk)
		return nil
	})
	if rejection != nil || errRun != nil {
		t.Fatalf("stream failed: rejection=%+v err=%v", rejection, errRun)
	}
	if len(final) != 1 || !final[0].Done || final[0].Delta != outcome.Content {
		t.Fatalf("expected one terminal chunk, got %+v", final)
	}
	if outcome.Strategy != "consensus" {
		t.Fatalf("unexpected strategy: %s", outcome.Strategy)
	}
}

func TestStreamSweepSettlesAbandoned(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "pro", 100000)
	ctx := context.Background()

	// A stream that dies mid-flight without its handler settling it.
	reservation, errReserve := h.ledger.Reserve(ctx, "guild-1", "user-1", 100000, 500, "req-1")
	if errReserve != nil {
		t.Fatalf("reserve failed: %v", errReserve)
	}
	stream := &ActiveStream{
		Reservation: reservation,
		Identity:    testIdentity(),
		Alias:       "standard",
		Model:       "inference-base",
		Prices:      pricing.NewTable(nil),
	}
	h.tracker.Register(stream)
	stream.Touch(1000, 500, *h.now)

	*h.now = h.now.Add(3 * time.Minute)
	if settled := h.tracker.Sweep(ctx); settled != 1 {
		t.Fatalf("swept %d streams, expected 1", settled)
	}

	snap, _ := h.ledger.Snapshot(ctx, "guild-1")
	if snap.ReservedCents != 0 {
		t.Fatalf("abandoned stream left a reservation: %+v", snap)
	}
	if snap.CommittedCents <= 0 {
		t.Fatalf("partial cost not committed: %+v", snap)
	}

	var record models.UsageRecord
	if err := h.db.First(&record, "idempotency_key = ?", "req-1").Error; err != nil {
		t.Fatalf("usage record missing: %v", err)
	}
	if !record.Failed || record.CompletionTokens != 500 {
		t.Fatalf("bad reconciliation record: %+v", record)
	}
}

func TestRunRejectsOverConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "free", 100000)
	ctx := context.Background()

	// Free tier allows one in-flight request per community.
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	h.caller.completeFn = func(req backend.Request) (*backend.Response, error) {
		started <- struct{}{}
		<-block
		return &backend.Response{Content: "ok", PromptTokens: 10, CompletionTokens: 10}, nil
	}

	firstDone := make(chan error, 1)
	go func() {
		_, _, errRun := h.orch.Run(ctx, testIdentity(), InferenceRequest{
			Model: "standard", Prompt: "hi", IdempotencyKey: "req-1",
		})
		firstDone <- errRun
	}()
	<-started

	_, rejection, errSecond := h.orch.Run(ctx, testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "hi", IdempotencyKey: "req-2",
	})
	if errSecond != nil {
		t.Fatalf("second run errored: %v", errSecond)
	}
	if rejection == nil || rejection.Kind != RejectRateLimited || rejection.Dimension != "concurrency" {
		t.Fatalf("expected concurrency rejection, got %+v", rejection)
	}

	close(block)
	if errFirst := <-firstDone; errFirst != nil {
		t.Fatalf("first run failed: %v", errFirst)
	}

	// The slot frees when the request settles.
	outcome, rejection, errThird := h.orch.Run(ctx, testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "hi", IdempotencyKey: "req-3",
	})
	if errThird != nil || rejection != nil {
		t.Fatalf("third run not admitted: rejection=%+v err=%v", rejection, errThird)
	}
	if outcome == nil {
		t.Fatal("third run returned no outcome")
	}
}

func TestReportUsageRefreshesCommunityConfig(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "pro", 100000)
	ctx := context.Background()

	// Prime the settings cache with the generous budget.
	if _, rejection, errRun := h.orch.Run(ctx, testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "hello", MaxTokens: 256, IdempotencyKey: "req-1",
	}); errRun != nil || rejection != nil {
		t.Fatalf("prime run: rejection=%+v err=%v", rejection, errRun)
	}

	if err := h.db.Model(&models.Community{}).Where("id = ?", "guild-1").
		Update("monthly_budget_cents", 1).Error; err != nil {
		t.Fatalf("shrink budget: %v", err)
	}

	report := UsageReport{IdempotencyKey: "rep-1", Model: "inference-base", CostCents: 5}
	if _, errReport := h.orch.ReportUsage(ctx, testIdentity(), report); errReport != nil {
		t.Fatalf("report: %v", errReport)
	}

	// The report dropped the cached config, so the next admission sees
	// the shrunken budget even though the cache TTL has not elapsed.
	_, rejection, errRun := h.orch.Run(ctx, testIdentity(), InferenceRequest{
		Model: "standard", Prompt: "hello again", MaxTokens: 256, IdempotencyKey: "req-2",
	})
	if errRun != nil {
		t.Fatalf("second run errored: %v", errRun)
	}
	if rejection == nil || rejection.Kind != RejectBudgetExceeded {
		t.Fatalf("expected budget rejection after config refresh, got %+v", rejection)
	}
}

func TestReportUsageCommitsOnce(t *testing.T) {
	h := newHarness(t)
	h.seedCommunity(t, "pro", 100000)
	ctx := context.Background()

	report := UsageReport{IdempotencyKey: "rep-1", Model: "inference-base", PromptTokens: 1000, CompletionTokens: 1000}
	first, errFirst := h.orch.ReportUsage(ctx, testIdentity(), report)
	if errFirst != nil {
		t.Fatalf("report failed: %v", errFirst)
	}
	if first.ActualCents != 8 {
		t.Fatalf("cost = %d, expected 8", first.ActualCents)
	}

	second, errSecond := h.orch.ReportUsage(ctx, testIdentity(), report)
	if errSecond != nil {
		t.Fatalf("replay failed: %v", errSecond)
	}
	if second.ActualCents != 8 {
		t.Fatalf("replay cost = %d", second.ActualCents)
	}

	snap, _ := h.ledger.Snapshot(ctx, "guild-1")
	if snap.CommittedCents != 8 {
		t.Fatalf("double commit: %+v", snap)
	}
}
