package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/communityforge/inference-gateway/internal/backend"
	"github.com/communityforge/inference-gateway/internal/budget"
	"github.com/communityforge/inference-gateway/internal/budgetcfg"
	"github.com/communityforge/inference-gateway/internal/byok"
	"github.com/communityforge/inference-gateway/internal/config"
	"github.com/communityforge/inference-gateway/internal/ensemble"
	"github.com/communityforge/inference-gateway/internal/metrics"
	"github.com/communityforge/inference-gateway/internal/models"
	"github.com/communityforge/inference-gateway/internal/pricing"
	"github.com/communityforge/inference-gateway/internal/ratelimit"
)

// Request lifecycle states, logged as each request advances. REJECTED
// and ABANDONED are terminal; FINALIZED is the only successful exit.
const (
	StateReceived      = "RECEIVED"
	StateAuthenticated = "AUTHENTICATED"
	StateRateChecked   = "RATE_CHECKED"
	StateReserved      = "RESERVED"
	StateExecuting     = "EXECUTING"
	StateFinalized     = "FINALIZED"
	StateRejected      = "REJECTED"
	StateAbandoned     = "ABANDONED"
)

// Identity is the authenticated caller context, extracted from token
// claims by the middleware.
type Identity struct {
	UserID      string
	CommunityID string
	ChannelID   string
	Tier        string
	TraceID     string
}

// InferenceRequest is the admission request body.
type InferenceRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	MaxTokens      int64  `json:"max_tokens,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Deployment     string `json:"deployment,omitempty"` // customer-key deployment ID
}

// Outcome is the settled result of one admitted request.
type Outcome struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	Strategy         string `json:"strategy"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	EstimatedCents   int64  `json:"estimated_cost_cents"`
	ActualCents      int64  `json:"actual_cost_cents"`
	ReservationID    string `json:"reservation_id,omitempty"`
	Source           string `json:"source"`
	Failed           bool   `json:"failed,omitempty"`
}

// Orchestrator drives a request through the admission pipeline. Every
// reserved request is finalized exactly once, with zero or partial
// cost when the backend fails.
type Orchestrator struct {
	settings *budgetcfg.Provider
	limiter  *ratelimit.Limiter
	ledger   *budget.Manager
	caller   backend.Caller
	byok     *byok.Manager
	recorder *Recorder
	tracker  *StreamTracker
	metrics  *metrics.Recorder
	classFor func(string) config.RateLimitClass
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]int
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorClock overrides the clock, for tests.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the admission pipeline. byokManager may be nil
// when customer-key routing is disabled.
func NewOrchestrator(
	settings *budgetcfg.Provider,
	limiter *ratelimit.Limiter,
	ledger *budget.Manager,
	caller backend.Caller,
	byokManager *byok.Manager,
	recorder *Recorder,
	tracker *StreamTracker,
	rec *metrics.Recorder,
	classFor func(string) config.RateLimitClass,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		settings: settings,
		limiter:  limiter,
		ledger:   ledger,
		caller:   caller,
		byok:     byokManager,
		recorder: recorder,
		tracker:  tracker,
		metrics:  rec,
		classFor: classFor,
		now:      time.Now,
		inflight: map[string]int{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// admission carries the request through the pipeline after the
// pre-cost checks passed.
type admission struct {
	identity    Identity
	request     InferenceRequest
	settings    budgetcfg.Settings
	plan        *ensemble.Plan
	reservation *budget.Reservation
	startedAt   time.Time
}

// acquireSlot admits one in-flight request for the community, bounded
// by the tier's concurrency cap. max <= 0 means uncapped.
func (o *Orchestrator) acquireSlot(communityID string, max int) bool {
	if max <= 0 {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[communityID] >= max {
		return false
	}
	o.inflight[communityID]++
	return true
}

func (o *Orchestrator) releaseSlot(communityID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[communityID] > 1 {
		o.inflight[communityID]--
	} else {
		delete(o.inflight, communityID)
	}
}

func (o *Orchestrator) trace(id Identity, state string) *log.Entry {
	return log.WithFields(log.Fields{
		"trace":     id.TraceID,
		"community": id.CommunityID,
		"user":      id.UserID,
		"state":     state,
	})
}

// admit runs the pre-cost pipeline: tier gate, concurrency slot, rate
// limit, plan expansion and budget reservation. Rejections happen
// before any backend cost is incurred. On success the caller owns the
// community's concurrency slot and must release it when done.
func (o *Orchestrator) admit(ctx context.Context, id Identity, req InferenceRequest) (*admission, *Rejection, error) {
	startedAt := o.now()
	o.trace(id, StateReceived).Debug("request received")

	settings := o.settings.For(ctx, id.CommunityID)
	if !settings.Access.Allows(req.Model) {
		o.metrics.ObserveRejection(RejectModelNotAllowed, "")
		o.trace(id, StateRejected).WithField("model", req.Model).Info("model not in tier")
		return nil, &Rejection{Kind: RejectModelNotAllowed, Detail: fmt.Sprintf("model %q not available on tier %s", req.Model, settings.Tier)}, nil
	}
	o.trace(id, StateAuthenticated).Debug("tier gate passed")

	if !o.acquireSlot(id.CommunityID, settings.Access.MaxConcurrency) {
		o.metrics.ObserveRejection(RejectRateLimited, "concurrency")
		o.trace(id, StateRejected).WithField("cap", settings.Access.MaxConcurrency).Info("concurrency cap reached")
		return nil, &Rejection{Kind: RejectRateLimited, Dimension: "concurrency"}, nil
	}

	verdict, errCheck := o.limiter.Check(ctx, ratelimit.Scope{
		CommunityID: id.CommunityID,
		UserID:      id.UserID,
		ChannelID:   id.ChannelID,
		Class:       o.classFor(settings.Access.RateLimitClass),
	})
	if errCheck != nil {
		o.releaseSlot(id.CommunityID)
		return nil, nil, errCheck
	}
	if !verdict.Allowed {
		o.releaseSlot(id.CommunityID)
		o.metrics.ObserveRejection(RejectRateLimited, string(verdict.Dimension))
		o.trace(id, StateRejected).WithField("dimension", verdict.Dimension).Info("rate limited")
		return nil, &Rejection{
			Kind:       RejectRateLimited,
			Dimension:  string(verdict.Dimension),
			RetryAfter: verdict.RetryAfter,
		}, nil
	}
	o.trace(id, StateRateChecked).Debug("rate limits passed")

	plan, errExpand := ensemble.Expand(settings.Prices, req.Model, req.Prompt, req.MaxTokens)
	if errExpand != nil {
		o.releaseSlot(id.CommunityID)
		if errors.Is(errExpand, ensemble.ErrUnknownAlias) {
			o.metrics.ObserveRejection(RejectModelNotAllowed, "")
			return nil, &Rejection{Kind: RejectModelNotAllowed, Detail: errExpand.Error()}, nil
		}
		return nil, nil, errExpand
	}

	adm := &admission{
		identity:  id,
		request:   req,
		settings:  settings,
		plan:      plan,
		startedAt: startedAt,
	}

	// Customer-key routing bypasses the shared ledger.
	if req.Deployment != "" {
		return adm, nil, nil
	}

	reservation, errReserve := o.ledger.Reserve(ctx, id.CommunityID, id.UserID, settings.LimitCents, plan.EstimatedCents, req.IdempotencyKey)
	if errors.Is(errReserve, budget.ErrBudgetExceeded) {
		o.releaseSlot(id.CommunityID)
		o.metrics.ObserveRejection(RejectBudgetExceeded, "")
		o.trace(id, StateRejected).WithField("estimate", plan.EstimatedCents).Info("budget exceeded")
		return nil, &Rejection{Kind: RejectBudgetExceeded}, nil
	}
	if errReserve != nil {
		o.releaseSlot(id.CommunityID)
		return nil, nil, errReserve
	}
	adm.reservation = reservation
	o.trace(id, StateReserved).WithFields(log.Fields{
		"reservation": reservation.ID,
		"estimate":    plan.EstimatedCents,
	}).Debug("budget reserved")
	return adm, nil, nil
}

// Run drives a buffered (non-streaming) request end to end.
func (o *Orchestrator) Run(ctx context.Context, id Identity, req InferenceRequest) (*Outcome, *Rejection, error) {
	adm, rejection, errAdmit := o.admit(ctx, id, req)
	if rejection != nil || errAdmit != nil {
		return nil, rejection, errAdmit
	}
	defer o.releaseSlot(id.CommunityID)
	if req.Deployment != "" {
		return o.runBYOK(ctx, adm)
	}

	o.trace(id, StateExecuting).Debug("executing plan")
	result, errExecute := ensemble.Execute(ctx, o.caller, adm.plan, req.Prompt)
	return o.settle(ctx, adm, result, errExecute)
}

// settle finalizes the reservation exactly once, pricing whatever
// tokens were actually produced, and writes the usage record. Called
// on success and on backend failure alike.
func (o *Orchestrator) settle(ctx context.Context, adm *admission, result *ensemble.Result, execErr error) (*Outcome, *Rejection, error) {
	var actualCents int64
	var promptTokens, completionTokens int64
	var content string
	if result != nil {
		actualCents = result.ActualCost(adm.settings.Prices)
		promptTokens = result.PromptTokens()
		completionTokens = result.CompletionTokens()
		content = result.Content
	}

	if _, errFinalize := o.ledger.Finalize(ctx, adm.reservation, actualCents); errFinalize != nil {
		// The reservation stays for the reaper; the request itself
		// still reports the execution result.
		o.trace(adm.identity, StateAbandoned).WithError(errFinalize).Error("finalize failed")
		if execErr != nil {
			return nil, nil, execErr
		}
		return nil, nil, errFinalize
	}

	outcome := &Outcome{
		Content:          content,
		Model:            adm.request.Model,
		Strategy:         adm.plan.Strategy,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		EstimatedCents:   adm.plan.EstimatedCents,
		ActualCents:      actualCents,
		ReservationID:    adm.reservation.ID,
		Source:           "gateway",
		Failed:           execErr != nil,
	}
	o.record(ctx, adm, outcome, execErr)
	o.observe(adm, outcome, execErr)

	if execErr != nil {
		o.trace(adm.identity, StateFinalized).WithError(execErr).WithField("partial", actualCents).
			Warn("backend failed, settled with partial cost")
		return nil, nil, execErr
	}
	o.trace(adm.identity, StateFinalized).WithField("actual", actualCents).Debug("request finalized")
	return outcome, nil, nil
}

func (o *Orchestrator) record(ctx context.Context, adm *admission, outcome *Outcome, execErr error) {
	detail := map[string]any{"strategy": adm.plan.Strategy}
	if execErr != nil {
		detail["error"] = execErr.Error()
	}
	raw, _ := json.Marshal(detail)

	reservationID := ""
	if adm.reservation != nil {
		reservationID = adm.reservation.ID
	}
	record := &models.UsageRecord{
		IdempotencyKey:     adm.request.IdempotencyKey,
		CommunityID:        adm.identity.CommunityID,
		UserID:             adm.identity.UserID,
		ReservationID:      reservationID,
		ModelAlias:         adm.request.Model,
		Source:             outcome.Source,
		TraceID:            adm.identity.TraceID,
		PromptTokens:       outcome.PromptTokens,
		CompletionTokens:   outcome.CompletionTokens,
		EstimatedCostCents: outcome.EstimatedCents,
		ActualCostCents:    outcome.ActualCents,
		Failed:             outcome.Failed,
		Detail:             datatypes.JSON(raw),
		RequestedAt:        adm.startedAt,
	}
	if errRecord := o.recorder.Record(ctx, record); errRecord != nil {
		log.WithError(errRecord).Error("gateway: usage record write failed")
	}
}

func (o *Orchestrator) observe(adm *admission, outcome *Outcome, execErr error) {
	o.metrics.ObserveAdmission(adm.identity.CommunityID, adm.request.Model)
	result := "ok"
	if execErr != nil {
		result = "error"
	}
	o.metrics.ObserveDuration(adm.request.Model, result, o.now().Sub(adm.startedAt).Seconds())
}

// runBYOK executes on a tenant deployment: daily quota instead of the
// shared ledger, usage still recorded.
func (o *Orchestrator) runBYOK(ctx context.Context, adm *admission) (*Outcome, *Rejection, error) {
	if o.byok == nil {
		return nil, &Rejection{Kind: RejectModelNotAllowed, Detail: "customer-key routing disabled"}, nil
	}

	dep, errResolve := o.byok.Resolve(ctx, adm.identity.CommunityID, adm.request.Deployment)
	if errors.Is(errResolve, byok.ErrDeploymentNotFound) {
		o.metrics.ObserveRejection(RejectModelNotAllowed, "")
		return nil, &Rejection{Kind: RejectModelNotAllowed, Detail: "unknown deployment"}, nil
	}
	if errResolve != nil {
		return nil, nil, errResolve
	}

	if errAdmit := o.byok.Admit(ctx, dep); errAdmit != nil {
		var quotaErr *byok.QuotaError
		if errors.As(errAdmit, &quotaErr) {
			o.metrics.ObserveRejection(RejectQuotaExhausted, "")
			return nil, &Rejection{
				Kind:       RejectQuotaExhausted,
				RetryAfter: quotaErr.ResetAt.Sub(o.now()),
			}, nil
		}
		return nil, nil, errAdmit
	}

	o.trace(adm.identity, StateExecuting).WithField("deployment", dep.ID).Debug("executing on tenant deployment")
	result, errExecute := ensemble.Execute(ctx, o.byok.Caller(dep), adm.plan, adm.request.Prompt)

	outcome := &Outcome{
		Model:          adm.request.Model,
		Strategy:       adm.plan.Strategy,
		EstimatedCents: adm.plan.EstimatedCents,
		Source:         "byok",
		Failed:         errExecute != nil,
	}
	if result != nil {
		outcome.Content = result.Content
		outcome.PromptTokens = result.PromptTokens()
		outcome.CompletionTokens = result.CompletionTokens()
		outcome.ActualCents = result.ActualCost(adm.settings.Prices)
	}
	o.record(ctx, adm, outcome, errExecute)
	o.observe(adm, outcome, errExecute)
	if errExecute != nil {
		return nil, nil, errExecute
	}
	return outcome, nil, nil
}

// RunStream drives a streaming request, forwarding chunks through
// onChunk. Plans that cannot stream are executed buffered and emitted
// as one terminal chunk, so the client contract stays SSE either way.
func (o *Orchestrator) RunStream(ctx context.Context, id Identity, req InferenceRequest, onChunk func(backend.Chunk) error) (*Outcome, *Rejection, error) {
	adm, rejection, errAdmit := o.admit(ctx, id, req)
	if rejection != nil || errAdmit != nil {
		return nil, rejection, errAdmit
	}
	defer o.releaseSlot(id.CommunityID)
	if req.Deployment != "" || !adm.plan.Streamable() {
		outcome, rejection, errRun := o.finishBuffered(ctx, adm)
		if outcome != nil && onChunk != nil {
			_ = onChunk(backend.Chunk{
				Delta:            outcome.Content,
				PromptTokens:     outcome.PromptTokens,
				CompletionTokens: outcome.CompletionTokens,
				Done:             true,
			})
		}
		return outcome, rejection, errRun
	}

	call := adm.plan.Calls[0]
	stream := &ActiveStream{
		Reservation: adm.reservation,
		Identity:    id,
		Alias:       req.Model,
		Model:       call.Model,
		Prices:      adm.settings.Prices,
	}
	o.tracker.Register(stream)

	o.trace(id, StateExecuting).Debug("streaming plan")
	resp, errStream := o.caller.Stream(ctx, backend.Request{
		Model:     call.Model,
		Prompt:    req.Prompt,
		MaxTokens: call.MaxTokens,
	}, func(chunk backend.Chunk) error {
		stream.Touch(chunk.PromptTokens, chunk.CompletionTokens, o.now())
		if onChunk == nil {
			return nil
		}
		return onChunk(chunk)
	})

	if _, owned := o.tracker.Claim(adm.reservation.ID); !owned {
		// The reconciliation sweeper already settled this stream.
		o.trace(id, StateAbandoned).Warn("stream settled by reconciliation")
		if errStream != nil {
			return nil, nil, errStream
		}
		return nil, nil, errors.New("gateway: stream already reconciled")
	}

	var result *ensemble.Result
	if resp != nil {
		result = &ensemble.Result{
			Content: resp.Content,
			Usage: []ensemble.CallUsage{{
				Model:            call.Model,
				PromptTokens:     resp.PromptTokens,
				CompletionTokens: resp.CompletionTokens,
			}},
		}
	} else {
		// Failed or canceled mid-stream: the observed partial count is
		// the spend record.
		prompt, completion, _ := stream.observed()
		result = &ensemble.Result{
			Usage: []ensemble.CallUsage{{
				Model:            call.Model,
				PromptTokens:     prompt,
				CompletionTokens: completion,
				Failed:           true,
			}},
		}
	}
	return o.settle(ctx, adm, result, errStream)
}

// finishBuffered completes an already-admitted request on the buffered
// path.
func (o *Orchestrator) finishBuffered(ctx context.Context, adm *admission) (*Outcome, *Rejection, error) {
	if adm.request.Deployment != "" {
		return o.runBYOK(ctx, adm)
	}
	result, errExecute := ensemble.Execute(ctx, o.caller, adm.plan, adm.request.Prompt)
	return o.settle(ctx, adm, result, errExecute)
}

// ReportUsage ingests externally-computed usage and commits it to the
// community ledger, idempotent per key.
func (o *Orchestrator) ReportUsage(ctx context.Context, id Identity, report UsageReport) (*Outcome, error) {
	settings := o.settings.For(ctx, id.CommunityID)

	cents := report.CostCents
	if cents <= 0 {
		model := strings.TrimSpace(report.Model)
		cents = pricing.Cost(settings.Prices.For(model), report.PromptTokens, report.CompletionTokens)
	}

	outcome, errReport := o.ledger.Report(ctx, id.CommunityID, report.IdempotencyKey, cents)
	if errReport != nil {
		return nil, errReport
	}
	if outcome.AlreadyFinalized {
		return &Outcome{Source: "report", ActualCents: outcome.ActualCents}, nil
	}

	// External reports often accompany out-of-band budget or pricing
	// changes; drop the cached config so the next admission reloads.
	o.settings.Invalidate(id.CommunityID)

	record := &models.UsageRecord{
		IdempotencyKey:   report.IdempotencyKey,
		CommunityID:      id.CommunityID,
		UserID:           id.UserID,
		ModelAlias:       report.Model,
		Source:           "report",
		TraceID:          id.TraceID,
		PromptTokens:     report.PromptTokens,
		CompletionTokens: report.CompletionTokens,
		ActualCostCents:  cents,
		RequestedAt:      o.now().UTC(),
	}
	if errRecord := o.recorder.Record(ctx, record); errRecord != nil {
		log.WithError(errRecord).Error("gateway: usage report record failed")
	}
	return &Outcome{Source: "report", ActualCents: cents}, nil
}

// UsageReport is the externally-computed usage ingestion body.
type UsageReport struct {
	IdempotencyKey   string `json:"idempotency_key"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	CostCents        int64  `json:"cost_cents,omitempty"`
}
