package gateway

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/communityforge/inference-gateway/internal/budget"
	"github.com/communityforge/inference-gateway/internal/metrics"
	"github.com/communityforge/inference-gateway/internal/models"
	"github.com/communityforge/inference-gateway/internal/pricing"
)

// ActiveStream is one in-flight streaming response with its running
// token count. The partial count is the spend record if the stream is
// abandoned.
type ActiveStream struct {
	Reservation *budget.Reservation
	Identity    Identity
	Alias       string
	Model       string
	Prices      *pricing.Table

	mu               sync.Mutex
	promptTokens     int64
	completionTokens int64
	lastActivity     time.Time
}

// Touch records stream progress. Token counts are cumulative.
func (s *ActiveStream) Touch(promptTokens, completionTokens int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if promptTokens > s.promptTokens {
		s.promptTokens = promptTokens
	}
	if completionTokens > s.completionTokens {
		s.completionTokens = completionTokens
	}
	s.lastActivity = at
}

func (s *ActiveStream) observed() (prompt, completion int64, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptTokens, s.completionTokens, s.lastActivity
}

// StreamTracker registers in-flight streams and reconciles the ones
// their handlers never settled: a crashed or silently dropped stream is
// finalized with its observed partial cost instead of leaking its
// reservation to the reaper.
type StreamTracker struct {
	manager  *budget.Manager
	recorder *Recorder
	metrics  *metrics.Recorder
	idleTTL  time.Duration
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	streams map[string]*ActiveStream
}

// TrackerOption customizes a StreamTracker.
type TrackerOption func(*StreamTracker)

// WithTrackerClock overrides the tracker clock, for tests.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *StreamTracker) { t.now = now }
}

// NewStreamTracker constructs a tracker.
func NewStreamTracker(manager *budget.Manager, recorder *Recorder, rec *metrics.Recorder, idleTTL, interval time.Duration, opts ...TrackerOption) *StreamTracker {
	t := &StreamTracker{
		manager:  manager,
		recorder: recorder,
		metrics:  rec,
		idleTTL:  idleTTL,
		interval: interval,
		now:      time.Now,
		streams:  map[string]*ActiveStream{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register tracks a new stream keyed by its reservation ID.
func (t *StreamTracker) Register(stream *ActiveStream) {
	stream.mu.Lock()
	stream.lastActivity = t.now()
	stream.mu.Unlock()

	t.mu.Lock()
	t.streams[stream.Reservation.ID] = stream
	t.mu.Unlock()
}

// Claim removes a stream and reports whether the caller now owns its
// settlement. Exactly one of the handler and the sweeper wins; the
// loser must not finalize.
func (t *StreamTracker) Claim(reservationID string) (*ActiveStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stream, ok := t.streams[reservationID]
	if !ok {
		return nil, false
	}
	delete(t.streams, reservationID)
	return stream, true
}

// Start launches the reconciliation loop in a background goroutine.
func (t *StreamTracker) Start(ctx context.Context) {
	if t == nil {
		return
	}
	go t.run(ctx)
	log.Infof("stream reconciliation started (idle-ttl=%s interval=%s)", t.idleTTL, t.interval)
}

func (t *StreamTracker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t.Sweep(ctx)
		timer := time.NewTimer(t.interval)
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

// Sweep settles every stream idle past the TTL with its partial cost
// and returns how many were reconciled.
func (t *StreamTracker) Sweep(ctx context.Context) int {
	now := t.now()

	t.mu.Lock()
	var stale []*ActiveStream
	for id, stream := range t.streams {
		if _, _, last := stream.observed(); now.Sub(last) >= t.idleTTL {
			stale = append(stale, stream)
			delete(t.streams, id)
		}
	}
	t.mu.Unlock()

	for _, stream := range stale {
		t.reconcile(ctx, stream)
	}
	return len(stale)
}

func (t *StreamTracker) reconcile(ctx context.Context, stream *ActiveStream) {
	prompt, completion, _ := stream.observed()
	partialCents := pricing.Cost(stream.Prices.For(stream.Model), prompt, completion)

	log.WithFields(log.Fields{
		"community":   stream.Identity.CommunityID,
		"reservation": stream.Reservation.ID,
		"partial":     partialCents,
	}).Warn("stream abandoned, settling with observed partial cost")
	t.metrics.ObserveStreamAbandoned()

	if _, errFinalize := t.manager.Finalize(ctx, stream.Reservation, partialCents); errFinalize != nil {
		log.WithError(errFinalize).WithField("reservation", stream.Reservation.ID).
			Error("stream reconciliation: finalize failed")
		return
	}

	record := &models.UsageRecord{
		IdempotencyKey:     stream.Reservation.IdempotencyKey,
		CommunityID:        stream.Identity.CommunityID,
		UserID:             stream.Identity.UserID,
		ReservationID:      stream.Reservation.ID,
		ModelAlias:         stream.Alias,
		Source:             "gateway",
		PromptTokens:       prompt,
		CompletionTokens:   completion,
		EstimatedCostCents: stream.Reservation.EstimatedCents,
		ActualCostCents:    partialCents,
		Failed:             true,
		Detail:             datatypes.JSON(`{"abandoned":true}`),
		RequestedAt:        stream.Reservation.CreatedAt,
	}
	if errRecord := t.recorder.Record(ctx, record); errRecord != nil {
		log.WithError(errRecord).Error("stream reconciliation: record usage failed")
	}
}
