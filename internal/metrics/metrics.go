// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder aggregates the gateway's Prometheus collectors.
type Recorder struct {
	admissionsTotal *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	driftCents      *prometheus.CounterVec
	reapedTotal     prometheus.Counter
	reapAborts      prometheus.Counter
	breakerState    prometheus.Gauge
	streamAbandoned prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// NewRecorder registers and returns the gateway metric collectors.
func NewRecorder() *Recorder {
	return &Recorder{
		admissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admissions_total",
				Help: "Admitted requests by community and model alias",
			},
			[]string{"community", "model"},
		),
		rejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rejections_total",
				Help: "Rejected requests by kind and rate-limit dimension",
			},
			[]string{"kind", "dimension"},
		),
		driftCents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_budget_drift_cents_total",
				Help: "Accumulated ledger drift in cents by community and cause",
			},
			[]string{"community", "cause"},
		),
		reapedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_reservations_reaped_total",
				Help: "Expired reservations reclaimed by the reaper",
			},
		),
		reapAborts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_reap_pass_aborts_total",
				Help: "Reaper passes aborted because the store was unavailable",
			},
		),
		breakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_backend_breaker_open",
				Help: "1 when the backend circuit breaker is open",
			},
		),
		streamAbandoned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_streams_abandoned_total",
				Help: "Streams finalized by the reconciliation worker",
			},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end admission pipeline duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "outcome"},
		),
	}
}

// ObserveAdmission records an admitted request.
func (r *Recorder) ObserveAdmission(community, model string) {
	if r == nil {
		return
	}
	r.admissionsTotal.WithLabelValues(community, model).Inc()
}

// ObserveRejection records a rejected request. dimension is empty for
// non-rate-limit rejections.
func (r *Recorder) ObserveRejection(kind, dimension string) {
	if r == nil {
		return
	}
	r.rejectionsTotal.WithLabelValues(kind, dimension).Inc()
}

// ObserveDrift accumulates drift magnitude for a community.
func (r *Recorder) ObserveDrift(community, cause string, cents int64) {
	if r == nil || cents <= 0 {
		return
	}
	r.driftCents.WithLabelValues(community, cause).Add(float64(cents))
}

// ObserveReap counts reclaimed reservations.
func (r *Recorder) ObserveReap(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reapedTotal.Add(float64(n))
}

// ObserveReapAbort counts an aborted reap pass.
func (r *Recorder) ObserveReapAbort() {
	if r == nil {
		return
	}
	r.reapAborts.Inc()
}

// SetBreakerOpen reflects the backend breaker state.
func (r *Recorder) SetBreakerOpen(open bool) {
	if r == nil {
		return
	}
	if open {
		r.breakerState.Set(1)
		return
	}
	r.breakerState.Set(0)
}

// ObserveStreamAbandoned counts a stream finalized by reconciliation.
func (r *Recorder) ObserveStreamAbandoned() {
	if r == nil {
		return
	}
	r.streamAbandoned.Inc()
}

// ObserveDuration records pipeline latency for a request.
func (r *Recorder) ObserveDuration(model, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.requestDuration.WithLabelValues(model, outcome).Observe(seconds)
}
