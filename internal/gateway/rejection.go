// Package gateway drives one inference request through admission,
// reservation, execution and settlement, and exposes the HTTP surface.
package gateway

import (
	"net/http"
	"time"
)

// Rejection kinds, as serialized to clients.
const (
	RejectUnauthenticated = "unauthenticated"
	RejectModelNotAllowed = "model_not_allowed"
	RejectRateLimited     = "rate_limited"
	RejectBudgetExceeded  = "budget_exceeded"
	RejectQuotaExhausted  = "quota_exhausted"
)

// Rejection is a structured admission refusal. Every rejection happens
// before any backend cost is incurred.
type Rejection struct {
	Kind       string        `json:"kind"`
	Dimension  string        `json:"dimension,omitempty"` // violated rate-limit dimension
	RetryAfter time.Duration `json:"-"`                   // hint for rate/quota rejections
	Detail     string        `json:"detail,omitempty"`

	// RetryAfterSeconds is the wire form of RetryAfter.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// Status maps the rejection onto an HTTP status code.
func (r *Rejection) Status() int {
	switch r.Kind {
	case RejectUnauthenticated:
		return http.StatusUnauthorized
	case RejectModelNotAllowed:
		return http.StatusForbidden
	case RejectBudgetExceeded:
		return http.StatusPaymentRequired
	case RejectRateLimited, RejectQuotaExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}
