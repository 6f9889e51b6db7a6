// Package ratelimit admits requests across four independent windowed
// dimensions before any cost is incurred.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/communityforge/inference-gateway/internal/config"
)

// Dimension identifies one admission check.
type Dimension string

// Dimensions in their fixed evaluation order: the first violated
// dimension is always the one reported.
const (
	DimensionBurst     Dimension = "burst"
	DimensionUser      Dimension = "user"
	DimensionChannel   Dimension = "channel"
	DimensionCommunity Dimension = "community"
)

// Check is one counter increment-and-compare against a window limit.
type Check struct {
	Dimension Dimension
	Key       string
	Limit     int64
	Window    time.Duration
}

// Verdict is the admission decision.
type Verdict struct {
	Allowed    bool
	Dimension  Dimension     // violated dimension when not allowed
	RetryAfter time.Duration // remaining window time when not allowed
}

// CounterStore performs the windowed increments as one atomic pass:
// either every dimension is incremented or none is, never a partial
// admission. Implementations return the index of the first
// failing check (-1 when all pass) and its remaining window time.
type CounterStore interface {
	IncrCheckAll(ctx context.Context, checks []Check) (failedIndex int, retryAfter time.Duration, err error)
}

// Scope identifies the counters one request touches.
type Scope struct {
	CommunityID string
	UserID      string
	ChannelID   string
	Class       config.RateLimitClass
}

// Limiter evaluates the four admission dimensions.
type Limiter struct {
	store CounterStore
}

// NewLimiter constructs a Limiter over a counter store.
func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// Check admits or rejects a request. Windows expire by TTL; no cleanup
// is ever needed.
func (l *Limiter) Check(ctx context.Context, scope Scope) (Verdict, error) {
	checks := []Check{
		{
			Dimension: DimensionBurst,
			Key:       fmt.Sprintf("rl:burst:%s:%s", scope.CommunityID, scope.UserID),
			Limit:     scope.Class.Burst.Limit,
			Window:    scope.Class.Burst.Window,
		},
		{
			Dimension: DimensionUser,
			Key:       fmt.Sprintf("rl:user:%s:%s", scope.CommunityID, scope.UserID),
			Limit:     scope.Class.User.Limit,
			Window:    scope.Class.User.Window,
		},
		{
			Dimension: DimensionChannel,
			Key:       fmt.Sprintf("rl:channel:%s:%s", scope.CommunityID, scope.ChannelID),
			Limit:     scope.Class.Channel.Limit,
			Window:    scope.Class.Channel.Window,
		},
		{
			Dimension: DimensionCommunity,
			Key:       fmt.Sprintf("rl:community:%s", scope.CommunityID),
			Limit:     scope.Class.Community.Limit,
			Window:    scope.Class.Community.Window,
		},
	}

	failedIndex, retryAfter, errIncr := l.store.IncrCheckAll(ctx, checks)
	if errIncr != nil {
		return Verdict{}, fmt.Errorf("ratelimit: check: %w", errIncr)
	}
	if failedIndex < 0 {
		return Verdict{Allowed: true}, nil
	}
	return Verdict{
		Dimension:  checks[failedIndex].Dimension,
		RetryAfter: retryAfter,
	}, nil
}
