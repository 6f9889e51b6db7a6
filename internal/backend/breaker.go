package backend

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// breaker states.
const (
	breakerClosed = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a consecutive-failure circuit breaker. After threshold
// consecutive failures it opens; after the cooldown one probe call is
// let through (half-open) and its outcome closes or re-opens the
// circuit.
type Breaker struct {
	mu        sync.Mutex
	state     int
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	onChange  func(open bool)
	now       func() time.Time
}

// NewBreaker constructs a circuit breaker. onChange may be nil.
func NewBreaker(threshold int, cooldown time.Duration, onChange func(open bool)) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		onChange:  onChange,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		// One probe at a time.
		b.state = breakerHalfOpen
		return true
	case breakerHalfOpen:
		return false
	}
	return false
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.state != breakerClosed
	b.state = breakerClosed
	b.failures = 0
	if wasOpen {
		log.Info("backend breaker: closed after successful probe")
		b.notify(false)
	}
}

// OnFailure records a failed call.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.state == breakerClosed && b.failures >= b.threshold {
		b.trip()
	}
}

// trip opens the circuit. Caller holds the lock.
func (b *Breaker) trip() {
	b.state = breakerOpen
	b.failures = 0
	b.openedAt = b.now()
	log.WithField("cooldown", b.cooldown).Warn("backend breaker: opened")
	b.notify(true)
}

func (b *Breaker) notify(open bool) {
	if b.onChange != nil {
		b.onChange(open)
	}
}

// Open reports whether the circuit currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && b.now().Sub(b.openedAt) < b.cooldown
}
