package notify

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrWebhookTripped is returned by [Webhook.Notify] while the endpoint is
// considered down and alerts are being skipped.
var ErrWebhookTripped = errors.New("notify: webhook circuit open")

// breakerState is the operating mode of a [breaker].
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
)

// breaker is a small three-state circuit breaker guarding the webhook
// endpoint. Consecutive delivery failures open it; after the reset timeout a
// single probe alert is let through, and its outcome decides whether the
// breaker closes again.
//
// Alerts are advisory, so a down endpoint is handled by skipping rather than
// queueing: the breaker keeps a flapping webhook from adding one timed-out
// POST per verdict to the call path.
type breaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

func newBreaker(maxFailures int, resetTimeout time.Duration) *breaker {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &breaker{maxFailures: maxFailures, resetTimeout: resetTimeout}
}

// allow reports whether a delivery attempt may proceed. In the open state it
// admits exactly one probe once the reset timeout has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		slog.Info("webhook breaker probing", "state", b.state)
		return true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// record feeds a delivery outcome back into the breaker.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.probing = false
		if err != nil {
			b.state = breakerOpen
			b.lastFailure = time.Now()
			slog.Warn("webhook breaker re-opened", "err", err)
			return
		}
		b.state = breakerClosed
		b.failures = 0
		slog.Info("webhook breaker closed after successful probe")
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.maxFailures {
		b.state = breakerOpen
		slog.Warn("webhook breaker opened", "consecutive_failures", b.failures)
	}
}

// currentState returns the state, accounting for an elapsed reset timeout.
func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return breakerHalfOpen
	}
	return b.state
}
