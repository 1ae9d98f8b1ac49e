package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callwarden/callwarden/internal/relay"
)

// Default reconnection and timeout parameters.
const (
	DefaultBackoffBase    = 2 * time.Second
	DefaultBackoffCap     = 60 * time.Second
	DefaultMaxAttempts    = 5
	DefaultConnectTimeout = 30 * time.Second
	DefaultSendTimeout    = 5 * time.Second
)

// ErrExhaustedRetries is returned by [Session.Run] when the reconnect attempt
// budget is spent. It is fatal for the call: the coordinator responds by
// tearing the session down.
var ErrExhaustedRetries = errors.New("transport: reconnect attempts exhausted")

// errQueueDrained is the internal signal that the relay queue closed and all
// buffered frames were sent. It never escapes Run.
var errQueueDrained = errors.New("queue drained")

// Conn is one physical connection to the remote analysis endpoint.
// Implementations must honor ctx deadlines on every call.
type Conn interface {
	// SendFrame transmits one audio frame. A returned error is transient from
	// the session's point of view: the frame is considered lost and the
	// session reconnects.
	SendFrame(ctx context.Context, f relay.Frame) error

	// Ping probes the connection when no frames have flowed for a while.
	Ping(ctx context.Context) error

	// Close releases the connection. Must be safe to call more than once.
	Close() error
}

// Dialer establishes connections. sessionID is stable across redials of the
// same logical session so the remote side can correlate continuity.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// SessionConfig configures a [Session]. Zero durations and counts fall back
// to the package defaults.
type SessionConfig struct {
	// SessionID is the stable identifier used across reconnects. Required.
	SessionID string

	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	SendTimeout    time.Duration

	// IdleTimeout bounds how long the session waits for a frame before
	// probing the connection with a ping. Zero disables the probe.
	IdleTimeout time.Duration

	// OnSent, when non-nil, is invoked once per successfully sent frame.
	OnSent func(f relay.Frame)

	// OnSendDuration, when non-nil, receives the wall time of each
	// successful send.
	OnSendDuration func(d time.Duration)

	// OnReconnect, when non-nil, is invoked at the start of each backoff
	// cycle with the attempt number.
	OnReconnect func(attempt int)
}

// Session relays frames from the relay queue to the remote endpoint across
// possibly many physical reconnects. One logical session spans one call.
//
// State transitions happen only under the session's mutex, so a concurrent
// Stop cannot race an in-flight reconnect into an inconsistent state. All
// waits (backoff, pop, send) are interruptible by Stop.
type Session struct {
	dialer Dialer
	queue  *relay.Queue
	cfg    SessionConfig

	mu      sync.Mutex
	state   State
	attempt int
	cancel  context.CancelFunc
}

// NewSession creates a session that drains queue through connections obtained
// from dialer.
func NewSession(dialer Dialer, queue *relay.Queue, cfg SessionConfig) *Session {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Session{
		dialer: dialer,
		queue:  queue,
		cfg:    cfg,
		state:  StateDisconnected,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to next unless it is already closed. It
// reports whether the transition happened.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = next
	return true
}

// Run drives the state machine until the relay queue drains, Stop is called,
// or the retry budget is exhausted. It returns nil on a clean end (queue
// drained or stopped) and [ErrExhaustedRetries] on a fatal exhaustion.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	for {
		if !s.transition(StateConnecting) {
			return nil
		}

		conn, err := s.dial(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			slog.Warn("transport connect failed", "session_id", s.cfg.SessionID, "err", err)
		} else {
			if !s.transition(StateConnected) {
				conn.Close()
				return nil
			}
			slog.Info("transport connected", "session_id", s.cfg.SessionID)

			err = s.drain(runCtx, conn)
			conn.Close()

			switch {
			case errors.Is(err, errQueueDrained):
				s.transition(StateClosed)
				slog.Info("transport finished, queue drained", "session_id", s.cfg.SessionID)
				return nil
			case runCtx.Err() != nil:
				return nil
			default:
				slog.Warn("transport send failed", "session_id", s.cfg.SessionID, "err", err)
			}
		}

		if fatal := s.backoff(runCtx); fatal != nil {
			return fatal
		}
		if runCtx.Err() != nil {
			return nil
		}
	}
}

// dial connects with the configured timeout.
func (s *Session) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return s.dialer.Dial(dialCtx, s.cfg.SessionID)
}

// drain pops frames and sends them until the queue closes or a transport
// error occurs. Frames popped but not sent when a send fails are lost by
// design: audio is not idempotent to replay out of order after a gap.
func (s *Session) drain(ctx context.Context, conn Conn) error {
	for {
		popCtx := ctx
		var popCancel context.CancelFunc
		if s.cfg.IdleTimeout > 0 {
			popCtx, popCancel = context.WithTimeout(ctx, s.cfg.IdleTimeout)
		}
		f, err := s.queue.Pop(popCtx)
		if popCancel != nil {
			popCancel()
		}

		switch {
		case err == nil:
		case errors.Is(err, relay.ErrClosed):
			return errQueueDrained
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Idle: no frames for a while. Probe the connection.
			if pingErr := s.ping(ctx, conn); pingErr != nil {
				return fmt.Errorf("idle probe: %w", pingErr)
			}
			continue
		default:
			return err
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		start := time.Now()
		err = conn.SendFrame(sendCtx, f)
		cancel()
		if err != nil {
			return fmt.Errorf("send frame %d: %w", f.Seq, err)
		}

		s.markDelivered()
		if s.cfg.OnSendDuration != nil {
			s.cfg.OnSendDuration(time.Since(start))
		}
		if s.cfg.OnSent != nil {
			s.cfg.OnSent(f)
		}
	}
}

func (s *Session) ping(ctx context.Context, conn Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return conn.Ping(pingCtx)
}

// markDelivered resets the attempt counter: a consecutive-failure streak ends
// when a frame actually reaches the remote side.
func (s *Session) markDelivered() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// backoff performs one reconnect cycle: increment the attempt counter, give
// up with [ErrExhaustedRetries] past the budget, otherwise wait
// min(base·2^(attempt−1), cap). The wait is interruptible by ctx.
func (s *Session) backoff(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.attempt++
	attempt := s.attempt
	if attempt > s.cfg.MaxAttempts {
		s.state = StateClosed
		s.mu.Unlock()
		slog.Error("transport retries exhausted",
			"session_id", s.cfg.SessionID,
			"max_attempts", s.cfg.MaxAttempts,
		)
		return ErrExhaustedRetries
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	delay := s.cfg.BackoffBase << (attempt - 1)
	if delay <= 0 || delay > s.cfg.BackoffCap {
		// Covers shift overflow for very large attempt budgets.
		delay = s.cfg.BackoffCap
	}

	if s.cfg.OnReconnect != nil {
		s.cfg.OnReconnect(attempt)
	}
	slog.Info("transport backing off",
		"session_id", s.cfg.SessionID,
		"attempt", attempt,
		"max_attempts", s.cfg.MaxAttempts,
		"delay", delay,
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	}
}

// Stop closes the session from any state, resetting the attempt counter and
// interrupting any in-flight backoff wait, pop, or send. Safe to call more
// than once and concurrently with Run.
func (s *Session) Stop() {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.attempt = 0
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !alreadyClosed {
		slog.Debug("transport session stopped", "session_id", s.cfg.SessionID)
	}
}
