// Package call coordinates the lifetime of one relayed call: the capture
// pipeline, the bounded frame queue, the self-healing transport session, and
// the bookkeeping around them (records, verdicts, alerts, metrics).
//
// At most one call is live at a time — the audio path is a single physical
// phone and headset. Starting a second call fails with [ErrCallActive];
// ending is idempotent.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/callwarden/callwarden/internal/notify"
	"github.com/callwarden/callwarden/internal/observe"
	"github.com/callwarden/callwarden/internal/relay"
	"github.com/callwarden/callwarden/internal/store"
	"github.com/callwarden/callwarden/internal/transport"
	"github.com/callwarden/callwarden/internal/verdict"
)

// End reasons written to the call record.
const (
	ReasonHangup      = "hangup"
	ReasonExhausted   = "transport retries exhausted"
	ReasonSourceEnded = "audio source ended"
	ReasonShutdown    = "server shutdown"
)

var (
	// ErrCallActive is returned by StartCall while another call is live.
	ErrCallActive = errors.New("call: a call is already active")

	// ErrNoCall is returned by EndCall when no call is live.
	ErrNoCall = errors.New("call: no active call")
)

// endWait bounds how long EndCall waits for the pipeline goroutines to
// unwind.
const endWait = 10 * time.Second

// Recorder persists call records. *store.Store satisfies it; a no-op
// implementation is used when persistence is not configured.
type Recorder interface {
	CreateCall(ctx context.Context, id, phoneNumber string, startedAt time.Time) error
	FinishCall(ctx context.Context, id string, endedAt time.Time, reason string, stats store.CallStats) error
	AddVerdict(ctx context.Context, callID string, v verdict.Verdict, at time.Time) error
}

// NopRecorder discards all records.
type NopRecorder struct{}

func (NopRecorder) CreateCall(context.Context, string, string, time.Time) error { return nil }
func (NopRecorder) FinishCall(context.Context, string, time.Time, string, store.CallStats) error {
	return nil
}
func (NopRecorder) AddVerdict(context.Context, string, verdict.Verdict, time.Time) error { return nil }

// AudioBridge is the slice of the process bridge the coordinator drives:
// handing the capture pipe back and forth between a call and the idle drain.
// *procman.Bridge satisfies it.
type AudioBridge interface {
	StartDrain(ctx context.Context) error
	StopDrain() error
}

// Meta is optional caller context supplied when a call starts. The
// coordinator hands it to the dialer factory so it can be folded into the
// analysis brief, and mirrors the phone number onto the call record.
type Meta struct {
	PhoneNumber  string `json:"phone_number,omitempty"`
	Incoming     bool   `json:"incoming"`
	KnownContact bool   `json:"known_contact"`
}

// Brief renders the caller context as a sentence suitable for appending to
// the analysis instructions. Empty when no phone number was supplied.
func (m Meta) Brief() string {
	if m.PhoneNumber == "" {
		return ""
	}
	direction := "outgoing"
	if m.Incoming {
		direction = "incoming"
	}
	contact := "is not in the user's contacts"
	if m.KnownContact {
		contact = "is in the user's contacts"
	}
	return fmt.Sprintf("This is an %s call with %s; the number %s.", direction, m.PhoneNumber, contact)
}

// DialerFactory builds the transport dialer for one call. meta carries the
// caller context for that call; onEvent receives every inbound server event.
type DialerFactory func(meta Meta, onEvent func(transport.ServerEvent)) (transport.Dialer, error)

// SourceFactory opens the audio source for one call. The default opens the
// configured capture pipe.
type SourceFactory func() (relay.Source, error)

// Config wires a [Coordinator].
type Config struct {
	// QueueCapacity bounds the frame queue. Zero means relay.DefaultCapacity.
	QueueCapacity int

	// FrameBytes is the capture chunk size. Zero means relay.DefaultFrameBytes.
	FrameBytes int

	// PipePath is the capture pipe. Ignored when OpenSource is set.
	PipePath string

	// OpenSource overrides how the audio source is opened, mainly for tests.
	OpenSource SourceFactory

	// NewDialer builds the per-call transport dialer. Required.
	NewDialer DialerFactory

	// Session carries the transport tuning (backoff, timeouts). SessionID and
	// the hooks are filled per call.
	Session transport.SessionConfig

	// Bridge, when non-nil, is told to release the capture pipe while a call
	// runs and to drain it again afterwards.
	Bridge AudioBridge

	// Recorder persists call records. Nil means NopRecorder.
	Recorder Recorder

	// Webhook receives severe verdicts. Nil disables alerting.
	Webhook *notify.Webhook

	// Metrics records the audio-path instruments. Nil means the package
	// default.
	Metrics *observe.Metrics
}

// Info is a snapshot of a live call for status endpoints.
type Info struct {
	ID            string    `json:"id"`
	PhoneNumber   string    `json:"phone_number,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	State         string    `json:"transport_state"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
	Reconnects    uint64    `json:"reconnects"`
	LastLabel     string    `json:"last_label,omitempty"`
	LastScore     int       `json:"last_score,omitempty"`
}

// liveCall owns the moving parts of one call.
type liveCall struct {
	id        string
	meta      Meta
	startedAt time.Time

	queue   *relay.Queue
	capture *relay.Capture
	session *transport.Session
	cancel  context.CancelFunc
	done    chan struct{} // closed when both pipeline goroutines have unwound

	endOnce sync.Once

	framesSent atomic.Uint64
	reconnects atomic.Uint64

	mu        sync.Mutex
	lastLabel string
	lastScore int
}

// Coordinator starts and ends calls. All methods are safe for concurrent
// use.
type Coordinator struct {
	cfg Config

	// webhook is swappable at runtime so a config reload can redirect
	// alerts without restarting the live call.
	webhook atomic.Pointer[notify.Webhook]

	mu     sync.Mutex
	active *liveCall
}

// NewCoordinator validates cfg and returns a ready Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.NewDialer == nil {
		return nil, errors.New("call: NewDialer is required")
	}
	if cfg.OpenSource == nil {
		if cfg.PipePath == "" {
			return nil, errors.New("call: either PipePath or OpenSource is required")
		}
		pipe := cfg.PipePath
		cfg.OpenSource = func() (relay.Source, error) { return relay.PipeSource(pipe) }
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = relay.DefaultCapacity
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = relay.DefaultFrameBytes
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	c := &Coordinator{cfg: cfg}
	if cfg.Webhook != nil {
		c.webhook.Store(cfg.Webhook)
	}
	return c, nil
}

// SetWebhook replaces the alert webhook. A nil webhook disables alerting.
func (c *Coordinator) SetWebhook(w *notify.Webhook) {
	c.webhook.Store(w)
}

// StartCall brings up the full pipeline for a new call and returns its id.
// meta may be the zero value when no caller context is known. The pipeline
// outlives ctx's happy path: it runs until EndCall, transport exhaustion, or
// the audio source draining.
func (c *Coordinator) StartCall(ctx context.Context, meta Meta) (string, error) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return "", ErrCallActive
	}
	// Hold the slot while assembling so a concurrent StartCall cannot slip
	// in; filled with the real call below or cleared on failure.
	placeholder := &liveCall{}
	c.active = placeholder
	c.mu.Unlock()

	id := uuid.NewString()
	lc, err := c.assemble(ctx, id, meta)
	if err != nil {
		c.mu.Lock()
		if c.active == placeholder {
			c.active = nil
		}
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	c.active = lc
	c.mu.Unlock()

	c.cfg.Metrics.ActiveCalls.Add(context.Background(), 1)
	if err := c.cfg.Recorder.CreateCall(ctx, id, meta.PhoneNumber, lc.startedAt); err != nil {
		slog.Warn("call record not created", "call_id", id, "err", err)
	}
	slog.Info("call started", "call_id", id, "phone", meta.PhoneNumber)
	return id, nil
}

// assemble builds and launches the pipeline for one call.
func (c *Coordinator) assemble(ctx context.Context, id string, meta Meta) (*liveCall, error) {
	metrics := c.cfg.Metrics

	if c.cfg.Bridge != nil {
		if err := c.cfg.Bridge.StopDrain(); err != nil {
			return nil, fmt.Errorf("call: release capture pipe: %w", err)
		}
	}

	src, err := c.cfg.OpenSource()
	if err != nil {
		c.redrain()
		return nil, fmt.Errorf("call: open audio source: %w", err)
	}

	lc := &liveCall{
		id:        id,
		meta:      meta,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}

	lc.queue = relay.NewQueue(c.cfg.QueueCapacity, relay.WithDropHook(func() {
		metrics.FramesDropped.Add(context.Background(), 1)
	}))
	lc.capture = relay.NewCapture(src, lc.queue, c.cfg.FrameBytes, relay.WithFrameHook(func() {
		metrics.FramesCaptured.Add(context.Background(), 1)
	}))

	dialer, err := c.cfg.NewDialer(meta, func(ev transport.ServerEvent) {
		// Invoked on the connection's read goroutine; hand off immediately.
		go c.handleEvent(lc, ev)
	})
	if err != nil {
		src.Close()
		c.redrain()
		return nil, fmt.Errorf("call: build dialer: %w", err)
	}

	scfg := c.cfg.Session
	scfg.SessionID = id
	scfg.OnSent = func(f relay.Frame) {
		lc.framesSent.Add(1)
		metrics.FramesSent.Add(context.Background(), 1)
	}
	scfg.OnSendDuration = func(d time.Duration) {
		metrics.SendDuration.Record(context.Background(), d.Seconds())
	}
	scfg.OnReconnect = func(attempt int) {
		lc.reconnects.Add(1)
		metrics.RecordReconnect(context.Background(), id)
	}
	lc.session = transport.NewSession(dialer, lc.queue, scfg)

	runCtx, cancel := context.WithCancel(context.Background())
	lc.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer lc.queue.Close()
		return lc.capture.Run(gctx)
	})
	g.Go(func() error {
		return lc.session.Run(gctx)
	})

	go func() {
		err := g.Wait()
		close(lc.done)

		// nil means the source drained and the session flushed what was
		// left; either way the pipeline is over, so finalise the call. When
		// EndCall is already driving the teardown this either waits it out
		// behind endOnce or comes back ErrNoCall, both fine.
		reason := ReasonSourceEnded
		if errors.Is(err, transport.ErrExhaustedRetries) {
			slog.Error("transport gave up, ending call", "call_id", id)
			reason = ReasonExhausted
		}
		ctx, cancel := context.WithTimeout(context.Background(), endWait)
		defer cancel()
		if endErr := c.endSpecific(ctx, lc, reason); endErr != nil && !errors.Is(endErr, ErrNoCall) {
			slog.Warn("auto end failed", "call_id", id, "err", endErr)
		}
	}()

	return lc, nil
}

// handleEvent parses verdicts out of inbound transport events and fans them
// out to the record store, metrics, and the alert webhook.
func (c *Coordinator) handleEvent(lc *liveCall, ev transport.ServerEvent) {
	if ev.Type != "response.audio_transcript.done" && ev.Type != "response.text.done" {
		return
	}
	text := transcriptText(ev)
	if text == "" {
		return
	}

	v, err := verdict.Parse(text)
	if errors.Is(err, verdict.ErrNoVerdict) {
		return
	}
	if err != nil {
		slog.Debug("unparseable verdict", "call_id", lc.id, "err", err)
		return
	}

	lc.mu.Lock()
	lc.lastLabel = v.Label
	lc.lastScore = v.Score
	lc.mu.Unlock()

	slog.Info("verdict received", "call_id", lc.id, "label", v.Label, "score", v.Score)
	c.cfg.Metrics.RecordVerdict(context.Background(), v.Label)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cfg.Recorder.AddVerdict(ctx, lc.id, v, time.Now().UTC()); err != nil {
		slog.Warn("verdict not persisted", "call_id", lc.id, "err", err)
	}

	if wh := c.webhook.Load(); v.Severe() && wh != nil {
		wh.NotifyVerdict(lc.id, v)
	}
}

// EndCall tears the live call down and finalises its record. Returns
// [ErrNoCall] when nothing is live.
func (c *Coordinator) EndCall(ctx context.Context, reason string) error {
	c.mu.Lock()
	lc := c.active
	c.mu.Unlock()
	// A nil session means StartCall is still assembling the pipeline; that
	// placeholder is not endable yet.
	if lc == nil || lc.session == nil {
		return ErrNoCall
	}
	return c.endSpecific(ctx, lc, reason)
}

// endSpecific ends exactly lc. A stale pointer (the call already ended and
// another started) yields ErrNoCall instead of killing the wrong call. The
// active slot stays occupied until the teardown, drain handoff included, has
// finished, so a StartCall racing the teardown is refused instead of having
// its freshly claimed pipe stolen by the old call's re-drain.
func (c *Coordinator) endSpecific(ctx context.Context, lc *liveCall, reason string) error {
	c.mu.Lock()
	if c.active != lc {
		c.mu.Unlock()
		return ErrNoCall
	}
	c.mu.Unlock()

	var endErr error
	lc.endOnce.Do(func() {
		if reason == "" {
			reason = ReasonHangup
		}

		// Teardown runs in reverse build order: the sender first so no frame
		// is half-sent, then the queue, then the capture reader.
		lc.session.Stop()
		lc.queue.Close()
		lc.cancel()

		select {
		case <-lc.done:
		case <-time.After(endWait):
			slog.Warn("pipeline did not unwind in time", "call_id", lc.id)
		case <-ctx.Done():
		}

		c.redrain()

		c.mu.Lock()
		if c.active == lc {
			c.active = nil
		}
		c.mu.Unlock()

		c.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)

		stats := store.CallStats{
			FramesSent:    lc.framesSent.Load(),
			FramesDropped: lc.queue.Dropped(),
			Reconnects:    lc.reconnects.Load(),
		}
		if err := c.cfg.Recorder.FinishCall(ctx, lc.id, time.Now().UTC(), reason, stats); err != nil {
			endErr = fmt.Errorf("call: finalize record: %w", err)
		}
		slog.Info("call ended",
			"call_id", lc.id,
			"reason", reason,
			"frames_sent", stats.FramesSent,
			"frames_dropped", stats.FramesDropped,
			"reconnects", stats.Reconnects,
		)
	})
	return endErr
}

// redrain hands the capture pipe back to the idle drain.
func (c *Coordinator) redrain() {
	if c.cfg.Bridge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cfg.Bridge.StartDrain(ctx); err != nil {
		slog.Warn("could not re-attach pipe drain", "err", err)
	}
}

// Active returns a snapshot of the live call, if any.
func (c *Coordinator) Active() (Info, bool) {
	c.mu.Lock()
	lc := c.active
	c.mu.Unlock()
	if lc == nil || lc.session == nil {
		return Info{}, false
	}

	lc.mu.Lock()
	label, score := lc.lastLabel, lc.lastScore
	lc.mu.Unlock()

	return Info{
		ID:            lc.id,
		PhoneNumber:   lc.meta.PhoneNumber,
		StartedAt:     lc.startedAt,
		State:         lc.session.State().String(),
		FramesSent:    lc.framesSent.Load(),
		FramesDropped: lc.queue.Dropped(),
		Reconnects:    lc.reconnects.Load(),
		LastLabel:     label,
		LastScore:     score,
	}, true
}

// Close ends any live call with [ReasonShutdown]. Used on server shutdown.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.EndCall(ctx, ReasonShutdown)
	if errors.Is(err, ErrNoCall) {
		return nil
	}
	return err
}

// transcriptText pulls the transcript (or text) field out of a done event.
func transcriptText(ev transport.ServerEvent) string {
	var body struct {
		Transcript string `json:"transcript"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(ev.Raw, &body); err != nil {
		return ""
	}
	if body.Transcript != "" {
		return body.Transcript
	}
	return body.Text
}
