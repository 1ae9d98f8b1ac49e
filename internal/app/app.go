// Package app wires all Callwarden subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithRecorder,
// WithBridge, WithDialerFactory, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callwarden/callwarden/internal/api"
	"github.com/callwarden/callwarden/internal/call"
	"github.com/callwarden/callwarden/internal/config"
	"github.com/callwarden/callwarden/internal/health"
	"github.com/callwarden/callwarden/internal/notify"
	"github.com/callwarden/callwarden/internal/observe"
	"github.com/callwarden/callwarden/internal/procman"
	"github.com/callwarden/callwarden/internal/store"
	"github.com/callwarden/callwarden/internal/transport"
)

const defaultListenAddr = ":8080"

// App owns all subsystem lifetimes: the Bluetooth bridge processes, the call
// record store, the call coordinator, and the HTTP API server.
type App struct {
	cfg *config.Config

	supervisor *procman.Supervisor
	bridge     call.AudioBridge
	records    *store.Store
	recorder   call.Recorder
	coord      *call.Coordinator
	healthz    *health.Handler
	httpSrv    *http.Server
	listener   net.Listener

	dialerFactory call.DialerFactory
	sourceFactory call.SourceFactory
	webhook       *notify.Webhook
	webhookSet    bool
	levelVar      *slog.LevelVar

	// instructions is the current analysis brief; swapped on config reload
	// and read by the dialer factory at call start.
	instructions atomic.Value

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRecorder injects a call recorder instead of connecting to PostgreSQL.
func WithRecorder(r call.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithBridge injects an audio bridge instead of spawning the Bluetooth
// process chain.
func WithBridge(b call.AudioBridge) Option {
	return func(a *App) { a.bridge = b }
}

// WithDialerFactory injects a transport dialer factory instead of dialing the
// realtime endpoint.
func WithDialerFactory(f call.DialerFactory) Option {
	return func(a *App) { a.dialerFactory = f }
}

// WithSourceFactory injects an audio source factory instead of opening the
// capture pipe.
func WithSourceFactory(f call.SourceFactory) Option {
	return func(a *App) { a.sourceFactory = f }
}

// WithWebhook injects the alert webhook (nil disables alerting even when the
// config names a URL).
func WithWebhook(w *notify.Webhook) Option {
	return func(a *App) { a.webhook = w; a.webhookSet = true }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config reloads can retune verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: bridge process spawn, store connection, coordinator and HTTP
// listener setup all happen before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	a.instructions.Store(cfg.Transport.Instructions)

	// ── 1. Audio bridge ──────────────────────────────────────────────────
	if err := a.initBridge(ctx); err != nil {
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}

	// ── 2. Call record store ─────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 3. Alert webhook ─────────────────────────────────────────────────
	if !a.webhookSet && cfg.Alerts.WebhookURL != "" {
		a.webhook = notify.NewWebhook(cfg.Alerts.WebhookURL)
	}

	// ── 4. Call coordinator ──────────────────────────────────────────────
	if err := a.initCoordinator(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init coordinator: %w", err)
	}

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBridge spawns the Bluetooth audio chain when the bridge is enabled and
// no double was injected.
func (a *App) initBridge(ctx context.Context) error {
	if a.bridge != nil || !a.cfg.Bridge.Enabled {
		return nil
	}

	a.supervisor = procman.New(a.cfg.Bridge.GracePeriod)

	// A termination signal takes the process chain down directly, even when
	// the graceful shutdown path stalls; the TerminateAll in the closer below
	// is idempotent against it. The registration lasts until Shutdown.
	sigCtx, sigCancel := context.WithCancel(context.Background())
	a.supervisor.HandleSignals(sigCtx)

	bridge := procman.NewBridge(procman.BridgeConfig{
		PhoneMAC:   a.cfg.Bridge.PhoneMAC,
		HeadsetMAC: a.cfg.Bridge.HeadsetMAC,
		PipePath:   a.cfg.Relay.PipePath,
		SampleRate: a.cfg.Bridge.SampleRate,
		Channels:   a.cfg.Bridge.Channels,
	}, a.supervisor)

	if err := bridge.EnsurePipe(); err != nil {
		sigCancel()
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		sigCancel()
		a.supervisor.TerminateAll()
		return err
	}
	if err := bridge.StartDrain(ctx); err != nil {
		sigCancel()
		bridge.Stop()
		a.supervisor.TerminateAll()
		return err
	}

	a.bridge = bridge
	a.closers = append(a.closers, func() error {
		sigCancel()
		bridge.Stop()
		a.supervisor.TerminateAll()
		return nil
	})
	slog.Info("audio bridge up",
		"phone", a.cfg.Bridge.PhoneMAC,
		"headset", a.cfg.Bridge.HeadsetMAC,
		"pipe", a.cfg.Relay.PipePath,
	)
	return nil
}

// initStorage connects the PostgreSQL record store, or falls back to a no-op
// recorder when no DSN is configured.
func (a *App) initStorage(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("no postgres_dsn configured, call records are not persisted")
		a.recorder = call.NopRecorder{}
		return nil
	}

	st, err := store.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.records = st
	a.recorder = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initCoordinator builds the call coordinator from config plus whatever
// doubles were injected.
func (a *App) initCoordinator() error {
	newDialer := a.dialerFactory
	if newDialer == nil {
		newDialer = a.realtimeFactory()
	}

	coord, err := call.NewCoordinator(call.Config{
		QueueCapacity: a.cfg.Relay.QueueCapacity,
		FrameBytes:    a.cfg.Relay.FrameBytes,
		PipePath:      a.cfg.Relay.PipePath,
		OpenSource:    a.sourceFactory,
		NewDialer:     newDialer,
		Session: transport.SessionConfig{
			BackoffBase:    a.cfg.Transport.BackoffBase,
			BackoffCap:     a.cfg.Transport.BackoffCap,
			MaxAttempts:    a.cfg.Transport.MaxAttempts,
			ConnectTimeout: a.cfg.Transport.ConnectTimeout,
			SendTimeout:    a.cfg.Transport.SendTimeout,
			IdleTimeout:    a.cfg.Transport.IdleTimeout,
		},
		Bridge:   a.bridge,
		Recorder: a.recorder,
		Webhook:  a.webhook,
	})
	if err != nil {
		return err
	}
	a.coord = coord
	return nil
}

// realtimeFactory builds the production dialer factory. The API key and the
// analysis brief are resolved at call start, so a key exported after boot or
// a reloaded brief is picked up by the next call. Caller context, when the
// start request carries it, is appended to the brief.
func (a *App) realtimeFactory() call.DialerFactory {
	return func(meta call.Meta, onEvent func(transport.ServerEvent)) (transport.Dialer, error) {
		key := a.cfg.Transport.APIKey()
		if key == "" {
			return nil, fmt.Errorf("app: API key not set (env %q)", a.cfg.Transport.APIKeyEnvName())
		}
		instructions, _ := a.instructions.Load().(string)
		if brief := meta.Brief(); brief != "" {
			instructions += "\n\n" + brief
		}
		return transport.NewRealtime(transport.RealtimeConfig{
			URL:          a.cfg.Transport.URL,
			Model:        a.cfg.Transport.Model,
			APIKey:       key,
			Instructions: instructions,
			OnEvent:      onEvent,
		})
	}
}

// initHTTP binds the listener and assembles the API handler.
func (a *App) initHTTP() error {
	a.healthz = health.New(a.healthCheckers()...)

	var browser api.RecordBrowser
	if a.records != nil {
		browser = a.records
	}
	srv := api.New(a.coord, browser, a.healthz, observe.DefaultMetrics())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.httpSrv = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// healthCheckers lists the readiness probes for the configured subsystems.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if a.records != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: a.records.Ping,
		})
	}
	if verifier, ok := a.bridge.(interface{ Verify(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{
			Name:  "bridge",
			Check: verifier.Verify,
		})
	}
	return checkers
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. On cancellation it returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(a.listener)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("app running", "addr", a.ListenAddr(), "bridge", a.cfg.Bridge.Enabled)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ListenAddr returns the bound address of the HTTP listener. Useful when the
// configured address was ":0".
func (a *App) ListenAddr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Coordinator exposes the call coordinator, mainly for the signal path in
// main and for tests.
func (a *App) Coordinator() *call.Coordinator { return a.coord }

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfigChange applies the hot-reloadable subset of a config update: log
// level, alert webhook, and the analysis brief. Everything else requires a
// restart and is ignored.
func (a *App) ApplyConfigChange(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if !d.Any() {
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.WebhookChanged {
		var w *notify.Webhook
		if d.NewWebhookURL != "" {
			w = notify.NewWebhook(d.NewWebhookURL)
		}
		a.coord.SetWebhook(w)
		slog.Info("alert webhook changed", "enabled", w != nil)
	}
	if d.InstructionsChanged {
		a.instructions.Store(d.NewInstructions)
		slog.Info("analysis instructions changed, applies to the next call")
	}
}

// slogLevel maps a config log level to its slog counterpart.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the HTTP server stops taking requests,
// any live call is ended and recorded, then the closers run in order. It
// respects the context deadline; closers remaining when ctx expires are
// skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		if err := a.coord.Close(ctx); err != nil {
			slog.Warn("call teardown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers unwinds partially built state when New fails midway.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("cleanup error", "err", err)
		}
	}
}
