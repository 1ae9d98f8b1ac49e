// Package procman owns the lifecycle of the external OS processes behind the
// audio path: the Bluetooth daemons, the bluealsa routing layer, and the
// shell pipelines that tee call audio into the capture pipe.
//
// Every process is spawned through the [Supervisor] and tracked until
// terminated. Nothing else in the program may kill a managed process
// directly; teardown goes through [Supervisor.Terminate] or
// [Supervisor.TerminateAll], which stop processes in reverse spawn order so
// that readers are gone before the processes they read from.
package procman

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/callwarden/callwarden/internal/observe"
)

// DefaultGracePeriod is how long a process gets to exit after SIGTERM before
// it is killed.
const DefaultGracePeriod = 5 * time.Second

// killWait bounds how long Terminate waits for the wait goroutine to observe
// the exit after a SIGKILL.
const killWait = 2 * time.Second

// SpawnError reports a failed process launch.
type SpawnError struct {
	Role string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("procman: spawn %s: %v", e.Role, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminateError reports a failed termination. The process is removed from
// the tracked set regardless, so a TerminateError never causes a leak in the
// supervisor's own bookkeeping.
type TerminateError struct {
	Role string
	Err  error
}

func (e *TerminateError) Error() string {
	return fmt.Sprintf("procman: terminate %s: %v", e.Role, e.Err)
}

func (e *TerminateError) Unwrap() error { return e.Err }

// Spec describes one external process to launch.
type Spec struct {
	// Role tags the process in logs and teardown ordering
	// (e.g. "audio-downlink", "pipe-drain").
	Role string

	// Path and Args name the executable when Script is empty.
	Path string
	Args []string

	// Stdin, when non-empty, is written to the process's standard input and
	// then closed. Used to drive bluetoothctl command sequences.
	Stdin string

	// Script, when non-empty, is written to a transient helper file and
	// executed with /bin/bash. The file is removed when the process is
	// terminated.
	Script string
}

// ManagedProcess is one external process under supervision. All fields are
// owned by the Supervisor; callers observe it through the accessor methods.
type ManagedProcess struct {
	role    string
	cmd     *exec.Cmd
	started time.Time
	script  string // transient helper file, "" if none

	done    chan struct{}
	waitErr error
}

// Role returns the textual role tag the process was spawned with.
func (p *ManagedProcess) Role() string { return p.role }

// Pid returns the OS process id.
func (p *ManagedProcess) Pid() int { return p.cmd.Process.Pid }

// Started returns the spawn time.
func (p *ManagedProcess) Started() time.Time { return p.started }

// Done is closed once the process has exited and been reaped.
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait result. Only meaningful after Done is closed.
func (p *ManagedProcess) ExitErr() error { return p.waitErr }

// Supervisor spawns and tracks external processes. All methods are safe for
// concurrent use. The zero value is not usable; construct with [New].
type Supervisor struct {
	grace     time.Duration
	scriptDir string
	metrics   *observe.Metrics

	mu    sync.Mutex
	procs []*ManagedProcess

	sigOnce sync.Once
}

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithScriptDir sets the directory for generated helper scripts.
// Defaults to os.TempDir().
func WithScriptDir(dir string) Option {
	return func(s *Supervisor) { s.scriptDir = dir }
}

// New creates a Supervisor. A grace of zero or less falls back to
// [DefaultGracePeriod].
func New(grace time.Duration, opts ...Option) *Supervisor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	s := &Supervisor{
		grace:     grace,
		scriptDir: os.TempDir(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spawn launches the process described by spec and registers it for
// tracking. The process runs in its own process group so that shell
// pipelines are terminated as a unit.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*ManagedProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Role: spec.Role, Err: err}
	}

	var cmd *exec.Cmd
	var scriptPath string
	if spec.Script != "" {
		path, err := s.writeScript(spec.Role, spec.Script)
		if err != nil {
			return nil, &SpawnError{Role: spec.Role, Err: err}
		}
		scriptPath = path
		cmd = exec.Command("/bin/bash", path)
	} else {
		cmd = exec.Command(spec.Path, spec.Args...)
	}

	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if scriptPath != "" {
			os.Remove(scriptPath)
		}
		return nil, &SpawnError{Role: spec.Role, Err: err}
	}

	p := &ManagedProcess{
		role:    spec.Role,
		cmd:     cmd,
		started: time.Now(),
		script:  scriptPath,
		done:    make(chan struct{}),
	}
	s.metrics.ManagedProcesses.Add(context.Background(), 1)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
		s.metrics.ManagedProcesses.Add(context.Background(), -1)
	}()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	slog.Info("process spawned", "role", p.role, "pid", p.Pid())
	return p, nil
}

// writeScript writes body to a transient, executable helper file.
func (s *Supervisor) writeScript(role, body string) (string, error) {
	f, err := os.CreateTemp(s.scriptDir, role+"-*.sh")
	if err != nil {
		return "", fmt.Errorf("create helper script: %w", err)
	}
	path := f.Name()
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write helper script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close helper script: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("chmod helper script: %w", err)
	}
	return path, nil
}

// Terminate stops p gracefully: SIGTERM to its process group, wait up to the
// grace period, SIGKILL on timeout. p is always removed from the tracked set
// and its helper script removed, even when signalling fails.
func (s *Supervisor) Terminate(p *ManagedProcess) error {
	s.remove(p)
	return s.stop(p)
}

// TerminateAll stops every tracked process in reverse spawn order. The
// tracked set is swapped out atomically first, so concurrent calls (a signal
// handler racing a normal shutdown) each see their own slice and no process
// is torn down twice.
func (s *Supervisor) TerminateAll() {
	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()

	if len(procs) == 0 {
		return
	}
	slog.Info("terminating managed processes", "count", len(procs))
	for i := len(procs) - 1; i >= 0; i-- {
		if err := s.stop(procs[i]); err != nil {
			slog.Warn("terminate error", "role", procs[i].role, "err", err)
		}
	}
}

// HandleSignals arranges for SIGINT/SIGTERM to trigger TerminateAll exactly
// once, no matter how many signals arrive. The registration lasts until ctx
// is done.
func (s *Supervisor) HandleSignals(ctx context.Context) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			s.sigOnce.Do(func() {
				slog.Info("termination signal received, stopping managed processes", "signal", sig.String())
				s.TerminateAll()
			})
		case <-ctx.Done():
		}
	}()
}

// Count reports the number of currently tracked processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// remove unregisters p without touching the process itself.
func (s *Supervisor) remove(p *ManagedProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.procs {
		if q == p {
			s.procs = append(s.procs[:i], s.procs[i+1:]...)
			return
		}
	}
}

// stop performs the actual graceful-then-forceful termination and cleans up
// the helper script. It does not touch the tracked set.
func (s *Supervisor) stop(p *ManagedProcess) error {
	if p.script != "" {
		defer os.Remove(p.script)
	}

	select {
	case <-p.done:
		// Already exited; nothing to signal.
		slog.Debug("process already exited", "role", p.role, "pid", p.Pid())
		return nil
	default:
	}

	// Negative pid addresses the whole process group, so shell pipelines
	// (arecord | tee | dd) go down together.
	pgid := -p.Pid()
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		// Fall through to SIGKILL below rather than giving up.
		slog.Warn("SIGTERM failed", "role", p.role, "pid", p.Pid(), "err", err)
	}

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-p.done:
		slog.Info("process exited", "role", p.role, "pid", p.Pid())
		return nil
	case <-grace.C:
	}

	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return &TerminateError{Role: p.role, Err: err}
	}

	kill := time.NewTimer(killWait)
	defer kill.Stop()
	select {
	case <-p.done:
		slog.Info("process killed after grace period", "role", p.role, "pid", p.Pid())
		return nil
	case <-kill.C:
		return &TerminateError{Role: p.role, Err: fmt.Errorf("process did not exit after SIGKILL")}
	}
}

// ScriptGlob returns the glob pattern matching helper scripts this
// supervisor generates for role. Exposed for cleanup verification in tests.
func (s *Supervisor) ScriptGlob(role string) string {
	return filepath.Join(s.scriptDir, role+"-*.sh")
}
