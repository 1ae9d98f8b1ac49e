package procman

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Default audio parameters for the bridge pipelines. The capture path and the
// remote analysis endpoint both expect mono PCM16 at 16 kHz.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	defaultFormat     = "S16_LE"
)

// BridgeConfig describes the Bluetooth audio topology: the phone whose call
// audio is tapped, the headset the caller actually talks through, and the
// named pipe the downlink copy is teed into.
type BridgeConfig struct {
	// PhoneMAC is the Bluetooth address of the paired phone (HFP audio
	// gateway).
	PhoneMAC string

	// HeadsetMAC is the Bluetooth address of the headset the call is
	// rendered to.
	HeadsetMAC string

	// PipePath is the named pipe the downlink audio is duplicated into for
	// capture.
	PipePath string

	// SampleRate and Channels default to 16 kHz mono.
	SampleRate int
	Channels   int
}

func (c *BridgeConfig) withDefaults() BridgeConfig {
	out := *c
	if out.SampleRate <= 0 {
		out.SampleRate = DefaultSampleRate
	}
	if out.Channels <= 0 {
		out.Channels = DefaultChannels
	}
	return out
}

// Validate reports the missing required fields, if any.
func (c *BridgeConfig) Validate() error {
	var errs []string
	if c.PhoneMAC == "" {
		errs = append(errs, "phone MAC must not be empty")
	}
	if c.HeadsetMAC == "" {
		errs = append(errs, "headset MAC must not be empty")
	}
	if c.PipePath == "" {
		errs = append(errs, "pipe path must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("procman: bridge config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Bridge wires the phone's call audio through the host: bluetoothd and
// bluealsa provide the devices, a downlink pipeline plays phone audio to the
// headset while teeing a copy into the capture pipe, and an uplink pipeline
// carries the headset microphone back to the phone.
//
// The bridge spawns everything through its [Supervisor] and remembers its own
// processes, so Stop tears down exactly the bridge's processes in reverse
// spawn order without touching anything else the supervisor tracks.
type Bridge struct {
	cfg BridgeConfig
	sup *Supervisor

	mu    sync.Mutex
	procs []*ManagedProcess
	drain *ManagedProcess
}

// NewBridge creates a bridge over sup. The config is validated on Start, not
// here.
func NewBridge(cfg BridgeConfig, sup *Supervisor) *Bridge {
	return &Bridge{cfg: cfg.withDefaults(), sup: sup}
}

// alsaDevice names the bluealsa PCM for a device address.
func alsaDevice(mac string) string {
	return fmt.Sprintf("bluealsa:DEV=%s,PROFILE=sco", mac)
}

// EnsurePipe (re)creates the capture pipe. A stale regular file or pipe at
// the path is removed first.
func (b *Bridge) EnsurePipe() error {
	if err := os.Remove(b.cfg.PipePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("procman: remove stale pipe: %w", err)
	}
	if err := syscall.Mkfifo(b.cfg.PipePath, 0o644); err != nil {
		return fmt.Errorf("procman: mkfifo %s: %w", b.cfg.PipePath, err)
	}
	return nil
}

// Start brings the whole bridge up: capture pipe, Bluetooth daemons, device
// connections, then the downlink and uplink pipelines. On any failure the
// processes already spawned are torn down before the error is returned.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.cfg.Validate(); err != nil {
		return err
	}
	if err := b.EnsurePipe(); err != nil {
		return err
	}

	steps := []Spec{
		{Role: "bluetoothd", Path: "bluetoothd", Args: []string{"-n"}},
		{Role: "bluealsa", Path: "bluealsa", Args: []string{"-p", "hfp-hf", "-p", "a2dp-sink"}},
		{Role: "bt-connect-phone", Path: "bluetoothctl", Stdin: connectScript(b.cfg.PhoneMAC)},
		{Role: "bt-connect-headset", Path: "bluetoothctl", Stdin: connectScript(b.cfg.HeadsetMAC)},
		{Role: "audio-downlink", Script: b.downlinkScript()},
		{Role: "audio-uplink", Script: b.uplinkScript()},
	}

	for _, spec := range steps {
		p, err := b.sup.Spawn(ctx, spec)
		if err != nil {
			b.Stop()
			return err
		}
		b.mu.Lock()
		b.procs = append(b.procs, p)
		b.mu.Unlock()

		// The daemons and the bluetoothctl handshakes need a moment before
		// the next step can use them.
		if wait := settleDelay(spec.Role); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				b.Stop()
				return &SpawnError{Role: spec.Role, Err: ctx.Err()}
			}
		}
	}

	slog.Info("bluetooth bridge up",
		"phone", b.cfg.PhoneMAC,
		"headset", b.cfg.HeadsetMAC,
		"pipe", b.cfg.PipePath,
	)
	return nil
}

// settleDelay gives slow-starting steps time to come up before dependents run.
func settleDelay(role string) time.Duration {
	switch role {
	case "bluetoothd", "bluealsa":
		return 2 * time.Second
	case "bt-connect-phone", "bt-connect-headset":
		return 3 * time.Second
	default:
		return 0
	}
}

// connectScript is the bluetoothctl command sequence for one device.
func connectScript(mac string) string {
	return strings.Join([]string{
		"power on",
		"agent on",
		"default-agent",
		"connect " + mac,
		"quit",
	}, "\n") + "\n"
}

// downlinkScript records the phone's call audio, plays it to the headset, and
// tees a raw copy into the capture pipe. tee blocks when nothing reads the
// pipe, which is why a drain or a capture must be attached first.
func (b *Bridge) downlinkScript() string {
	fmtArgs := fmt.Sprintf("-f %s -r %d -c %d -t raw", defaultFormat, b.cfg.SampleRate, b.cfg.Channels)
	return fmt.Sprintf(`set -euo pipefail
arecord -D %s %s \
  | tee %s \
  | aplay -D %s %s
`, alsaDevice(b.cfg.PhoneMAC), fmtArgs, b.cfg.PipePath, alsaDevice(b.cfg.HeadsetMAC), fmtArgs)
}

// uplinkScript carries the headset microphone back to the phone.
func (b *Bridge) uplinkScript() string {
	fmtArgs := fmt.Sprintf("-f %s -r %d -c %d -t raw", defaultFormat, b.cfg.SampleRate, b.cfg.Channels)
	return fmt.Sprintf(`set -euo pipefail
arecord -D %s %s | aplay -D %s %s
`, alsaDevice(b.cfg.HeadsetMAC), fmtArgs, alsaDevice(b.cfg.PhoneMAC), fmtArgs)
}

// StartDrain attaches a throwaway reader to the capture pipe so the downlink
// tee never stalls while no capture is running. No-op when a drain is already
// attached.
func (b *Bridge) StartDrain(ctx context.Context) error {
	b.mu.Lock()
	if b.drain != nil {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	p, err := b.sup.Spawn(ctx, Spec{
		Role:   "pipe-drain",
		Script: fmt.Sprintf("dd if=%s of=/dev/null bs=2048\n", b.cfg.PipePath),
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.drain = p
	b.mu.Unlock()
	return nil
}

// StopDrain detaches the drain reader so a capture can take over the pipe.
func (b *Bridge) StopDrain() error {
	b.mu.Lock()
	p := b.drain
	b.drain = nil
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	return b.sup.Terminate(p)
}

// Verify checks that bluealsa exposes both configured devices. It shells out
// to bluealsa-aplay with a bounded context.
func (b *Bridge) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "bluealsa-aplay", "-L").CombinedOutput()
	if err != nil {
		return fmt.Errorf("procman: list bluealsa devices: %w", err)
	}
	listing := string(out)
	for _, mac := range []string{b.cfg.PhoneMAC, b.cfg.HeadsetMAC} {
		if !strings.Contains(listing, mac) {
			return fmt.Errorf("procman: device %s not visible to bluealsa", mac)
		}
	}
	return nil
}

// Stop tears the bridge down in reverse spawn order: the pipelines first,
// then the connections and daemons. Safe to call more than once; processes
// already terminated elsewhere are skipped.
func (b *Bridge) Stop() {
	b.StopDrain()

	b.mu.Lock()
	procs := b.procs
	b.procs = nil
	b.mu.Unlock()

	for i := len(procs) - 1; i >= 0; i-- {
		if err := b.sup.Terminate(procs[i]); err != nil {
			slog.Warn("bridge teardown error", "role", procs[i].Role(), "err", err)
		}
	}
}
