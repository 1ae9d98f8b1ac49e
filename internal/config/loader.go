package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// DefaultAPIKeyEnv is the environment variable consulted for the analysis
// endpoint API key when transport.api_key_env is not set.
const DefaultAPIKeyEnv = "OPENAI_API_KEY"

// macPattern matches colon-separated Bluetooth device addresses.
var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// APIKeyEnvName returns the environment variable the API key is read from.
func (c *TransportConfig) APIKeyEnvName() string {
	if c.APIKeyEnv == "" {
		return DefaultAPIKeyEnv
	}
	return c.APIKeyEnv
}

// APIKey resolves the analysis endpoint API key from the environment.
func (c *TransportConfig) APIKey() string {
	return os.Getenv(c.APIKeyEnvName())
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Relay
	if cfg.Relay.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("relay.queue_capacity %d must not be negative", cfg.Relay.QueueCapacity))
	}
	if cfg.Relay.FrameBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.frame_bytes %d must not be negative", cfg.Relay.FrameBytes))
	}

	// Transport
	if cfg.Transport.BackoffBase < 0 || cfg.Transport.BackoffCap < 0 {
		errs = append(errs, errors.New("transport backoff durations must not be negative"))
	}
	if cfg.Transport.BackoffBase > 0 && cfg.Transport.BackoffCap > 0 &&
		cfg.Transport.BackoffBase > cfg.Transport.BackoffCap {
		errs = append(errs, fmt.Errorf("transport.backoff_base %v exceeds transport.backoff_cap %v",
			cfg.Transport.BackoffBase, cfg.Transport.BackoffCap))
	}
	if cfg.Transport.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_attempts %d must not be negative", cfg.Transport.MaxAttempts))
	}
	if cfg.Transport.APIKey() == "" {
		slog.Warn("analysis API key not present in environment; calls cannot be relayed",
			"env", cfg.Transport.APIKeyEnvName())
	}

	// Bridge
	if cfg.Bridge.Enabled {
		if cfg.Bridge.PhoneMAC == "" {
			errs = append(errs, errors.New("bridge.phone_mac is required when the bridge is enabled"))
		} else if !macPattern.MatchString(cfg.Bridge.PhoneMAC) {
			errs = append(errs, fmt.Errorf("bridge.phone_mac %q is not a valid Bluetooth address", cfg.Bridge.PhoneMAC))
		}
		if cfg.Bridge.HeadsetMAC == "" {
			errs = append(errs, errors.New("bridge.headset_mac is required when the bridge is enabled"))
		} else if !macPattern.MatchString(cfg.Bridge.HeadsetMAC) {
			errs = append(errs, fmt.Errorf("bridge.headset_mac %q is not a valid Bluetooth address", cfg.Bridge.HeadsetMAC))
		}
		if cfg.Relay.PipePath == "" {
			errs = append(errs, errors.New("relay.pipe_path is required when the bridge is enabled"))
		}
	}
	if cfg.Bridge.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("bridge.grace_period %v must not be negative", cfg.Bridge.GracePeriod))
	}

	// Storage / alerts are optional; absence only limits features.
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; call records will not be persisted")
	}
	if cfg.Alerts.WebhookURL == "" {
		slog.Warn("alerts.webhook_url is empty; severe verdicts will not be pushed anywhere")
	}

	return errors.Join(errs...)
}
