package config

// DiffResult describes what changed between two configs. Only fields that
// can be safely hot-reloaded without restarting a live call are tracked;
// everything else (queue sizing, bridge topology, storage DSN) requires a
// restart.
type DiffResult struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WebhookChanged bool
	NewWebhookURL  string

	InstructionsChanged bool
	NewInstructions     string
}

// Any reports whether the diff carries at least one applicable change.
func (d DiffResult) Any() bool {
	return d.LogLevelChanged || d.WebhookChanged || d.InstructionsChanged
}

// Diff compares old and new configs and returns the hot-reloadable changes.
func Diff(old, new *Config) DiffResult {
	d := DiffResult{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Alerts.WebhookURL != new.Alerts.WebhookURL {
		d.WebhookChanged = true
		d.NewWebhookURL = new.Alerts.WebhookURL
	}
	if old.Transport.Instructions != new.Transport.Instructions {
		d.InstructionsChanged = true
		d.NewInstructions = new.Transport.Instructions
	}

	return d
}
