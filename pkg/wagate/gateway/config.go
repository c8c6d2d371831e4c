package gateway

import (
	"fmt"
	"time"
)

// Config holds the tunables of the gateway core. Zero values are filled in
// from DefaultConfig by Normalize, so a partial YAML file is enough.
type Config struct {
	// Debounce is how long the aggregator waits after the last message
	// from a contact before flushing the buffered batch.
	Debounce time.Duration `yaml:"debounce"`

	// ReconnectDelay is the pause before a recoverable close triggers a
	// new connection attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// CredentialAttempts and CredentialBackoff govern credential loading.
	// Backoff grows linearly: attempt n waits n*CredentialBackoff.
	CredentialAttempts int           `yaml:"credential_attempts"`
	CredentialBackoff  time.Duration `yaml:"credential_backoff"`

	// SendAttempts and SendRetryDelay govern a single queued send.
	SendAttempts   int           `yaml:"send_attempts"`
	SendRetryDelay time.Duration `yaml:"send_retry_delay"`

	// PendingExpiry bounds how long an undeliverable send stays queued.
	PendingExpiry time.Duration `yaml:"pending_expiry"`

	// PairingSuppression is the window after pairing-code generation in
	// which disconnect notifications are swallowed. PairingPreDelay is
	// the settle pause before requesting a code.
	PairingSuppression time.Duration `yaml:"pairing_suppression"`
	PairingPreDelay    time.Duration `yaml:"pairing_pre_delay"`

	// OpenWait bounds how long a send-path reconnect waits for the
	// transport to reach open. IdentityWait and IdentityPoll bound the
	// wait for identity resolution after the socket opens.
	OpenWait     time.Duration `yaml:"open_wait"`
	IdentityWait time.Duration `yaml:"identity_wait"`
	IdentityPoll time.Duration `yaml:"identity_poll"`

	// JoinSeparator glues batched messages into one dispatch turn.
	JoinSeparator string `yaml:"join_separator"`

	// JanitorSchedule is the cron expression for the background sweep of
	// expired pending sends and stale pairing markers. Empty disables it.
	JanitorSchedule string `yaml:"janitor_schedule"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:           10 * time.Second,
		ReconnectDelay:     2 * time.Second,
		CredentialAttempts: 5,
		CredentialBackoff:  500 * time.Millisecond,
		SendAttempts:       3,
		SendRetryDelay:     time.Second,
		PendingExpiry:      60 * time.Second,
		PairingSuppression: 30 * time.Second,
		PairingPreDelay:    time.Second,
		OpenWait:           20 * time.Second,
		IdentityWait:       10 * time.Second,
		IdentityPoll:       200 * time.Millisecond,
		JoinSeparator:      "\n\n",
		JanitorSchedule:    "*/1 * * * *",
	}
}

// Normalize fills zero fields with defaults and rejects nonsense values.
func (c *Config) Normalize() error {
	def := DefaultConfig()
	if c.Debounce == 0 {
		c.Debounce = def.Debounce
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.CredentialAttempts == 0 {
		c.CredentialAttempts = def.CredentialAttempts
	}
	if c.CredentialBackoff == 0 {
		c.CredentialBackoff = def.CredentialBackoff
	}
	if c.SendAttempts == 0 {
		c.SendAttempts = def.SendAttempts
	}
	if c.SendRetryDelay == 0 {
		c.SendRetryDelay = def.SendRetryDelay
	}
	if c.PendingExpiry == 0 {
		c.PendingExpiry = def.PendingExpiry
	}
	if c.PairingSuppression == 0 {
		c.PairingSuppression = def.PairingSuppression
	}
	if c.PairingPreDelay == 0 {
		c.PairingPreDelay = def.PairingPreDelay
	}
	if c.OpenWait == 0 {
		c.OpenWait = def.OpenWait
	}
	if c.IdentityWait == 0 {
		c.IdentityWait = def.IdentityWait
	}
	if c.IdentityPoll == 0 {
		c.IdentityPoll = def.IdentityPoll
	}
	if c.JoinSeparator == "" {
		c.JoinSeparator = def.JoinSeparator
	}

	if c.CredentialAttempts < 1 {
		return fmt.Errorf("gateway: credential_attempts must be >= 1, got %d", c.CredentialAttempts)
	}
	if c.SendAttempts < 1 {
		return fmt.Errorf("gateway: send_attempts must be >= 1, got %d", c.SendAttempts)
	}
	if c.Debounce < 0 || c.PendingExpiry < 0 {
		return fmt.Errorf("gateway: negative durations are not allowed")
	}
	return nil
}

// SessionConfig is the per-session behavior profile, set by the operator
// and consulted on every dispatch turn.
type SessionConfig struct {
	Provider     string  `yaml:"provider" json:"provider"`
	Model        string  `yaml:"model" json:"model"`
	SystemPrompt string  `yaml:"system_prompt" json:"system_prompt"`
	Temperature  float64 `yaml:"temperature" json:"temperature"`
	TTSEnabled   bool    `yaml:"tts_enabled" json:"tts_enabled"`
	TTSVoice     string  `yaml:"tts_voice" json:"tts_voice"`

	// Enabled gates message processing. A disabled session stays
	// connected but silently drops inbound traffic.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultSessionConfig returns the profile applied when the operator has
// not set one.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Provider:    "gemini",
		Model:       "gemini-2.0-flash",
		Temperature: 0.7,
		TTSVoice:    "Aoede",
		Enabled:     true,
	}
}
