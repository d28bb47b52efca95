package renderhost

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML configs can spell durations as
// strings like "100ms" or "2s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// SupervisorConfig bounds the supervisor's respawn behavior. The zero value
// is not usable; start from DefaultSupervisorConfig or LoadSupervisorConfig.
type SupervisorConfig struct {
	// ProtocolVersion is the version token offered at the handshake.
	ProtocolVersion string `toml:"protocol_version"`

	// MaxRespawnAttempts is how many consecutive respawn attempts are made
	// after a crash before the supervisor gives up with FatalFailure. The
	// counter resets each time a connection is established.
	MaxRespawnAttempts int `toml:"max_respawn_attempts"`

	// InitialBackoff is the delay before the first respawn attempt.
	InitialBackoff Duration `toml:"initial_backoff"`

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor int `toml:"backoff_factor"`

	// MaxBackoff caps the respawn delay.
	MaxBackoff Duration `toml:"max_backoff"`

	// TerminateTimeout is how long a graceful stop may take before the
	// incarnation is killed.
	TerminateTimeout Duration `toml:"terminate_timeout"`
}

// DefaultSupervisorConfig returns the stock configuration: three respawn
// attempts at 100ms, 200ms, 400ms.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ProtocolVersion:    ProtocolVersion,
		MaxRespawnAttempts: 3,
		InitialBackoff:     Duration{100 * time.Millisecond},
		BackoffFactor:      2,
		MaxBackoff:         Duration{5 * time.Second},
		TerminateTimeout:   Duration{5 * time.Second},
	}
}

// Validate reports the first configuration problem found.
func (c *SupervisorConfig) Validate() error {
	if c.ProtocolVersion == "" {
		return fmt.Errorf("protocol_version must not be empty")
	}
	if c.MaxRespawnAttempts < 0 {
		return fmt.Errorf("max_respawn_attempts must not be negative")
	}
	if c.InitialBackoff.Duration <= 0 {
		return fmt.Errorf("initial_backoff must be positive")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be at least 1")
	}
	if c.MaxBackoff.Duration < c.InitialBackoff.Duration {
		return fmt.Errorf("max_backoff must be at least initial_backoff")
	}
	return nil
}

// LoadSupervisorConfig reads a TOML file over the defaults, so a config file
// only needs to name the values it changes.
func LoadSupervisorConfig(path string) (SupervisorConfig, error) {
	cfg := DefaultSupervisorConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return SupervisorConfig{}, fmt.Errorf("load supervisor config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return SupervisorConfig{}, fmt.Errorf("invalid supervisor config %s: %w", path, err)
	}
	return cfg, nil
}
