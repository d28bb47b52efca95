package renderhost

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSupervisorConfig(t *testing.T) {
	cfg := DefaultSupervisorConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %q, want %q", cfg.ProtocolVersion, ProtocolVersion)
	}
}

func TestSupervisorConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SupervisorConfig)
	}{
		{"empty version", func(c *SupervisorConfig) { c.ProtocolVersion = "" }},
		{"negative attempts", func(c *SupervisorConfig) { c.MaxRespawnAttempts = -1 }},
		{"zero backoff", func(c *SupervisorConfig) { c.InitialBackoff = Duration{} }},
		{"factor below one", func(c *SupervisorConfig) { c.BackoffFactor = 0 }},
		{"cap below initial", func(c *SupervisorConfig) {
			c.InitialBackoff = Duration{time.Second}
			c.MaxBackoff = Duration{time.Millisecond}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultSupervisorConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestLoadSupervisorConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.toml")
	body := `
max_respawn_attempts = 5
initial_backoff = "50ms"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadSupervisorConfig(path)
	if err != nil {
		t.Fatalf("LoadSupervisorConfig: %v", err)
	}
	if cfg.MaxRespawnAttempts != 5 {
		t.Errorf("max_respawn_attempts = %d, want 5", cfg.MaxRespawnAttempts)
	}
	if cfg.InitialBackoff.Duration != 50*time.Millisecond {
		t.Errorf("initial_backoff = %v, want 50ms", cfg.InitialBackoff.Duration)
	}
	// Values the file does not name keep their defaults.
	if cfg.BackoffFactor != 2 || cfg.ProtocolVersion != ProtocolVersion {
		t.Errorf("defaults not preserved: %+v", cfg)
	}
}

func TestLoadSupervisorConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.toml")
	if err := os.WriteFile(path, []byte("backoff_factor = 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadSupervisorConfig(path); err == nil {
		t.Error("invalid config accepted")
	}
	if _, err := LoadSupervisorConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("missing file accepted")
	}
}
