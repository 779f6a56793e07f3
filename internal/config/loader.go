package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Load reads, parses and validates the configuration file at path. The
// format is chosen by extension: .yaml/.yml via goccy/go-yaml, .json via
// the standard library decoder. .toml is rejected outright — no TOML
// library exists in this module's dependency set, and guessing at a
// hand-rolled parser would silently misinterpret files rather than fail
// loudly.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	snap := &Snapshot{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, snap); err != nil {
			return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, snap); err != nil {
			return nil, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	case ".toml":
		return nil, fmt.Errorf("config: unsupported config format %q (toml is not supported)", ext)
	default:
		return nil, fmt.Errorf("config: unrecognised config extension %q", ext)
	}

	applyDefaults(snap)
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func applyDefaults(s *Snapshot) {
	if s.MetricsEndpoint == "" {
		s.MetricsEndpoint = "/metrics"
	}
	if s.CircuitBreaker.FailureThreshold <= 0 {
		s.CircuitBreaker.FailureThreshold = 5
	}
	if s.CircuitBreaker.HalfOpenTimeoutSecs <= 0 {
		s.CircuitBreaker.HalfOpenTimeoutSecs = 30
	}
	s.CircuitBreaker.Timeout = s.CircuitBreaker.ResetTimeout()
	if s.Retry.MaxRetries <= 0 && s.Retry.RetryIntervalMs <= 0 {
		s.Retry.MaxRetries = 2
		s.Retry.RetryIntervalMs = 100
	}
	if s.Auth.JWT.Header == "" {
		s.Auth.JWT.Header = "Authorization"
	}
	if s.Auth.APIKey.Header == "" {
		s.Auth.APIKey.Header = "X-API-Key"
	}
	if s.Registry.Type == "" {
		s.Registry.Type = "memory"
	}
}
