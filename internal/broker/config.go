package broker

import (
	"fmt"
	"time"
)

// LoadBalancing names a dispatch strategy for downstream media services.
// The broker records it on session routing for external dispatchers; it does
// not interpret the value itself.
type LoadBalancing string

const (
	LoadBalancingRoundRobin LoadBalancing = "round_robin"
	LoadBalancingLeastBusy  LoadBalancing = "least_busy"
	LoadBalancingSticky     LoadBalancing = "sticky"
)

// Config bounds broker admission and maintenance cadence, and supplies the
// default routing endpoints stamped onto new sessions.
type Config struct {
	MaxConcurrentSessions int           `json:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	InactivityTimeout     time.Duration `json:"inactivity_timeout" yaml:"inactivity_timeout"`
	CleanupInterval       time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	TelemetryInterval     time.Duration `json:"telemetry_interval" yaml:"telemetry_interval"`
	TelemetryEnabled      bool          `json:"telemetry_enabled" yaml:"telemetry_enabled"`

	DefaultSTTEndpoint          string        `json:"default_stt_endpoint" yaml:"default_stt_endpoint"`
	DefaultTTSEndpoint          string        `json:"default_tts_endpoint" yaml:"default_tts_endpoint"`
	DefaultOrchestratorEndpoint string        `json:"default_orchestrator_endpoint" yaml:"default_orchestrator_endpoint"`
	DefaultTimeout              time.Duration `json:"default_timeout" yaml:"default_timeout"`
	LoadBalancing               LoadBalancing `json:"load_balancing" yaml:"load_balancing"`
}

// DefaultConfig returns the broker defaults for a single-node deployment.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 100,
		InactivityTimeout:     5 * time.Minute,
		CleanupInterval:       30 * time.Second,
		TelemetryInterval:     60 * time.Second,
		TelemetryEnabled:      true,

		DefaultSTTEndpoint:          "http://localhost:8001",
		DefaultTTSEndpoint:          "http://localhost:8002",
		DefaultOrchestratorEndpoint: "http://localhost:8000",
		DefaultTimeout:              30 * time.Second,
		LoadBalancing:               LoadBalancingRoundRobin,
	}
}

// Validate collects every violation instead of stopping at the first, so an
// operator fixes a bad config file in one pass.
func (c Config) Validate() []string {
	var violations []string

	if c.MaxConcurrentSessions <= 0 {
		violations = append(violations, fmt.Sprintf(
			"max_concurrent_sessions must be positive, got %d", c.MaxConcurrentSessions))
	}
	if c.InactivityTimeout < 0 {
		violations = append(violations, fmt.Sprintf(
			"inactivity_timeout must not be negative, got %s", c.InactivityTimeout))
	}
	if c.CleanupInterval <= 0 {
		violations = append(violations, fmt.Sprintf(
			"cleanup_interval must be positive, got %s", c.CleanupInterval))
	}
	if c.TelemetryEnabled && c.TelemetryInterval <= 0 {
		violations = append(violations, fmt.Sprintf(
			"telemetry_interval must be positive when telemetry is enabled, got %s", c.TelemetryInterval))
	}

	switch c.LoadBalancing {
	case LoadBalancingRoundRobin, LoadBalancingLeastBusy, LoadBalancingSticky, "":
	default:
		violations = append(violations, fmt.Sprintf(
			"load_balancing must be one of round_robin, least_busy, sticky, got %q", c.LoadBalancing))
	}

	return violations
}
