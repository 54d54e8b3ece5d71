// Package config loads and validates the voicemesh configuration file and
// maps it onto the domain config types.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voicemesh/voicemesh/internal/broker"
	"github.com/voicemesh/voicemesh/internal/policy"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "800ms" or "2m" as well as bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	default:
		return fmt.Errorf("duration must be a string or integer, got %T", raw)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig is the HTTP transport configuration.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and tunes the session store backend.
type StoreConfig struct {
	Backend     string   `yaml:"backend"` // memory or redis
	MaxSessions int      `yaml:"max_sessions"`
	SessionTTL  Duration `yaml:"session_ttl"`

	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// BrokerConfig is the file form of broker.Config.
type BrokerConfig struct {
	MaxConcurrentSessions int      `yaml:"max_concurrent_sessions"`
	InactivityTimeout     Duration `yaml:"inactivity_timeout"`
	CleanupInterval       Duration `yaml:"cleanup_interval"`
	TelemetryInterval     Duration `yaml:"telemetry_interval"`
	TelemetryEnabled      *bool    `yaml:"telemetry_enabled"`

	DefaultSTTEndpoint          string   `yaml:"default_stt_endpoint"`
	DefaultTTSEndpoint          string   `yaml:"default_tts_endpoint"`
	DefaultOrchestratorEndpoint string   `yaml:"default_orchestrator_endpoint"`
	DefaultTimeout              Duration `yaml:"default_timeout"`
	LoadBalancing               string   `yaml:"load_balancing"`
}

// PolicyConfig is the file form of policy.Config. Pointer fields distinguish
// "absent, keep the default" from an explicit zero.
type PolicyConfig struct {
	VAD struct {
		Enabled            *bool    `yaml:"enabled"`
		Sensitivity        *float64 `yaml:"sensitivity"`
		MinSpeechDuration  Duration `yaml:"min_speech_duration"`
		MinSilenceDuration Duration `yaml:"min_silence_duration"`
	} `yaml:"vad"`
	Endpointing struct {
		Enabled             *bool    `yaml:"enabled"`
		SilenceTimeout      Duration `yaml:"silence_timeout"`
		MinUtterance        Duration `yaml:"min_utterance"`
		MaxUtterance        Duration `yaml:"max_utterance"`
		ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	} `yaml:"endpointing"`
	BargeIn struct {
		Enabled             *bool    `yaml:"enabled"`
		Mode                string   `yaml:"mode"`
		ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
		MaxInterruption     Duration `yaml:"max_interruption"`
		ResponseDelay       Duration `yaml:"response_delay"`
	} `yaml:"barge_in"`
	Wake struct {
		Enabled             *bool    `yaml:"enabled"`
		ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
		Cooldown            Duration `yaml:"cooldown"`
	} `yaml:"wake"`
	Latency struct {
		Enabled       *bool    `yaml:"enabled"`
		E2EBudget     Duration `yaml:"e2e_budget"`
		BargeInBudget Duration `yaml:"barge_in_budget"`
		STTBudget     Duration `yaml:"stt_budget"`
		TTSBudget     Duration `yaml:"tts_budget"`
	} `yaml:"latency"`
}

// AgentsConfig selects the default agent and the model behind the
// conversational agents.
type AgentsConfig struct {
	Default    string `yaml:"default"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	MaxHistory int    `yaml:"max_history"`
}

// LoggingConfig tunes the structured log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Config is the full parsed configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Broker  BrokerConfig  `yaml:"broker"`
	Policy  PolicyConfig  `yaml:"policy"`
	Agents  AgentsConfig  `yaml:"agents"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Backend:     "memory",
			MaxSessions: 1000,
			SessionTTL:  Duration(time.Hour),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "voicemesh:session:",
		},
		Agents: AgentsConfig{
			Default:    "conversation",
			Model:      "gpt-4o-mini",
			APIKeyEnv:  "VOICEMESH_API_KEY",
			MaxHistory: 10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and parses the file at path, layered over the defaults.
// Unknown keys are rejected so typos fail loudly instead of being ignored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate aggregates violations from every section. An empty result means
// the config is applicable.
func (c *Config) Validate() []string {
	var violations []string

	switch c.Store.Backend {
	case "memory", "redis", "":
	default:
		violations = append(violations, fmt.Sprintf(
			"store.backend must be memory or redis, got %q", c.Store.Backend))
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		violations = append(violations, "store.redis_addr is required for the redis backend")
	}
	if c.Store.SessionTTL < 0 {
		violations = append(violations, fmt.Sprintf(
			"store.session_ttl must not be negative, got %s", c.Store.SessionTTL.Std()))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		violations = append(violations, fmt.Sprintf(
			"logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level))
	}

	if c.Agents.Default == "" {
		violations = append(violations, "agents.default must name an agent")
	}

	violations = append(violations, c.BrokerConfig().Validate()...)
	violations = append(violations, c.PolicyConfig().Validate()...)
	return violations
}

// BrokerConfig materializes the broker section over its defaults.
func (c *Config) BrokerConfig() broker.Config {
	out := broker.DefaultConfig()
	b := c.Broker

	if b.MaxConcurrentSessions != 0 {
		out.MaxConcurrentSessions = b.MaxConcurrentSessions
	}
	if b.InactivityTimeout != 0 {
		out.InactivityTimeout = b.InactivityTimeout.Std()
	}
	if b.CleanupInterval != 0 {
		out.CleanupInterval = b.CleanupInterval.Std()
	}
	if b.TelemetryInterval != 0 {
		out.TelemetryInterval = b.TelemetryInterval.Std()
	}
	if b.TelemetryEnabled != nil {
		out.TelemetryEnabled = *b.TelemetryEnabled
	}
	if b.DefaultSTTEndpoint != "" {
		out.DefaultSTTEndpoint = b.DefaultSTTEndpoint
	}
	if b.DefaultTTSEndpoint != "" {
		out.DefaultTTSEndpoint = b.DefaultTTSEndpoint
	}
	if b.DefaultOrchestratorEndpoint != "" {
		out.DefaultOrchestratorEndpoint = b.DefaultOrchestratorEndpoint
	}
	if b.DefaultTimeout != 0 {
		out.DefaultTimeout = b.DefaultTimeout.Std()
	}
	if b.LoadBalancing != "" {
		out.LoadBalancing = broker.LoadBalancing(b.LoadBalancing)
	}
	return out
}

// PolicyConfig materializes the policy section over its defaults.
func (c *Config) PolicyConfig() policy.Config {
	out := policy.DefaultConfig()
	p := c.Policy

	if p.VAD.Enabled != nil {
		out.VAD.Enabled = *p.VAD.Enabled
	}
	if p.VAD.Sensitivity != nil {
		out.VAD.Sensitivity = *p.VAD.Sensitivity
	}
	if p.VAD.MinSpeechDuration != 0 {
		out.VAD.MinSpeechDuration = p.VAD.MinSpeechDuration.Std()
	}
	if p.VAD.MinSilenceDuration != 0 {
		out.VAD.MinSilenceDuration = p.VAD.MinSilenceDuration.Std()
	}

	if p.Endpointing.Enabled != nil {
		out.Endpointing.Enabled = *p.Endpointing.Enabled
	}
	if p.Endpointing.SilenceTimeout != 0 {
		out.Endpointing.SilenceTimeout = p.Endpointing.SilenceTimeout.Std()
	}
	if p.Endpointing.MinUtterance != 0 {
		out.Endpointing.MinUtterance = p.Endpointing.MinUtterance.Std()
	}
	if p.Endpointing.MaxUtterance != 0 {
		out.Endpointing.MaxUtterance = p.Endpointing.MaxUtterance.Std()
	}
	if p.Endpointing.ConfidenceThreshold != nil {
		out.Endpointing.ConfidenceThreshold = *p.Endpointing.ConfidenceThreshold
	}

	if p.BargeIn.Enabled != nil {
		out.BargeIn.Enabled = *p.BargeIn.Enabled
	}
	if p.BargeIn.Mode != "" {
		out.BargeIn.Mode = policy.BargeInMode(p.BargeIn.Mode)
	}
	if p.BargeIn.ConfidenceThreshold != nil {
		out.BargeIn.ConfidenceThreshold = *p.BargeIn.ConfidenceThreshold
	}
	if p.BargeIn.MaxInterruption != 0 {
		out.BargeIn.MaxInterruption = p.BargeIn.MaxInterruption.Std()
	}
	if p.BargeIn.ResponseDelay != 0 {
		out.BargeIn.ResponseDelay = p.BargeIn.ResponseDelay.Std()
	}

	if p.Wake.Enabled != nil {
		out.Wake.Enabled = *p.Wake.Enabled
	}
	if p.Wake.ConfidenceThreshold != nil {
		out.Wake.ConfidenceThreshold = *p.Wake.ConfidenceThreshold
	}
	if p.Wake.Cooldown != 0 {
		out.Wake.Cooldown = p.Wake.Cooldown.Std()
	}

	if p.Latency.Enabled != nil {
		out.Latency.Enabled = *p.Latency.Enabled
	}
	if p.Latency.E2EBudget != 0 {
		out.Latency.E2EBudget = p.Latency.E2EBudget.Std()
	}
	if p.Latency.BargeInBudget != 0 {
		out.Latency.BargeInBudget = p.Latency.BargeInBudget.Std()
	}
	if p.Latency.STTBudget != 0 {
		out.Latency.STTBudget = p.Latency.STTBudget.Std()
	}
	if p.Latency.TTSBudget != 0 {
		out.Latency.TTSBudget = p.Latency.TTSBudget.Std()
	}
	return out
}

// APIKey resolves the model API key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.Agents.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Agents.APIKeyEnv)
}
