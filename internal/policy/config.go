// Package policy implements the real-time decision engine for voice
// activity, endpointing, barge-in and wake-phrase gating.
package policy

import (
	"fmt"
	"time"
)

// BargeInMode selects how a permitted interruption is applied.
type BargeInMode string

const (
	BargeInImmediate BargeInMode = "immediate"
	BargeInGraceful  BargeInMode = "graceful"
	BargeInDisabled  BargeInMode = "disabled"
)

// VADConfig tunes voice-activity detection.
type VADConfig struct {
	Enabled            bool          `json:"enabled"`
	Sensitivity        float64       `json:"sensitivity"` // 0.0–1.0; higher accepts quieter speech
	MinSpeechDuration  time.Duration `json:"min_speech_duration"`
	MinSilenceDuration time.Duration `json:"min_silence_duration"`
}

// EndpointConfig tunes end-of-utterance detection.
type EndpointConfig struct {
	Enabled             bool          `json:"enabled"`
	SilenceTimeout      time.Duration `json:"silence_timeout"`
	MinUtterance        time.Duration `json:"min_utterance"`
	MaxUtterance        time.Duration `json:"max_utterance"`
	ConfidenceThreshold float64       `json:"confidence_threshold"` // 0.0–1.0
}

// BargeInConfig tunes interruption handling during playback.
type BargeInConfig struct {
	Enabled             bool          `json:"enabled"`
	Mode                BargeInMode   `json:"mode"`
	ConfidenceThreshold float64       `json:"confidence_threshold"` // 0.0–1.0
	MaxInterruption     time.Duration `json:"max_interruption"`
	ResponseDelay       time.Duration `json:"response_delay"`
}

// WakeConfig tunes wake-phrase gating.
type WakeConfig struct {
	Enabled             bool          `json:"enabled"`
	ConfidenceThreshold float64       `json:"confidence_threshold"` // 0.0–1.0
	Cooldown            time.Duration `json:"cooldown"`
}

// LatencyConfig carries the advisory per-operation latency budgets.
type LatencyConfig struct {
	Enabled       bool          `json:"enabled"`
	E2EBudget     time.Duration `json:"e2e_budget"`
	BargeInBudget time.Duration `json:"barge_in_budget"`
	STTBudget     time.Duration `json:"stt_budget"`
	TTSBudget     time.Duration `json:"tts_budget"`
}

// Config is the complete policy configuration: five groups, each with
// explicit numeric defaults. Validate reports violations; nothing is ever
// silently clamped or repaired.
type Config struct {
	VAD         VADConfig      `json:"vad"`
	Endpointing EndpointConfig `json:"endpointing"`
	BargeIn     BargeInConfig  `json:"barge_in"`
	Wake        WakeConfig     `json:"wake"`
	Latency     LatencyConfig  `json:"latency"`
}

// DefaultConfig returns the documented defaults for all five groups.
func DefaultConfig() Config {
	return Config{
		VAD: VADConfig{
			Enabled:            true,
			Sensitivity:        0.6,
			MinSpeechDuration:  100 * time.Millisecond,
			MinSilenceDuration: 300 * time.Millisecond,
		},
		Endpointing: EndpointConfig{
			Enabled:             true,
			SilenceTimeout:      800 * time.Millisecond,
			MinUtterance:        300 * time.Millisecond,
			MaxUtterance:        30 * time.Second,
			ConfidenceThreshold: 0.5,
		},
		BargeIn: BargeInConfig{
			Enabled:             true,
			Mode:                BargeInGraceful,
			ConfidenceThreshold: 0.7,
			MaxInterruption:     10 * time.Second,
			ResponseDelay:       250 * time.Millisecond,
		},
		Wake: WakeConfig{
			Enabled:             true,
			ConfidenceThreshold: 0.8,
			Cooldown:            2 * time.Second,
		},
		Latency: LatencyConfig{
			Enabled:       true,
			E2EBudget:     1500 * time.Millisecond,
			BargeInBudget: 200 * time.Millisecond,
			STTBudget:     500 * time.Millisecond,
			TTSBudget:     400 * time.Millisecond,
		},
	}
}

// Validate collects every constraint violation as a human-readable message.
// An empty result means the config is applicable.
func (c Config) Validate() []string {
	var violations []string

	checkUnit := func(name string, v float64) {
		if v < 0 || v > 1 {
			violations = append(violations, fmt.Sprintf("%s must be between 0.0 and 1.0, got %g", name, v))
		}
	}
	checkNonNegative := func(name string, d time.Duration) {
		if d < 0 {
			violations = append(violations, fmt.Sprintf("%s must not be negative, got %s", name, d))
		}
	}

	checkUnit("vad.sensitivity", c.VAD.Sensitivity)
	checkNonNegative("vad.min_speech_duration", c.VAD.MinSpeechDuration)
	checkNonNegative("vad.min_silence_duration", c.VAD.MinSilenceDuration)

	checkUnit("endpointing.confidence_threshold", c.Endpointing.ConfidenceThreshold)
	checkNonNegative("endpointing.silence_timeout", c.Endpointing.SilenceTimeout)
	checkNonNegative("endpointing.min_utterance", c.Endpointing.MinUtterance)
	checkNonNegative("endpointing.max_utterance", c.Endpointing.MaxUtterance)
	if c.Endpointing.MaxUtterance > 0 && c.Endpointing.MinUtterance > c.Endpointing.MaxUtterance {
		violations = append(violations, fmt.Sprintf(
			"endpointing.min_utterance (%s) must not exceed endpointing.max_utterance (%s)",
			c.Endpointing.MinUtterance, c.Endpointing.MaxUtterance))
	}

	checkUnit("barge_in.confidence_threshold", c.BargeIn.ConfidenceThreshold)
	checkNonNegative("barge_in.max_interruption", c.BargeIn.MaxInterruption)
	checkNonNegative("barge_in.response_delay", c.BargeIn.ResponseDelay)
	switch c.BargeIn.Mode {
	case BargeInImmediate, BargeInGraceful, BargeInDisabled, "":
	default:
		violations = append(violations, fmt.Sprintf("barge_in.mode %q is not one of immediate, graceful, disabled", c.BargeIn.Mode))
	}

	checkUnit("wake.confidence_threshold", c.Wake.ConfidenceThreshold)
	checkNonNegative("wake.cooldown", c.Wake.Cooldown)

	checkNonNegative("latency.e2e_budget", c.Latency.E2EBudget)
	checkNonNegative("latency.barge_in_budget", c.Latency.BargeInBudget)
	checkNonNegative("latency.stt_budget", c.Latency.STTBudget)
	checkNonNegative("latency.tts_budget", c.Latency.TTSBudget)

	return violations
}
