// Package session defines the session identity and lifecycle types for the
// voicemesh orchestration core.
package session

import (
	"time"
)

// Type classifies the interaction stream a session carries.
type Type string

const (
	TypeRealtime Type = "realtime"
	TypeBatch    Type = "batch"
	TypeText     Type = "text"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated       State = "created"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateListening     State = "listening"
	StateProcessing    State = "processing"
	StateResponding    State = "responding"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// stateRank orders the forward progression of the state machine.
// ERROR is reachable from any non-terminal state and has no rank.
var stateRank = map[State]int{
	StateCreated:       0,
	StateConnecting:    1,
	StateConnected:     2,
	StateListening:     3,
	StateProcessing:    4,
	StateResponding:    5,
	StateDisconnecting: 6,
	StateDisconnected:  7,
}

// IsTerminal reports whether no further transitions are defined out of s.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateError
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateError {
		return true
	}
	_, ok := stateRank[s]
	return ok
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Transitions only move forward through the lifecycle; ERROR is
// reachable from any non-terminal state.
func (s State) CanTransitionTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateError {
		return true
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Metadata carries session identity, provenance and cumulative counters.
type Metadata struct {
	UserID        string            `json:"user_id"`
	SurfaceID     string            `json:"surface_id"`
	SessionType   Type              `json:"session_type"`
	CorrelationID string            `json:"correlation_id"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
	Surface       map[string]string `json:"surface,omitempty"`

	// Cumulative counters, maintained by the broker across turns.
	AudioDuration      time.Duration `json:"audio_duration"`
	ProcessingDuration time.Duration `json:"processing_duration"`
	ResponseCount      int64         `json:"response_count"`
}

// Routing holds the downstream endpoints and dispatch hints for a session.
type Routing struct {
	STTEndpoint          string        `json:"stt_endpoint"`
	TTSEndpoint          string        `json:"tts_endpoint"`
	OrchestratorEndpoint string        `json:"orchestrator_endpoint"`
	Priority             int           `json:"priority"`
	Timeout              time.Duration `json:"timeout"`
}

// Config bounds a single session's lifetime and audio budget.
type Config struct {
	MaxDuration      time.Duration `json:"max_duration"`
	MaxAudioDuration time.Duration `json:"max_audio_duration"`
	MaxSilence       time.Duration `json:"max_silence"`
	HighQualityAudio bool          `json:"high_quality_audio"`
	NoiseSuppression bool          `json:"noise_suppression"`
}

// DefaultConfig returns the session bounds applied when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		MaxDuration:      30 * time.Minute,
		MaxAudioDuration: 10 * time.Minute,
		MaxSilence:       2 * time.Minute,
		HighQualityAudio: true,
		NoiseSuppression: true,
	}
}

// Session is the identity and lifecycle unit for one user interaction stream.
// The ID is immutable after creation and doubles as the correlation ID for
// the pipeline.
type Session struct {
	ID         string   `json:"id"`
	Metadata   Metadata `json:"metadata"`
	Routing    Routing  `json:"routing"`
	Config     Config   `json:"config"`
	State      State    `json:"state"`
	ErrorCount int      `json:"error_count"`
	LastError  string   `json:"last_error,omitempty"`
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.Metadata.LastActivity = now
}

// RecordError bumps the session error counter and remembers the message.
// The counter never decreases for the lifetime of the session.
func (s *Session) RecordError(msg string) {
	s.ErrorCount++
	s.LastError = msg
}

// IsExpired reports whether the session exceeded its own duration or
// silence budget at the given instant.
func (s *Session) IsExpired(now time.Time) bool {
	if s.Config.MaxDuration > 0 && now.Sub(s.Metadata.CreatedAt) >= s.Config.MaxDuration {
		return true
	}
	if s.Config.MaxSilence > 0 && now.Sub(s.Metadata.LastActivity) >= s.Config.MaxSilence {
		return true
	}
	return false
}

// Clone returns a deep copy so callers can hand sessions across goroutines
// without sharing the surface map.
func (s *Session) Clone() *Session {
	out := *s
	if s.Metadata.Surface != nil {
		out.Metadata.Surface = make(map[string]string, len(s.Metadata.Surface))
		for k, v := range s.Metadata.Surface {
			out.Metadata.Surface[k] = v
		}
	}
	return &out
}
