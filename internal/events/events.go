// Package events defines structured event types emitted by the orchestration
// core during session and turn lifecycle operations.
package events

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	SessionCreated Type = "session.created"
	SessionState   Type = "session.state"
	SessionEnded   Type = "session.ended"
	SessionExpired Type = "session.expired"
	TurnCompleted  Type = "turn.completed"
	TurnRejected   Type = "turn.rejected"
	TurnFailed     Type = "turn.failed"
	PolicyDecision Type = "policy.decision"
)

// Event is a structured record emitted during core operations.
type Event struct {
	Type          Type                   `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// New creates a new event with the given type and correlation ID.
func New(eventType Type, correlationID string) *Event {
	return &Event{
		Type:          eventType,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// WithData adds a data field to the event and returns it for chaining.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter consumes events. Emitters must not block the hot path.
type Emitter func(*Event)

// Discard is an Emitter that drops everything.
func Discard(*Event) {}

// LogEmitter returns an Emitter that writes events at debug level.
func LogEmitter(logger *slog.Logger) Emitter {
	return func(e *Event) {
		logger.Debug("event",
			"type", string(e.Type),
			"correlation_id", e.CorrelationID,
			"data", e.Data,
		)
	}
}
