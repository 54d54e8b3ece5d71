// Package agent defines the pluggable response-generation contract, the
// registry that holds implementations, and the manager that routes finalized
// transcripts to the right agent.
package agent

import (
	"context"
	"io"
	"strings"

	"github.com/voicemesh/voicemesh/internal/conversation"
)

// Action is a structured side effect an agent asks the caller to perform,
// such as a device command or a handoff to another surface.
type Action struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Response is the outcome of one agent invocation. Text carries the reply to
// speak or display; Audio, when non-nil, carries pre-rendered speech.
type Response struct {
	Text    string    `json:"text"`
	Audio   io.Reader `json:"-"`
	Actions []Action  `json:"actions,omitempty"`
}

// IsEmpty reports whether the response carries nothing at all.
func (r *Response) IsEmpty() bool {
	return r == nil || (strings.TrimSpace(r.Text) == "" && r.Audio == nil && len(r.Actions) == 0)
}

// Agent generates a response for a finalized transcript. Implementations
// must be safe for concurrent use; the manager invokes them from multiple
// sessions at once.
type Agent interface {
	// Name is the unique registry key.
	Name() string

	// Handle generates a response for the transcript given the session's
	// conversational context. The context is a copy; mutations do not
	// persist.
	Handle(ctx context.Context, cc *conversation.Context, transcript string) (*Response, error)

	// CanHandle reports whether this agent wants the transcript given the
	// session's conversational context. Used as a capability probe during
	// selection. Must be cheap and must not panic under normal operation.
	CanHandle(cc *conversation.Context, transcript string) bool

	// Capabilities describes what the agent does, for diagnostics.
	Capabilities() []string

	// HealthCheck reports whether the agent's dependencies are reachable.
	HealthCheck(ctx context.Context) error
}
