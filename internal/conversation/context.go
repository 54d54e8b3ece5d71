// Package conversation defines the durable multi-turn memory attached to a
// session.
package conversation

import (
	"time"
)

// Turn is one completed user/agent exchange. Insertion order is significant.
type Turn struct {
	UserText  string    `json:"user_text"`
	AgentText string    `json:"agent_text"`
	At        time.Time `json:"at"`
}

// Context is the conversational memory for a single session, 1:1 with the
// owning session. History is append-only from the manager's perspective.
type Context struct {
	SessionID    string            `json:"session_id"`
	History      []Turn            `json:"history"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// New creates an empty context for a session.
func New(sessionID string, now time.Time) *Context {
	return &Context{
		SessionID:    sessionID,
		CreatedAt:    now,
		LastActiveAt: now,
		Metadata:     make(map[string]string),
	}
}

// Append records one exchange and refreshes the activity timestamp.
func (c *Context) Append(userText, agentText string, now time.Time) {
	c.History = append(c.History, Turn{UserText: userText, AgentText: agentText, At: now})
	c.LastActiveAt = now
}

// Clone returns a deep copy so stores can hand contexts to callers without
// sharing the history slice or metadata map.
func (c *Context) Clone() *Context {
	out := *c
	if c.History != nil {
		out.History = make([]Turn, len(c.History))
		copy(out.History, c.History)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
