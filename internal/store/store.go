// Package store provides the persistence contract for sessions and
// conversation contexts, an in-memory LRU+TTL reference backend, a
// Redis-backed variant, and the context manager layered on top.
package store

import (
	"context"
	"time"

	"github.com/voicemesh/voicemesh/internal/conversation"
	"github.com/voicemesh/voicemesh/internal/session"
)

// Stats is a best-effort snapshot of a store's tables.
type Stats struct {
	Backend     string `json:"backend"`
	Sessions    int    `json:"sessions"`
	Contexts    int    `json:"contexts"`
	MaxSessions int    `json:"max_sessions"`
	Evictions   int64  `json:"evictions"`
	Expired     int64  `json:"expired"`
}

// Health is the result of a health probe. It always reports, never errors.
type Health struct {
	Status      string  `json:"status"`
	Backend     string  `json:"backend"`
	Sessions    int     `json:"sessions"`
	Utilization float64 `json:"utilization"`
}

// Store is the persistence contract for sessions and conversation contexts.
//
// Implementations keep the session table and the context table consistent
// with each other: deleting or evicting a session always removes its context
// in the same operation. Unexpected failures surface as *StorageError.
type Store interface {
	// GetOrCreateSession returns the session with the given ID, creating it
	// with current timestamps and empty metadata when absent. Existing
	// sessions are refreshed in LRU order and last-activity. Triggers an
	// eviction sweep as a side effect.
	GetOrCreateSession(ctx context.Context, sessionID string) (*session.Session, error)

	// SaveSession upserts a fully constructed session, refreshing its LRU
	// order. Used by the broker to persist state transitions.
	SaveSession(ctx context.Context, sess *session.Session) error

	// SaveContext upserts the context and refreshes the owning session's
	// last-activity and LRU order if the session exists.
	SaveContext(ctx context.Context, sessionID string, cc *conversation.Context) error

	// GetContext returns the context for a session, or (nil, nil) when
	// absent. A miss is a signal, not an error.
	GetContext(ctx context.Context, sessionID string) (*conversation.Context, error)

	// DeleteSession removes the session and its context. Idempotent.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns up to limit session IDs, most recently active
	// first, after sweeping expired entries. limit <= 0 means no limit.
	ListSessions(ctx context.Context, limit int) ([]string, error)

	// CleanupExpiredSessions removes sessions idle past the TTL and returns
	// the number removed.
	CleanupExpiredSessions(ctx context.Context) (int, error)

	// LogAgentExecution appends an audit record for one agent invocation.
	// Fire-and-forget: it never fails and never blocks the hot path.
	LogAgentExecution(ctx context.Context, sessionID, agentName, transcript, response string, latency time.Duration)

	// Stats reports best-effort table statistics.
	Stats(ctx context.Context) Stats

	// HealthCheck reports backend health. Always succeeds.
	HealthCheck(ctx context.Context) Health
}

// truncate shortens audit strings so transcripts do not blow up log lines.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
