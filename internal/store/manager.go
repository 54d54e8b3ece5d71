package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voicemesh/voicemesh/internal/conversation"
)

// ContextManager applies the business rules for conversation contexts on top
// of a Store: lazy get-or-create with provenance tagging, append-only turn
// recording, and uniform StorageError surfacing.
type ContextManager struct {
	store   Store
	backend string
	logger  *slog.Logger
	now     func() time.Time
}

// ManagerOption configures a ContextManager.
type ManagerOption func(*ContextManager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *ContextManager) { m.logger = logger }
}

// WithManagerClock overrides the time source. Used by tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *ContextManager) { m.now = now }
}

// NewContextManager creates a manager over the given store. backend names
// the storage backend for provenance tagging ("memory", "redis").
func NewContextManager(st Store, backend string, opts ...ManagerOption) *ContextManager {
	m := &ContextManager{
		store:   st,
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetContext returns the session's context, creating a fresh one tagged with
// provenance metadata when absent. The fresh context copies its timestamps
// from the owning session.
func (m *ContextManager) GetContext(ctx context.Context, sessionID string) (*conversation.Context, error) {
	cc, err := m.store.GetContext(ctx, sessionID)
	if err != nil {
		return nil, m.wrap(sessionID, "get_context", err)
	}
	if cc != nil {
		return cc, nil
	}

	sess, err := m.store.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return nil, m.wrap(sessionID, "get_context", err)
	}

	cc = conversation.New(sessionID, sess.Metadata.CreatedAt)
	cc.LastActiveAt = sess.Metadata.LastActivity
	cc.Metadata["created_by"] = "context-manager"
	cc.Metadata["storage_backend"] = m.backend

	if err := m.store.SaveContext(ctx, sessionID, cc); err != nil {
		return nil, m.wrap(sessionID, "get_context", err)
	}
	m.logger.Debug("context created", "session_id", sessionID, "backend", m.backend)
	return cc, nil
}

// AddInteraction records one user/agent exchange as a single logical unit:
// re-fetch, append, persist. A failure at any step leaves history without
// duplicates because nothing is written until the final save.
func (m *ContextManager) AddInteraction(ctx context.Context, sessionID, userMsg, agentMsg string) (*conversation.Context, error) {
	cc, err := m.GetContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cc.Append(userMsg, agentMsg, m.now())

	if err := m.store.SaveContext(ctx, sessionID, cc); err != nil {
		return nil, m.wrap(sessionID, "add_interaction", err)
	}
	return cc, nil
}

// UpdateContext persists the context, stamping last-activity first.
func (m *ContextManager) UpdateContext(ctx context.Context, sessionID string, cc *conversation.Context) error {
	cc.LastActiveAt = m.now()
	if err := m.store.SaveContext(ctx, sessionID, cc); err != nil {
		return m.wrap(sessionID, "update_context", err)
	}
	return nil
}

// DeleteSession removes the session and its context.
func (m *ContextManager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return m.wrap(sessionID, "delete_session", err)
	}
	return nil
}

// CleanupExpired sweeps expired sessions from the underlying store.
func (m *ContextManager) CleanupExpired(ctx context.Context) (int, error) {
	n, err := m.store.CleanupExpiredSessions(ctx)
	if err != nil {
		return 0, m.wrap("", "cleanup_expired", err)
	}
	return n, nil
}

// wrap guarantees every store failure surfaces as a *StorageError.
func (m *ContextManager) wrap(sessionID, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return NewStorageError(sessionID, op, err)
}
