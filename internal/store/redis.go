package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/voicemesh/voicemesh/internal/conversation"
	"github.com/voicemesh/voicemesh/internal/session"
	"github.com/voicemesh/voicemesh/internal/telemetry"
)

// RedisClient is the narrow interface the Redis store needs. It abstracts
// the client library so the store is unit-testable without a server.
// Get returns ErrMiss when the key is absent.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// RedisStore implements Store on a Redis-shaped keyed backend.
//
// TTL is delegated to key expiry (refreshed on every touch). LRU capacity
// bounding is relaxed relative to the in-memory backend: bounding memory is
// the Redis server's own maxmemory policy.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisTTL sets the idle TTL applied to keys.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithRedisLogger sets the audit/debug logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = logger }
}

// WithRedisClock overrides the time source. Used by tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a Redis-backed session/context store.
func NewRedisStore(client RedisClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "voicemesh:session:",
		ttl:    30 * time.Minute,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + id }
func (s *RedisStore) contextKey(id string) string { return s.prefix + id + ":context" }

// GetOrCreateSession returns the stored session, refreshing its TTL, or
// creates a fresh one.
func (s *RedisStore) GetOrCreateSession(ctx context.Context, sessionID string) (*session.Session, error) {
	val, err := s.client.Get(ctx, s.sessionKey(sessionID))
	if err == nil {
		var sess session.Session
		if uerr := json.Unmarshal([]byte(val), &sess); uerr != nil {
			return nil, NewStorageError(sessionID, "get_or_create_session", uerr)
		}
		sess.Touch(s.now())
		if serr := s.writeSession(ctx, &sess); serr != nil {
			return nil, serr
		}
		return &sess, nil
	}
	if !errors.Is(err, ErrMiss) {
		return nil, NewStorageError(sessionID, "get_or_create_session", err)
	}

	now := s.now()
	sess := &session.Session{
		ID: sessionID,
		Metadata: session.Metadata{
			CorrelationID: sessionID,
			CreatedAt:     now,
			LastActivity:  now,
		},
		State: session.StateCreated,
	}
	if serr := s.writeSession(ctx, sess); serr != nil {
		return nil, serr
	}
	return sess, nil
}

// SaveSession upserts the session and refreshes its TTL.
func (s *RedisStore) SaveSession(ctx context.Context, sess *session.Session) error {
	return s.writeSession(ctx, sess)
}

func (s *RedisStore) writeSession(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return NewStorageError(sess.ID, "save_session", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.ID), string(data), s.ttl); err != nil {
		return NewStorageError(sess.ID, "save_session", err)
	}
	return nil
}

// SaveContext upserts the context and refreshes the owning session's TTL
// and last-activity when the session exists.
func (s *RedisStore) SaveContext(ctx context.Context, sessionID string, cc *conversation.Context) error {
	data, err := json.Marshal(cc)
	if err != nil {
		return NewStorageError(sessionID, "save_context", err)
	}
	if err := s.client.Set(ctx, s.contextKey(sessionID), string(data), s.ttl); err != nil {
		return NewStorageError(sessionID, "save_context", err)
	}

	val, err := s.client.Get(ctx, s.sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return nil
		}
		return NewStorageError(sessionID, "save_context", err)
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return NewStorageError(sessionID, "save_context", err)
	}
	sess.Touch(s.now())
	return s.writeSession(ctx, &sess)
}

// GetContext returns the stored context, or (nil, nil) on a miss.
func (s *RedisStore) GetContext(ctx context.Context, sessionID string) (*conversation.Context, error) {
	val, err := s.client.Get(ctx, s.contextKey(sessionID))
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStorageError(sessionID, "get_context", err)
	}
	var cc conversation.Context
	if err := json.Unmarshal([]byte(val), &cc); err != nil {
		return nil, NewStorageError(sessionID, "get_context", err)
	}
	return &cc, nil
}

// DeleteSession removes the session and its context. Idempotent.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionID), s.contextKey(sessionID)); err != nil {
		return NewStorageError(sessionID, "delete_session", err)
	}
	return nil
}

// ListSessions returns session IDs most recently active first. Expired keys
// are already gone: Redis handles the TTL sweep.
func (s *RedisStore) ListSessions(ctx context.Context, limit int) ([]string, error) {
	keys, err := s.client.Keys(ctx, s.prefix+"*")
	if err != nil {
		return nil, NewStorageError("", "list_sessions", err)
	}

	type entry struct {
		id         string
		lastActive time.Time
	}
	var entries []entry
	for _, key := range keys {
		if strings.HasSuffix(key, ":context") {
			continue
		}
		val, err := s.client.Get(ctx, key)
		if err != nil {
			continue // raced with expiry
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(val), &sess); err != nil {
			continue
		}
		entries = append(entries, entry{id: sess.ID, lastActive: sess.Metadata.LastActivity})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastActive.After(entries[j].lastActive)
	})

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, e.id)
	}
	return ids, nil
}

// CleanupExpiredSessions is a no-op for Redis: key expiry does the sweep.
func (s *RedisStore) CleanupExpiredSessions(_ context.Context) (int, error) {
	return 0, nil
}

// LogAgentExecution emits a structured audit record. Never fails.
func (s *RedisStore) LogAgentExecution(ctx context.Context, sessionID, agentName, transcript, response string, latency time.Duration) {
	defer func() {
		_ = recover()
	}()
	telemetry.SessionLogger(s.logger, ctx, sessionID).Info("agent execution",
		"agent", agentName,
		"transcript", truncate(transcript, 200),
		"response", truncate(response, 200),
		"latency_ms", latency.Milliseconds(),
	)
}

// Stats reports best-effort key counts.
func (s *RedisStore) Stats(ctx context.Context) Stats {
	st := Stats{Backend: "redis"}
	keys, err := s.client.Keys(ctx, s.prefix+"*")
	if err != nil {
		return st
	}
	for _, key := range keys {
		if strings.HasSuffix(key, ":context") {
			st.Contexts++
		} else {
			st.Sessions++
		}
	}
	return st
}

// HealthCheck pings the backend and reports, never errors.
func (s *RedisStore) HealthCheck(ctx context.Context) Health {
	h := Health{Status: "healthy", Backend: "redis"}
	if err := s.client.Ping(ctx); err != nil {
		h.Status = "unhealthy"
		return h
	}
	h.Sessions = s.Stats(ctx).Sessions
	return h
}
