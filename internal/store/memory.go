package store

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicemesh/voicemesh/internal/conversation"
	"github.com/voicemesh/voicemesh/internal/session"
	"github.com/voicemesh/voicemesh/internal/telemetry"
)

// MemoryStore is the in-memory reference backend: bounded by maxSessions
// with access-order LRU eviction and a TTL sweep on every mutating call.
//
// All operations run under one coarse mutex. That trades parallelism for the
// invariant that the session table and context table never diverge.
type MemoryStore struct {
	mu          sync.Mutex
	maxSessions int
	ttl         time.Duration

	sessions map[string]*memEntry
	contexts map[string]*conversation.Context
	order    *list.List // front = most recently touched

	evictions int64
	expired   int64

	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type memEntry struct {
	sess *session.Session
	elem *list.Element // value is the session ID
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLogger sets the audit/debug logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.logger = logger }
}

// WithMetrics sets the injected metrics collector.
func WithMetrics(m *telemetry.Metrics) MemoryOption {
	return func(s *MemoryStore) { s.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-memory store bounded by maxSessions with the
// given idle TTL. maxSessions <= 0 means unbounded; ttl <= 0 disables sweeps.
func NewMemoryStore(maxSessions int, ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		maxSessions: maxSessions,
		ttl:         ttl,
		sessions:    make(map[string]*memEntry),
		contexts:    make(map[string]*conversation.Context),
		order:       list.New(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateSession returns the existing session (refreshing LRU order and
// last-activity) or creates a fresh one.
func (s *MemoryStore) GetOrCreateSession(_ context.Context, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	now := s.now()
	if e, ok := s.sessions[sessionID]; ok {
		e.sess.Touch(now)
		s.order.MoveToFront(e.elem)
		return e.sess.Clone(), nil
	}

	sess := &session.Session{
		ID: sessionID,
		Metadata: session.Metadata{
			CorrelationID: sessionID,
			CreatedAt:     now,
			LastActivity:  now,
		},
		State: session.StateCreated,
	}
	s.insertLocked(sess)
	s.evictLocked()
	return sess.Clone(), nil
}

// SaveSession upserts a session and refreshes its LRU order.
func (s *MemoryStore) SaveSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	if e, ok := s.sessions[sess.ID]; ok {
		e.sess = sess.Clone()
		s.order.MoveToFront(e.elem)
		return nil
	}
	s.insertLocked(sess.Clone())
	s.evictLocked()
	return nil
}

// SaveContext upserts the context and refreshes the owning session.
func (s *MemoryStore) SaveContext(_ context.Context, sessionID string, cc *conversation.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	s.contexts[sessionID] = cc.Clone()
	if e, ok := s.sessions[sessionID]; ok {
		e.sess.Touch(s.now())
		s.order.MoveToFront(e.elem)
	}
	s.evictLocked()
	return nil
}

// GetContext returns the stored context, or (nil, nil) on a miss.
func (s *MemoryStore) GetContext(_ context.Context, sessionID string) (*conversation.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cc, ok := s.contexts[sessionID]
	if !ok {
		return nil, nil
	}
	return cc.Clone(), nil
}

// DeleteSession removes the session and its context. No error when absent.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(sessionID)
	return nil
}

// ListSessions returns session IDs most recently active first.
func (s *MemoryStore) ListSessions(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	ids := make([]string, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, e.Value.(string))
	}
	return ids, nil
}

// CleanupExpiredSessions removes sessions idle past the TTL.
func (s *MemoryStore) CleanupExpiredSessions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweepLocked(), nil
}

// LogAgentExecution emits a structured audit record. It never fails: the
// audit trail is a log stream, not a queryable table.
func (s *MemoryStore) LogAgentExecution(ctx context.Context, sessionID, agentName, transcript, response string, latency time.Duration) {
	defer func() {
		// The hot path must survive anything the log sink does.
		_ = recover()
	}()
	telemetry.SessionLogger(s.logger, ctx, sessionID).Info("agent execution",
		"agent", agentName,
		"transcript", truncate(transcript, 200),
		"response", truncate(response, 200),
		"latency_ms", latency.Milliseconds(),
	)
}

// Stats reports table sizes and eviction counters.
func (s *MemoryStore) Stats(_ context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Backend:     "memory",
		Sessions:    len(s.sessions),
		Contexts:    len(s.contexts),
		MaxSessions: s.maxSessions,
		Evictions:   s.evictions,
		Expired:     s.expired,
	}
}

// HealthCheck always succeeds for the in-memory backend.
func (s *MemoryStore) HealthCheck(_ context.Context) Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	util := 0.0
	if s.maxSessions > 0 {
		util = float64(len(s.sessions)) / float64(s.maxSessions)
	}
	return Health{
		Status:      "healthy",
		Backend:     "memory",
		Sessions:    len(s.sessions),
		Utilization: util,
	}
}

func (s *MemoryStore) insertLocked(sess *session.Session) {
	elem := s.order.PushFront(sess.ID)
	s.sessions[sess.ID] = &memEntry{sess: sess, elem: elem}
}

func (s *MemoryStore) removeLocked(sessionID string) {
	if e, ok := s.sessions[sessionID]; ok {
		s.order.Remove(e.elem)
		delete(s.sessions, sessionID)
	}
	delete(s.contexts, sessionID)
}

// sweepLocked removes all sessions idle past the TTL and returns the count.
func (s *MemoryStore) sweepLocked() int {
	if s.ttl <= 0 {
		return 0
	}
	now := s.now()
	removed := 0
	for e := s.order.Back(); e != nil; {
		prev := e.Prev()
		id := e.Value.(string)
		if entry, ok := s.sessions[id]; ok && now.Sub(entry.sess.Metadata.LastActivity) > s.ttl {
			s.removeLocked(id)
			removed++
		}
		e = prev
	}
	if removed > 0 {
		s.expired += int64(removed)
		s.metrics.RecordExpiredSweep(removed)
		s.logger.Debug("expired sessions swept", "count", removed)
	}
	return removed
}

// evictLocked removes least-recently-used sessions until the table fits.
// A session's context always goes with it; no orphan contexts.
func (s *MemoryStore) evictLocked() {
	if s.maxSessions <= 0 {
		return
	}
	for len(s.sessions) > s.maxSessions {
		back := s.order.Back()
		if back == nil {
			return
		}
		id := back.Value.(string)
		s.removeLocked(id)
		s.evictions++
		s.metrics.RecordEviction()
		s.logger.Debug("session evicted", "session_id", id)
	}
}
