// Package broker owns the session lifecycle: admission, state transitions,
// transcript turns, and expiry sweeps. It is the only component that writes
// session state; everything else observes.
package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voicemesh/voicemesh/internal/agent"
	"github.com/voicemesh/voicemesh/internal/events"
	"github.com/voicemesh/voicemesh/internal/policy"
	"github.com/voicemesh/voicemesh/internal/session"
	"github.com/voicemesh/voicemesh/internal/store"
	"github.com/voicemesh/voicemesh/internal/telemetry"
)

var (
	// ErrTooManySessions is returned when admission would exceed the
	// configured concurrency ceiling.
	ErrTooManySessions = fmt.Errorf("too many concurrent sessions")

	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = fmt.Errorf("session not found")

	// ErrSessionTerminal is returned for turn processing on a session that
	// already reached a terminal state.
	ErrSessionTerminal = fmt.Errorf("session is in a terminal state")

	// ErrInvalidTransition is returned when a state change would move the
	// lifecycle backwards or out of a terminal state.
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

// CreateRequest carries caller-supplied session attributes. Zero values fall
// back to broker defaults.
type CreateRequest struct {
	UserID      string            `json:"user_id"`
	SurfaceID   string            `json:"surface_id"`
	SessionType session.Type      `json:"session_type"`
	Surface     map[string]string `json:"surface,omitempty"`
	Config      *session.Config   `json:"config,omitempty"`
}

// TranscriptInput is one finalized recognizer result plus the audio-timing
// facts the policy engine needs to decide endpointing.
type TranscriptInput struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	IsSpeech   bool          `json:"is_speech"`
	Utterance  time.Duration `json:"utterance"`
	Silence    time.Duration `json:"silence"`
}

// TurnResult is the outcome of one ProcessTranscript call. When Endpointed
// is false the turn was withheld by policy and Reason explains why.
type TurnResult struct {
	SessionID  string         `json:"session_id"`
	Endpointed bool           `json:"endpointed"`
	Reason     string         `json:"reason,omitempty"`
	AgentName  string         `json:"agent_name,omitempty"`
	Text       string         `json:"text,omitempty"`
	Actions    []agent.Action `json:"actions,omitempty"`
	Latency    time.Duration  `json:"latency"`
}

// Stats is a point-in-time broker snapshot.
type Stats struct {
	ActiveSessions    int         `json:"active_sessions"`
	SessionsCreated   int64       `json:"sessions_created"`
	SessionsCompleted int64       `json:"sessions_completed"`
	SessionsFailed    int64       `json:"sessions_failed"`
	SessionErrors     int64       `json:"session_errors"`
	ErrorRate         float64     `json:"error_rate"`
	Uptime            string      `json:"uptime"`
	Store             store.Stats `json:"store"`
}

// Broker coordinates sessions, policy, context, and agents. Each session
// gets its own policy engine so per-session timing state never bleeds
// between callers.
type Broker struct {
	cfg       Config
	policyCfg policy.Config
	store     store.Store
	contexts  *store.ContextManager
	agents    *agent.Manager
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	emit      events.Emitter
	now       func() time.Time

	mu            sync.Mutex
	engines       map[string]*policy.Engine
	activity      map[string]time.Time
	created       int64
	completed     int64
	failed        int64
	errors        int64
	startedAt     time.Time
	lastCleanup   time.Time
	lastTelemetry time.Time
}

// Option configures the broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithEmitter sets the event emitter.
func WithEmitter(e events.Emitter) Option {
	return func(b *Broker) { b.emit = e }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a broker.
func New(cfg Config, policyCfg policy.Config, st store.Store, contexts *store.ContextManager, agents *agent.Manager, opts ...Option) *Broker {
	b := &Broker{
		cfg:       cfg,
		policyCfg: policyCfg,
		store:     st,
		contexts:  contexts,
		agents:    agents,
		logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		emit:      events.Discard,
		now:       time.Now,
		engines:   make(map[string]*policy.Engine),
		activity:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.startedAt = b.now()
	b.lastCleanup = b.startedAt
	b.lastTelemetry = b.startedAt
	return b
}

// UpdatePolicyConfig swaps the policy configuration used for sessions
// created from now on. Existing sessions keep the engine they were born
// with; mid-conversation policy flips are more surprising than helpful.
func (b *Broker) UpdatePolicyConfig(cfg policy.Config) {
	b.mu.Lock()
	b.policyCfg = cfg
	b.mu.Unlock()
}

// CreateSession admits a new session, stamps default routing, and persists
// it. The session ID doubles as the correlation ID for the whole pipeline.
func (b *Broker) CreateSession(ctx context.Context, req CreateRequest) (*session.Session, error) {
	now := b.now()

	sessType := req.SessionType
	if sessType == "" {
		sessType = session.TypeRealtime
	}
	sessCfg := session.DefaultConfig()
	if req.Config != nil {
		sessCfg = *req.Config
	}

	sess := &session.Session{
		ID: session.NewID(),
		Metadata: session.Metadata{
			UserID:       req.UserID,
			SurfaceID:    req.SurfaceID,
			SessionType:  sessType,
			CreatedAt:    now,
			LastActivity: now,
			Surface:      req.Surface,
		},
		Routing: session.Routing{
			STTEndpoint:          b.cfg.DefaultSTTEndpoint,
			TTSEndpoint:          b.cfg.DefaultTTSEndpoint,
			OrchestratorEndpoint: b.cfg.DefaultOrchestratorEndpoint,
			Timeout:              b.cfg.DefaultTimeout,
		},
		Config: sessCfg,
		State:  session.StateCreated,
	}
	sess.Metadata.CorrelationID = sess.ID

	// The ceiling check and the slot reservation share one critical section
	// so concurrent admissions cannot both pass the check.
	b.mu.Lock()
	if len(b.engines) >= b.cfg.MaxConcurrentSessions {
		active := len(b.engines)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active, limit %d",
			ErrTooManySessions, active, b.cfg.MaxConcurrentSessions)
	}
	b.engines[sess.ID] = policy.NewEngine(b.policyCfg,
		policy.WithEngineLogger(b.logger), policy.WithEngineClock(b.now))
	b.activity[sess.ID] = now
	b.created++
	active := len(b.engines)
	b.mu.Unlock()

	if err := b.store.SaveSession(ctx, sess); err != nil {
		// Release the reserved slot; the session never existed.
		b.mu.Lock()
		delete(b.engines, sess.ID)
		delete(b.activity, sess.ID)
		b.created--
		b.mu.Unlock()
		return nil, fmt.Errorf("persist session: %w", err)
	}

	b.metrics.RecordSessionCreated()
	b.metrics.SetActiveSessions(active)
	b.emit(events.New(events.SessionCreated, sess.ID).
		WithData("user_id", req.UserID).
		WithData("session_type", string(sessType)))
	b.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("user_id", req.UserID),
		slog.String("session_type", string(sessType)),
		slog.Int("active_sessions", active))

	return sess, nil
}

// GetSession returns the session if the broker is tracking it.
func (b *Broker) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if !b.tracks(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess, err := b.store.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Engine returns the policy engine for a session, or nil when untracked.
// Exposed so the transport can answer policy evaluation requests.
func (b *Broker) Engine(sessionID string) *policy.Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engines[sessionID]
}

func (b *Broker) tracks(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.engines[sessionID]
	return ok
}

// touchActivity records broker-side activity. The store refreshes its own
// last-activity on every read, so inactivity detection lives here.
func (b *Broker) touchActivity(sessionID string, at time.Time) {
	b.mu.Lock()
	if _, ok := b.engines[sessionID]; ok {
		b.activity[sessionID] = at
	}
	b.mu.Unlock()
}

func (b *Broker) lastActivity(sessionID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.activity[sessionID]
	return at, ok
}

// UpdateSessionState moves a session forward through its lifecycle. Backward
// moves and transitions out of terminal states are rejected.
func (b *Broker) UpdateSessionState(ctx context.Context, sessionID string, next session.State) (*session.Session, error) {
	sess, err := b.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, next)
	}
	if !sess.State.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, next)
	}

	prev := sess.State
	sess.State = next
	now := b.now()
	sess.Touch(now)
	if err := b.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist state transition: %w", err)
	}
	b.touchActivity(sessionID, now)

	b.emit(events.New(events.SessionState, sessionID).
		WithData("from", string(prev)).
		WithData("to", string(next)))
	b.logger.Info("session state changed",
		slog.String("session_id", sessionID),
		slog.String("from", string(prev)),
		slog.String("to", string(next)))

	if next.IsTerminal() {
		b.retire(sessionID, next == session.StateError)
	}
	return sess, nil
}

// RecordSessionError bumps the session's own error counter and the
// broker-wide one without changing the session's lifecycle state.
func (b *Broker) RecordSessionError(ctx context.Context, sessionID, msg string) error {
	sess, err := b.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.RecordError(msg)
	if err := b.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("persist session error: %w", err)
	}
	b.mu.Lock()
	b.errors++
	b.mu.Unlock()
	b.metrics.RecordSessionError()
	return nil
}

// ProcessTranscript runs one turn: endpointing decides whether the utterance
// is complete, then the selected agent answers and the exchange is recorded.
func (b *Broker) ProcessTranscript(ctx context.Context, sessionID string, in TranscriptInput) (*TurnResult, error) {
	sess, err := b.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionTerminal, sessionID, sess.State)
	}
	engine := b.Engine(sessionID)
	if engine == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	ctx = telemetry.WithCorrelationID(ctx, sess.Metadata.CorrelationID)
	start := b.now()
	b.touchActivity(sessionID, start)

	decision := engine.EvaluateEndpointing(in.IsSpeech, in.Confidence, in.Utterance, in.Silence)
	outcome := "withhold"
	if decision.ShouldEndpoint {
		outcome = "endpoint"
	}
	b.metrics.RecordPolicyDecision("endpointing", outcome)
	b.emit(events.New(events.PolicyDecision, sessionID).
		WithData("kind", "endpointing").
		WithData("outcome", outcome).
		WithData("reason", decision.Reason))
	if !decision.ShouldEndpoint {
		b.emit(events.New(events.TurnRejected, sessionID).
			WithData("reason", decision.Reason))
		return &TurnResult{
			SessionID: sessionID,
			Reason:    decision.Reason,
		}, nil
	}

	cc, err := b.contexts.GetContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	resp, agentName, err := b.agents.ProcessTranscript(ctx, cc, in.Text)
	latency := b.now().Sub(start)
	if err != nil {
		if rerr := b.RecordSessionError(ctx, sessionID, err.Error()); rerr != nil {
			b.logger.Warn("failed to record session error",
				slog.String("session_id", sessionID),
				slog.String("error", rerr.Error()))
		}
		b.emit(events.New(events.TurnFailed, sessionID).
			WithData("agent", agentName).
			WithData("error", err.Error()))
		return nil, err
	}

	if _, err := b.contexts.AddInteraction(ctx, sessionID, in.Text, resp.Text); err != nil {
		return nil, fmt.Errorf("record interaction: %w", err)
	}

	sess.Metadata.ResponseCount++
	sess.Metadata.ProcessingDuration += latency
	sess.Metadata.AudioDuration += in.Utterance
	sess.Touch(b.now())
	if err := b.store.SaveSession(ctx, sess); err != nil {
		b.logger.Warn("failed to persist turn counters",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	engine.ResetState()
	b.emit(events.New(events.TurnCompleted, sessionID).
		WithData("agent", agentName).
		WithData("latency_ms", latency.Milliseconds()))

	return &TurnResult{
		SessionID:  sessionID,
		Endpointed: true,
		AgentName:  agentName,
		Text:       resp.Text,
		Actions:    resp.Actions,
		Latency:    latency,
	}, nil
}

// EndSession tears a session down and removes its state. Idempotent.
func (b *Broker) EndSession(ctx context.Context, sessionID string) error {
	tracked := b.tracks(sessionID)
	if err := b.contexts.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tracked {
		b.retire(sessionID, false)
		b.emit(events.New(events.SessionEnded, sessionID))
		b.logger.Info("session ended", slog.String("session_id", sessionID))
	}
	return nil
}

// retire drops the session's engine and settles the outcome counters.
func (b *Broker) retire(sessionID string, failed bool) {
	b.mu.Lock()
	_, tracked := b.engines[sessionID]
	delete(b.engines, sessionID)
	delete(b.activity, sessionID)
	if tracked {
		if failed {
			b.failed++
		} else {
			b.completed++
		}
	}
	active := len(b.engines)
	b.mu.Unlock()

	if tracked {
		if failed {
			b.metrics.RecordSessionFailed()
		} else {
			b.metrics.RecordSessionCompleted()
		}
		b.metrics.SetActiveSessions(active)
	}
}

// CleanupExpiredSessions sweeps sessions past their own duration or silence
// budget and returns the number removed.
func (b *Broker) CleanupExpiredSessions(ctx context.Context) (int, error) {
	removed, err := b.store.CleanupExpiredSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("store cleanup: %w", err)
	}

	// Engines whose sessions the store already dropped are orphans; retire
	// them before inspecting the survivors so the sweep cannot resurrect a
	// session the store evicted.
	live := b.pruneOrphanEngines(ctx)

	now := b.now()
	for _, sessionID := range b.trackedIDs() {
		if !live[sessionID] {
			continue
		}
		sess, err := b.store.GetOrCreateSession(ctx, sessionID)
		if err != nil {
			continue
		}
		// The store touches last-activity on reads; the broker's own record
		// is the authoritative one for expiry.
		if last, ok := b.lastActivity(sessionID); ok {
			sess.Metadata.LastActivity = last
		}
		if !sess.IsExpired(now) {
			continue
		}
		if !b.expire(ctx, sessionID) {
			continue
		}
		removed++
	}

	if removed > 0 {
		b.logger.Info("expired sessions cleaned up", slog.Int("removed", removed))
	}
	return removed, nil
}

// CleanupInactiveSessions sweeps sessions with no broker-visible activity for
// longer than the configured inactivity timeout and returns the number
// removed. A timeout of zero disables the sweep.
func (b *Broker) CleanupInactiveSessions(ctx context.Context) (int, error) {
	if b.cfg.InactivityTimeout <= 0 {
		return 0, nil
	}

	now := b.now()
	removed := 0
	for _, sessionID := range b.trackedIDs() {
		last, ok := b.lastActivity(sessionID)
		if !ok || now.Sub(last) < b.cfg.InactivityTimeout {
			continue
		}
		if !b.expire(ctx, sessionID) {
			continue
		}
		removed++
	}

	if removed > 0 {
		b.logger.Info("inactive sessions cleaned up", slog.Int("removed", removed))
	}
	return removed, nil
}

// expire removes one session's state and reports whether it succeeded.
func (b *Broker) expire(ctx context.Context, sessionID string) bool {
	if err := b.contexts.DeleteSession(ctx, sessionID); err != nil {
		b.logger.Warn("failed to delete expired session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return false
	}
	b.retire(sessionID, false)
	b.emit(events.New(events.SessionExpired, sessionID))
	return true
}

func (b *Broker) trackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.engines))
	for id := range b.engines {
		ids = append(ids, id)
	}
	return ids
}

func (b *Broker) pruneOrphanEngines(ctx context.Context) map[string]bool {
	ids, err := b.store.ListSessions(ctx, 0)
	if err != nil {
		return nil
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}
	for _, id := range b.trackedIDs() {
		if !live[id] {
			b.retire(id, false)
		}
	}
	return live
}

// ShouldCleanup reports whether the cleanup interval has elapsed, advancing
// the gate when it has. The caller owns the actual sweep.
func (b *Broker) ShouldCleanup() bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.lastCleanup) < b.cfg.CleanupInterval {
		return false
	}
	b.lastCleanup = now
	return true
}

// ShouldEmitTelemetry reports whether the telemetry interval has elapsed,
// advancing the gate when it has.
func (b *Broker) ShouldEmitTelemetry() bool {
	if !b.cfg.TelemetryEnabled {
		return false
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.lastTelemetry) < b.cfg.TelemetryInterval {
		return false
	}
	b.lastTelemetry = now
	return true
}

// Stats reports a point-in-time snapshot including the store's view.
func (b *Broker) Stats(ctx context.Context) Stats {
	b.mu.Lock()
	active := len(b.engines)
	created := b.created
	completed := b.completed
	failed := b.failed
	errorCount := b.errors
	startedAt := b.startedAt
	b.mu.Unlock()

	// Errors recorded per session created.
	var errorRate float64
	if created > 0 {
		errorRate = float64(errorCount) / float64(created)
	}

	return Stats{
		ActiveSessions:    active,
		SessionsCreated:   created,
		SessionsCompleted: completed,
		SessionsFailed:    failed,
		SessionErrors:     errorCount,
		ErrorRate:         errorRate,
		Uptime:            b.now().Sub(startedAt).Round(time.Second).String(),
		Store:             b.store.Stats(ctx),
	}
}
