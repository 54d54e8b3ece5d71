package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voicemesh/voicemesh/internal/agent"
	"github.com/voicemesh/voicemesh/internal/events"
	"github.com/voicemesh/voicemesh/internal/policy"
	"github.com/voicemesh/voicemesh/internal/session"
	"github.com/voicemesh/voicemesh/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBroker(t *testing.T, cfg Config, clk *fakeClock, opts ...Option) *Broker {
	t.Helper()
	st := store.NewMemoryStore(1000, 24*time.Hour, store.WithClock(clk.Now))
	return newTestBrokerWith(t, cfg, clk, st, opts...)
}

func newTestBrokerWith(t *testing.T, cfg Config, clk *fakeClock, st store.Store, opts ...Option) *Broker {
	t.Helper()

	cm := store.NewContextManager(st, "memory", store.WithManagerClock(clk.Now))

	registry := agent.NewRegistry()
	if err := registry.Register(agent.NewEchoAgent()); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	mgr := agent.NewManager(registry, st, "echo", agent.WithManagerClock(clk.Now))

	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(cfg, policy.DefaultConfig(), st, cm, mgr, opts...)
}

// endpointed is a transcript input that trips the silence-timeout rule under
// the default policy config.
func endpointed(text string) TranscriptInput {
	return TranscriptInput{
		Text:       text,
		Confidence: 0.9,
		IsSpeech:   false,
		Utterance:  2 * time.Second,
		Silence:    time.Second,
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	clk := newFakeClock()
	b := newTestBroker(t, DefaultConfig(), clk)

	sess, err := b.CreateSession(context.Background(), CreateRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.State != session.StateCreated {
		t.Errorf("State = %s, want created", sess.State)
	}
	if sess.Metadata.CorrelationID != sess.ID {
		t.Errorf("CorrelationID = %q, want session ID %q", sess.Metadata.CorrelationID, sess.ID)
	}
	if sess.Metadata.SessionType != session.TypeRealtime {
		t.Errorf("SessionType = %s, want realtime default", sess.Metadata.SessionType)
	}
	if sess.Routing.STTEndpoint == "" || sess.Routing.OrchestratorEndpoint == "" {
		t.Errorf("routing not stamped: %+v", sess.Routing)
	}
	if b.Engine(sess.ID) == nil {
		t.Error("no policy engine created for session")
	}
}

func TestCreateSessionAdmissionCeiling(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxConcurrentSessions = 2
	b := newTestBroker(t, cfg, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.CreateSession(ctx, CreateRequest{}); err != nil {
			t.Fatalf("CreateSession %d: %v", i, err)
		}
	}

	_, err := b.CreateSession(ctx, CreateRequest{})
	if !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}
}

// parkingStore keeps SaveSession parked until released so a CreateSession
// call can be held in flight.
type parkingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *parkingStore) SaveSession(ctx context.Context, sess *session.Session) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Store.SaveSession(ctx, sess)
}

func TestCreateSessionAdmissionUnderContention(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxConcurrentSessions = 1

	ps := &parkingStore{
		Store:   store.NewMemoryStore(1000, 24*time.Hour, store.WithClock(clk.Now)),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	b := newTestBrokerWith(t, cfg, clk, ps)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := b.CreateSession(ctx, CreateRequest{})
		done <- err
	}()
	<-ps.entered

	// The first admission holds the only slot while its store write is still
	// in flight; a second admission must be rejected, not double-counted.
	_, err := b.CreateSession(ctx, CreateRequest{})
	if !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}

	close(ps.release)
	if err := <-done; err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if got := b.Stats(ctx).ActiveSessions; got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}
}

// saveFailStore rejects session writes while fail is set.
type saveFailStore struct {
	store.Store
	fail bool
}

func (s *saveFailStore) SaveSession(ctx context.Context, sess *session.Session) error {
	if s.fail {
		return fmt.Errorf("write rejected")
	}
	return s.Store.SaveSession(ctx, sess)
}

func TestCreateSessionReleasesSlotOnStoreFailure(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxConcurrentSessions = 1

	fs := &saveFailStore{
		Store: store.NewMemoryStore(1000, 24*time.Hour, store.WithClock(clk.Now)),
		fail:  true,
	}
	b := newTestBrokerWith(t, cfg, clk, fs)
	ctx := context.Background()

	if _, err := b.CreateSession(ctx, CreateRequest{}); err == nil {
		t.Fatal("expected store failure")
	}
	stats := b.Stats(ctx)
	if stats.ActiveSessions != 0 || stats.SessionsCreated != 0 {
		t.Errorf("failed admission leaked state: %+v", stats)
	}

	fs.fail = false
	if _, err := b.CreateSession(ctx, CreateRequest{}); err != nil {
		t.Fatalf("CreateSession after failed admission: %v", err)
	}
}

func TestAdmissionReopensAfterEnd(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxConcurrentSessions = 1
	b := newTestBroker(t, cfg, clk)
	ctx := context.Background()

	first, err := b.CreateSession(ctx, CreateRequest{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := b.EndSession(ctx, first.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := b.CreateSession(ctx, CreateRequest{}); err != nil {
		t.Fatalf("CreateSession after end: %v", err)
	}
}

func TestUpdateSessionState(t *testing.T) {
	clk := newFakeClock()
	b := newTestBroker(t, DefaultConfig(), clk)
	ctx := context.Background()

	sess, _ := b.CreateSession(ctx, CreateRequest{})

	if _, err := b.UpdateSessionState(ctx, sess.ID, session.StateListening); err != nil {
		t.Fatalf("forward transition: %v", err)
	}

	_, err := b.UpdateSessionState(ctx, sess.ID, session.StateConnecting)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("backward transition err = %v, want ErrInvalidTransition", err)
	}

	if _, err := b.UpdateSessionState(ctx, sess.ID, session.StateDisconnected); err != nil {
		t.Fatalf("terminal transition: %v", err)
	}

	// Terminal sessions are retired and no longer tracked.
	if b.Engine(sess.ID) != nil {
		t.Error("engine survived terminal transition")
	}
	_, err = b.UpdateSessionState(ctx, sess.ID, session.StateError)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("post-terminal err = %v, want ErrSessionNotFound", err)
	}

	stats := b.Stats(ctx)
	if stats.SessionsCompleted != 1 {
		t.Errorf("SessionsCompleted = %d, want 1", stats.SessionsCompleted)
	}
}

func TestErrorStateCountsAsFailed(t *testing.T) {
	clk := newFakeClock()
	b := newTestBroker(t, DefaultConfig(), clk)
	ctx := context.Background()

	sess, _ := b.CreateSession(ctx, CreateRequest{})
	if err := b.RecordSessionError(ctx, sess.ID, "stt stream dropped"); err != nil {
		t.Fatalf("RecordSessionError: %v", err)
	}
	got, err := b.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ErrorCount != 1 {
		t.Errorf("session ErrorCount = %d, want 1", got.ErrorCount)
	}

	if _, err := b.UpdateSessionState(ctx, sess.ID, session.StateError); err != nil {
		t.Fatalf("transition to error: %v", err)
	}

	stats := b.Stats(ctx)
	if stats.SessionsFailed != 1 {
		t.Errorf("SessionsFailed = %d, want 1", stats.SessionsFailed)
	}
	if stats.SessionErrors != 1 {
		t.Errorf("SessionErrors = %d, want 1", stats.SessionErrors)
	}
	if stats.ErrorRate != 1.0 {
		t.Errorf("ErrorRate = %f, want 1.0", stats.ErrorRate)
	}
}

func TestProcessTranscriptHappyPath(t *testing.T) {
	clk := newFakeClock()
	b := newTestBroker(t, DefaultConfig(), clk)
	ctx := context.Background()

	sess, _ := b.CreateSession(ctx, CreateRequest{})

	result, err := b.ProcessTranscript(ctx, sess.ID, endpointed("echo hello"))
	if err != nil {
		t.Fatalf("ProcessTranscript: %v", err)
	}
	if !result.Endpointed {
		t.Fatalf("turn not endpointed: %s", result.Reason)
	}
	if result.AgentName != "echo" || result.Text != "hello" {
		t.Errorf("result = %+v", result)
	}

	updated, err := b.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.Metadata.ResponseCount != 1 {
		t.Errorf("ResponseCount = %d, want 1", updated.Metadata.ResponseCount)
	}
	if updated.Metadata.AudioDuration != 2*time.Second {
		t.Errorf("AudioDuration = %s, want 2s", updated.Metadata.AudioDuration)
	}
}

func TestProcessTranscriptWithheldByPolicy(t *testing.T) {
	clk := newFakeClock()
	b := newTestBroker(t, DefaultConfig(), clk)
	ctx := context.Background()

	sess, _ := b.CreateSession(ctx, CreateRequest{})

	result, err := b.ProcessTranscript(ctx, sess.ID, TranscriptInput{
		Text:       "still talk",
		Confidence: 0.9,
		IsSpeech:   true,
		Utterance:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("ProcessTranscript: %v", err)
	}
	if result.Endpointed {
		t.Fatal("mid-speech input should not endpoint")
	}
	if result.Reason == "" {
		t.Error("withheld turn should carry a reason")
	}

	cc, err := b.contexts.GetContext(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(cc.History) != 0 {
		t.Errorf("withheld turn recorded in history: %+v", cc.History)
	}
}

func TestProcessTranscriptEmitsPolicyDecisions(t *testing.T) {
	clk := newFakeClock()
	var decisions []*events.Event
	rec := func(e *events.Event) {
		if e.Type == events.PolicyDecision {
			decisions = append(decisions, e)
		}
	}
	b := newTestBroker(t, DefaultConfig(), clk, WithEmitter(rec))
	ctx := context.Background()

	sess, _ := b.CreateSession(ctx, CreateRequest{})
	if _, err := b.ProcessTranscript(ctx, sess.ID, TranscriptInput{
		Text:       "still talk",
		Confidence: 0.9,
		IsSpeech:   true,
		Utterance:  2 * time.Second,
	}); err != nil {
		t.Fatalf("ProcessTranscript: %v", err)
	}
	if _, err := b.ProcessTranscript(ctx, sess.ID, endpointed("echo hi")); err != nil {
		t.Fatalf("ProcessTranscript: %v", err)
	}

	if len(decisions) != 2 {
		t.Fatalf("policy decision events = %d, want 2", len(decisions))
	}
	if decisions[0].Data["kind"] != "endpointing" {
		t.Errorf("kind = %v, want endpointing", decisions[0].Data["kind"])
	}
	if decisions[0].Data["outcome"] != "withhold" || decisions[1].Data["outcome"] != "endpoint" {
		t.Errorf("outcomes = %v, %v, want withhold then endpoint",
			decisions[0].Data["outcome"], decisions[1].Data["outcome"])
	}
}

func TestProcessTranscriptUnknownSession(t *testing.T) {
	clk := newFakeClock()
	b := newTestBroker(t, DefaultConfig(), clk)

	_, err := b.ProcessTranscript(context.Background(), "sess_unknown", endpointed("hi"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestPerSessionEngineIsolation(t *testing.T) {
	clk := newFakeClock()
	b := newTestBroker(t, DefaultConfig(), clk)
	ctx := context.Background()

	a, _ := b.CreateSession(ctx, CreateRequest{})
	c, _ := b.CreateSession(ctx, CreateRequest{})

	// A wake on session A must not start session B's cooldown.
	if d := b.Engine(a.ID).EvaluateWake(true, 0.9, "hey mesh"); !d.IsWake {
		t.Fatalf("session A wake rejected: %s", d.Reason)
	}
	if d := b.Engine(c.ID).EvaluateWake(true, 0.9, "hey mesh"); !d.IsWake {
		t.Errorf("session B wake rejected, cooldown leaked across sessions: %s", d.Reason)
	}
}

func TestCleanupInactiveSessions(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.InactivityTimeout = time.Minute
	b := newTestBroker(t, cfg, clk)
	ctx := context.Background()

	idle, _ := b.CreateSession(ctx, CreateRequest{})
	busy, _ := b.CreateSession(ctx, CreateRequest{})

	clk.Advance(50 * time.Second)
	if _, err := b.ProcessTranscript(ctx, busy.ID, endpointed("echo ping")); err != nil {
		t.Fatalf("ProcessTranscript: %v", err)
	}

	clk.Advance(30 * time.Second)
	removed, err := b.CleanupInactiveSessions(ctx)
	if err != nil {
		t.Fatalf("CleanupInactiveSessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if b.Engine(idle.ID) != nil {
		t.Error("idle session still tracked")
	}
	if b.Engine(busy.ID) == nil {
		t.Error("busy session swept")
	}
}

func TestCleanupExpiredByMaxDuration(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.InactivityTimeout = 0
	b := newTestBroker(t, cfg, clk)
	ctx := context.Background()

	short := session.DefaultConfig()
	short.MaxDuration = time.Minute
	short.MaxSilence = 0
	sess, _ := b.CreateSession(ctx, CreateRequest{Config: &short})

	clk.Advance(2 * time.Minute)
	removed, err := b.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if b.Engine(sess.ID) != nil {
		t.Error("expired session still tracked")
	}
}

func TestShouldCleanupGate(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.CleanupInterval = 30 * time.Second
	b := newTestBroker(t, cfg, clk)

	if b.ShouldCleanup() {
		t.Error("gate open before interval elapsed")
	}
	clk.Advance(31 * time.Second)
	if !b.ShouldCleanup() {
		t.Error("gate closed after interval elapsed")
	}
	if b.ShouldCleanup() {
		t.Error("gate did not advance after firing")
	}
}

func TestShouldEmitTelemetryDisabled(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.TelemetryEnabled = false
	b := newTestBroker(t, cfg, clk)

	clk.Advance(time.Hour)
	if b.ShouldEmitTelemetry() {
		t.Error("telemetry gate open while disabled")
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	clk := newFakeClock()
	b := newTestBroker(t, DefaultConfig(), clk)
	ctx := context.Background()

	sess, _ := b.CreateSession(ctx, CreateRequest{})
	if err := b.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := b.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}

	stats := b.Stats(ctx)
	if stats.SessionsCompleted != 1 {
		t.Errorf("SessionsCompleted = %d, want 1", stats.SessionsCompleted)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if v := cfg.Validate(); len(v) != 0 {
		t.Fatalf("default config invalid: %v", v)
	}

	cfg.MaxConcurrentSessions = 0
	cfg.CleanupInterval = 0
	cfg.LoadBalancing = "random"
	if v := cfg.Validate(); len(v) != 3 {
		t.Errorf("violations = %v, want 3", v)
	}
}
