package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/voicemesh/voicemesh/internal/conversation"
	"github.com/voicemesh/voicemesh/internal/store"
	"github.com/voicemesh/voicemesh/internal/telemetry"
)

// ErrNoAgent is returned when selection cannot resolve any agent, including
// the configured default.
var ErrNoAgent = fmt.Errorf("no agent available")

// Manager routes finalized transcripts to agents and audits every
// invocation.
type Manager struct {
	registry     *Registry
	store        store.Store
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	defaultAgent string
	now          func() time.Time
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics sets the metrics sink.
func WithManagerMetrics(mt *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithManagerClock overrides the time source for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager routing to agents in registry, falling back
// to defaultAgent when nothing else claims a transcript.
func NewManager(registry *Registry, st store.Store, defaultAgent string, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:     registry,
		store:        st,
		logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		defaultAgent: defaultAgent,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SelectAgent picks the agent for a transcript.
//
// Precedence: a transcript containing the "echo" keyword routes to the echo
// agent when one is registered, then every registered agent is probed via
// CanHandle in registration order, then the configured default. A missing
// default is a configuration error.
func (m *Manager) SelectAgent(cc *conversation.Context, transcript string) (Agent, error) {
	if strings.Contains(strings.ToLower(transcript), "echo") {
		if a := m.registry.Get("echo"); a != nil {
			return a, nil
		}
	}

	for _, a := range m.registry.List() {
		if m.probe(a, cc, transcript) {
			return a, nil
		}
	}

	if a := m.registry.Get(m.defaultAgent); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("%w: default agent %q not registered", ErrNoAgent, m.defaultAgent)
}

// probe calls CanHandle, treating a panic as a refusal. One misbehaving
// agent must not take down selection for the whole pipeline.
func (m *Manager) probe(a Agent, cc *conversation.Context, transcript string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("agent probe panicked",
				slog.String("agent", a.Name()),
				slog.Any("panic", r))
			ok = false
		}
	}()
	return a.CanHandle(cc, transcript)
}

// ProcessTranscript selects an agent, invokes it, and audits the outcome.
// The audit record is written for successes and failures alike.
func (m *Manager) ProcessTranscript(ctx context.Context, cc *conversation.Context, transcript string) (*Response, string, error) {
	agent, err := m.SelectAgent(cc, transcript)
	if err != nil {
		return nil, "", err
	}

	start := m.now()
	resp, err := agent.Handle(ctx, cc, transcript)
	latency := m.now().Sub(start)

	sessionID := ""
	if cc != nil {
		sessionID = cc.SessionID
	}

	status := "ok"
	responseText := ""
	if err != nil {
		status = "error"
		responseText = "ERROR: " + err.Error()
	} else if resp != nil {
		responseText = resp.Text
	}
	m.store.LogAgentExecution(ctx, sessionID, agent.Name(), transcript, responseText, latency)
	m.metrics.RecordTurn(agent.Name(), status, latency)

	if err != nil {
		m.logger.Error("agent execution failed",
			slog.String("agent", agent.Name()),
			slog.String("session_id", sessionID),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()))
		return nil, agent.Name(), fmt.Errorf("agent %s: %w", agent.Name(), err)
	}

	if resp.IsEmpty() {
		m.logger.Warn("agent returned empty response",
			slog.String("agent", agent.Name()),
			slog.String("session_id", sessionID))
	}

	m.logger.Debug("agent execution completed",
		slog.String("agent", agent.Name()),
		slog.String("session_id", sessionID),
		slog.Duration("latency", latency))
	return resp, agent.Name(), nil
}
