package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Info("turn completed", "agent", "echo")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["msg"] != "turn completed" {
		t.Errorf("msg = %v, want %q", record["msg"], "turn completed")
	}
	if record["agent"] != "echo" {
		t.Errorf("agent = %v, want %q", record["agent"], "echo")
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	if got := CorrelationID(ctx); got != "corr-1" {
		t.Errorf("CorrelationID = %q, want %q", got, "corr-1")
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID on empty context = %q, want \"\"", got)
	}
}

func TestSessionLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	ctx := WithCorrelationID(context.Background(), "corr-9")

	SessionLogger(logger, ctx, "sess_x").Info("hello")

	out := buf.String()
	if !strings.Contains(out, "sess_x") || !strings.Contains(out, "corr-9") {
		t.Errorf("session logger output missing scoped fields: %s", out)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSessionCreated()
	m.RecordTurn("echo", "ok", time.Second)
	m.RecordPolicyDecision("vad", "accept")
	m.SetActiveSessions(3)
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordSessionCreated()
	m.RecordPolicyDecision("wake", "deny")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "voicemesh_sessions_created_total 1") {
		t.Errorf("metrics output missing created counter:\n%s", body)
	}
	if !strings.Contains(body, `voicemesh_policy_decisions_total{kind="wake",outcome="deny"} 1`) {
		t.Errorf("metrics output missing policy decision counter:\n%s", body)
	}
}
