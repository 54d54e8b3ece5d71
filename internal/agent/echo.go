package agent

import (
	"context"
	"strings"

	"github.com/voicemesh/voicemesh/internal/conversation"
)

// EchoAgent repeats the transcript back. It exists as a pipeline smoke test:
// if echo works, transport, policy, store, and routing all work.
type EchoAgent struct{}

// NewEchoAgent creates the echo agent.
func NewEchoAgent() *EchoAgent {
	return &EchoAgent{}
}

func (a *EchoAgent) Name() string { return "echo" }

func (a *EchoAgent) Capabilities() []string {
	return []string{"echo", "diagnostics"}
}

// CanHandle claims transcripts that mention the echo keyword.
func (a *EchoAgent) CanHandle(_ *conversation.Context, transcript string) bool {
	return strings.Contains(strings.ToLower(transcript), "echo")
}

// Handle repeats the transcript with the echo keyword stripped.
func (a *EchoAgent) Handle(_ context.Context, _ *conversation.Context, transcript string) (*Response, error) {
	text := strings.TrimSpace(transcript)
	lowered := strings.ToLower(text)
	if strings.HasPrefix(lowered, "echo ") {
		text = strings.TrimSpace(text[len("echo "):])
	} else if lowered == "echo" {
		text = ""
	}
	if text == "" {
		text = "echo"
	}
	return &Response{Text: text}, nil
}

func (a *EchoAgent) HealthCheck(context.Context) error { return nil }
