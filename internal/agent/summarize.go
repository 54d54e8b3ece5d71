package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/voicemesh/voicemesh/internal/conversation"
	"github.com/voicemesh/voicemesh/internal/llm"
)

const summarizeSystemPrompt = "Summarize the conversation so far in at most " +
	"three short spoken sentences. Mention only what was actually discussed."

// SummarizeAgent answers "what did we talk about" style requests by asking
// the model to compress the session history.
type SummarizeAgent struct {
	client llm.Client
	model  string
}

// NewSummarizeAgent creates the summarization agent.
func NewSummarizeAgent(client llm.Client, model string) *SummarizeAgent {
	return &SummarizeAgent{client: client, model: model}
}

func (a *SummarizeAgent) Name() string { return "summarize" }

func (a *SummarizeAgent) Capabilities() []string {
	return []string{"conversation_summary"}
}

// CanHandle claims explicit summary requests.
func (a *SummarizeAgent) CanHandle(_ *conversation.Context, transcript string) bool {
	lowered := strings.ToLower(transcript)
	return strings.Contains(lowered, "summarize") ||
		strings.Contains(lowered, "summary") ||
		strings.Contains(lowered, "what did we talk about")
}

// Handle summarizes the history. An empty history short-circuits without a
// model call.
func (a *SummarizeAgent) Handle(ctx context.Context, cc *conversation.Context, _ string) (*Response, error) {
	if cc == nil || len(cc.History) == 0 {
		return &Response{Text: "We haven't talked about anything yet."}, nil
	}

	var b strings.Builder
	for _, turn := range cc.History {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", turn.UserText, turn.AgentText)
	}

	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		Model:     a.model,
		System:    summarizeSystemPrompt,
		MaxTokens: 256,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	return &Response{Text: resp.Content}, nil
}

// HealthCheck is a no-op; the conversation agent already probes the shared
// model endpoint.
func (a *SummarizeAgent) HealthCheck(context.Context) error { return nil }
