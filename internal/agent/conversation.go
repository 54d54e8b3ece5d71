package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/voicemesh/voicemesh/internal/conversation"
	"github.com/voicemesh/voicemesh/internal/llm"
)

const conversationSystemPrompt = "You are a helpful voice assistant. " +
	"Answer in one or two short sentences suitable for speech synthesis. " +
	"Do not use markdown, lists, or code blocks."

// fallbackReply is spoken when the model is unreachable. The turn still
// completes so the session keeps flowing.
const fallbackReply = "Sorry, I'm having trouble responding right now. Please try again."

// ConversationAgent is the general-purpose assistant backed by an LLM. It
// replays recent history so the model sees the dialogue, and degrades to a
// fixed apology when the model call fails.
type ConversationAgent struct {
	client     llm.Client
	model      string
	maxHistory int
	logger     *slog.Logger
}

// ConversationOption configures the conversation agent.
type ConversationOption func(*ConversationAgent)

// WithConversationLogger sets the logger.
func WithConversationLogger(l *slog.Logger) ConversationOption {
	return func(a *ConversationAgent) { a.logger = l }
}

// WithMaxHistory bounds how many past turns are replayed to the model.
func WithMaxHistory(n int) ConversationOption {
	return func(a *ConversationAgent) { a.maxHistory = n }
}

// NewConversationAgent creates the LLM-backed assistant.
func NewConversationAgent(client llm.Client, model string, opts ...ConversationOption) *ConversationAgent {
	a := &ConversationAgent{
		client:     client,
		model:      model,
		maxHistory: 10,
		logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ConversationAgent) Name() string { return "conversation" }

func (a *ConversationAgent) Capabilities() []string {
	return []string{"general_dialogue", "question_answering"}
}

// CanHandle always returns false. The conversation agent is the fallback of
// last resort and is reached through the default-agent path, not probing.
func (a *ConversationAgent) CanHandle(*conversation.Context, string) bool { return false }

// Handle sends the transcript plus recent history to the model. A model
// failure degrades to a canned reply with a nil error so the turn completes.
func (a *ConversationAgent) Handle(ctx context.Context, cc *conversation.Context, transcript string) (*Response, error) {
	req := llm.ChatRequest{
		Model:     a.model,
		System:    conversationSystemPrompt,
		MaxTokens: 512,
	}

	if cc != nil {
		history := cc.History
		if a.maxHistory > 0 && len(history) > a.maxHistory {
			history = history[len(history)-a.maxHistory:]
		}
		for _, turn := range history {
			req.Messages = append(req.Messages,
				llm.Message{Role: llm.RoleUser, Content: turn.UserText},
				llm.Message{Role: llm.RoleAssistant, Content: turn.AgentText})
		}
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: transcript})

	resp, err := a.client.Chat(ctx, req)
	if err != nil {
		a.logger.Warn("model call failed, degrading to fallback reply",
			slog.String("model", a.model),
			slog.String("error", err.Error()))
		return &Response{Text: fallbackReply}, nil
	}
	return &Response{Text: resp.Content}, nil
}

// HealthCheck sends a minimal probe request to the model.
func (a *ConversationAgent) HealthCheck(ctx context.Context) error {
	_, err := a.client.Chat(ctx, llm.ChatRequest{
		Model:     a.model,
		MaxTokens: 1,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
	})
	if err != nil {
		return fmt.Errorf("model probe: %w", err)
	}
	return nil
}
