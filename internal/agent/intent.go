package agent

import (
	"context"
	"strings"

	"github.com/voicemesh/voicemesh/internal/conversation"
)

// IntentAgent handles short command-style utterances by keyword matching
// and answers with a structured action instead of generated text. Anything
// it does not recognize falls through to the default agent.
type IntentAgent struct {
	intents map[string]string
}

// NewIntentAgent creates the intent agent with the built-in command set.
func NewIntentAgent() *IntentAgent {
	return &IntentAgent{
		intents: map[string]string{
			"stop":        "playback.stop",
			"cancel":      "turn.cancel",
			"pause":       "playback.pause",
			"resume":      "playback.resume",
			"louder":      "volume.up",
			"volume up":   "volume.up",
			"quieter":     "volume.down",
			"volume down": "volume.down",
			"never mind":  "turn.cancel",
		},
	}
}

func (a *IntentAgent) Name() string { return "intent" }

func (a *IntentAgent) Capabilities() []string {
	return []string{"command_routing", "playback_control", "volume_control"}
}

// CanHandle claims only exact matches against the command set. Partial
// matches are left for the conversational fallback.
func (a *IntentAgent) CanHandle(_ *conversation.Context, transcript string) bool {
	return a.match(transcript) != ""
}

func (a *IntentAgent) match(transcript string) string {
	key := strings.ToLower(strings.TrimSpace(transcript))
	key = strings.TrimSuffix(key, ".")
	key = strings.TrimSuffix(key, "!")
	return a.intents[key]
}

// Handle emits the matched action. An unmatched transcript yields an empty
// response rather than an error; selection should have filtered it already.
func (a *IntentAgent) Handle(_ context.Context, _ *conversation.Context, transcript string) (*Response, error) {
	action := a.match(transcript)
	if action == "" {
		return &Response{}, nil
	}
	return &Response{
		Text:    "OK.",
		Actions: []Action{{Type: action}},
	}, nil
}

func (a *IntentAgent) HealthCheck(context.Context) error { return nil }
