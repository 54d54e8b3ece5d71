package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scriptable Client for tests. Responses are returned in
// order; when exhausted, the last one repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	calls     []ChatRequest
	err       error
}

// NewMockClient creates a mock that replies with the given responses.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{responses: responses}
}

// FailWith makes every subsequent Chat call return err.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the requests seen so far.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// Chat returns the next scripted response.
func (m *MockClient) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock has no responses")
	}

	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return &ChatResponse{Content: m.responses[idx]}, nil
}
