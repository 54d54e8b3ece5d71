package agent

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds the available agents keyed by name. Registration order is
// preserved because selection probes agents in the order they were added.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Duplicate names are rejected so two components
// cannot silently shadow each other.
func (r *Registry) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("register: nil agent")
	}
	name := a.Name()
	if name == "" {
		return fmt.Errorf("register: agent has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("register: agent %q already registered", name)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the agent with the given name, or nil when absent.
func (r *Registry) Get(name string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[name]
}

// Names returns agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// HealthCheck probes every agent and returns the names of unhealthy ones
// mapped to their errors. An empty map means all agents are healthy.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	unhealthy := make(map[string]error)
	for _, a := range r.List() {
		if err := a.HealthCheck(ctx); err != nil {
			unhealthy[a.Name()] = err
		}
	}
	return unhealthy
}
