package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dotsetgreg/turnpike/pkg/memory"
)

// ErrNotRegistered is returned when a plan names an action, provider,
// or evaluator that nothing registered under that name.
var ErrNotRegistered = fmt.Errorf("not registered")

// ActionContext carries everything a handler needs about the message
// being answered and the plan that selected the handler.
type ActionContext struct {
	AgentID string
	RunID   string
	Room    memory.Room
	Message memory.Memory
	Planned memory.Content
	Store   memory.Store
}

// ActionResult is what a handler produced, if anything.
type ActionResult struct {
	Text string
	Data map[string]string
}

// Action is a named handler dispatched when a plan selects it.
type Action interface {
	Name() string
	Description() string
	Execute(ctx context.Context, ac *ActionContext) (*ActionResult, error)
}

// ContextProvider contributes a named block of text to the prompt
// assembled for a decision.
type ContextProvider interface {
	Name() string
	Provide(ctx context.Context, ac *ActionContext) (string, error)
}

// Evaluator runs after a response completes, regardless of whether the
// message produced output.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, ac *ActionContext, responseText string) error
}

// Registry holds the actions, context providers, and evaluators
// available to the agent. Lookups by unknown name are errors, not
// silent no-ops.
type Registry struct {
	mu         sync.RWMutex
	actions    map[string]Action
	providers  map[string]ContextProvider
	evaluators map[string]Evaluator
}

func NewRegistry() *Registry {
	return &Registry{
		actions:    make(map[string]Action),
		providers:  make(map[string]ContextProvider),
		evaluators: make(map[string]Evaluator),
	}
}

func (r *Registry) RegisterAction(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Name()] = a
}

func (r *Registry) RegisterProvider(p ContextProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) RegisterEvaluator(e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[e.Name()] = e
}

func (r *Registry) Action(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("action %q: %w", name, ErrNotRegistered)
	}
	return a, nil
}

func (r *Registry) Provider(name string) (ContextProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, ErrNotRegistered)
	}
	return p, nil
}

func (r *Registry) Evaluators() []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Evaluator, 0, len(names))
	for _, name := range names {
		out = append(out, r.evaluators[name])
	}
	return out
}

func (r *Registry) ActionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) ActionDescriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.actions))
	for name, a := range r.actions {
		out[name] = a.Description()
	}
	return out
}
