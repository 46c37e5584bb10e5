package hub

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Handler performs one family of commands.
type Handler interface {
	Handle(ctx context.Context, cmd Command, params map[string]any) (string, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, cmd Command, params map[string]any) (string, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd Command, params map[string]any) (string, error) {
	return f(ctx, cmd, params)
}

// Registry is an [Executor] that resolves commands to statically registered
// handlers. Patterns are either exact ("light.set_brightness") or a whole
// domain ("light.*"). Exact patterns take precedence.
//
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	exact  map[string]Handler
	domain map[string]Handler
}

var _ Executor = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:  make(map[string]Handler),
		domain: make(map[string]Handler),
	}
}

// Register binds pattern to h. Registering the same pattern again replaces
// the previous handler.
func (r *Registry) Register(pattern string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if domain, ok := strings.CutSuffix(pattern, ".*"); ok {
		if !identRE.MatchString(domain) {
			return fmt.Errorf("hub: register %q: invalid domain", pattern)
		}
		r.domain[domain] = h
		return nil
	}
	cmd, err := ParseCommand(pattern)
	if err != nil {
		return fmt.Errorf("hub: register: %w", err)
	}
	r.exact[cmd.String()] = h
	return nil
}

// Lookup returns the handler for cmd.
func (r *Registry) Lookup(cmd Command) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.exact[cmd.String()]; ok {
		return h, true
	}
	h, ok := r.domain[cmd.Domain]
	return h, ok
}

// Patterns returns every registered pattern, sorted.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Collect(maps.Keys(r.exact))
	for d := range r.domain {
		out = append(out, d+".*")
	}
	slices.Sort(out)
	return out
}

// Execute implements [Executor].
func (r *Registry) Execute(ctx context.Context, command string, params map[string]any) (string, error) {
	cmd, err := ParseCommand(command)
	if err != nil {
		return "", err
	}
	h, ok := r.Lookup(cmd)
	if !ok {
		return "", fmt.Errorf("%w: no handler for %q", ErrInvalidCommand, cmd)
	}
	if params == nil {
		params = map[string]any{}
	}
	return h.Handle(ctx, cmd, params)
}
