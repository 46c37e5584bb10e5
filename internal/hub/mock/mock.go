// Package mock provides in-memory implementations of [hub.Executor] and
// [hub.ContextProvider] for use in unit tests.
//
// Both record every call and return values configured through exported
// fields. They are safe for concurrent use.
//
// Example:
//
//	exec := &mock.Executor{Results: map[string]string{"light.turn_on": "ok"}}
//	out, err := exec.Execute(ctx, "light.turn_on", map[string]any{"area": "kitchen"})
package mock

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub"
)

// Compile-time interface assertions.
var (
	_ hub.Executor        = (*Executor)(nil)
	_ hub.ContextProvider = (*ContextProvider)(nil)
)

// ExecuteCall records the arguments of a single [Executor.Execute] call.
type ExecuteCall struct {
	Command string
	Params  map[string]any
}

// Executor is a mock [hub.Executor].
type Executor struct {
	mu sync.Mutex

	// Results maps a command to its output. Commands not listed return
	// DefaultResult.
	Results map[string]string

	// DefaultResult is returned for commands missing from Results.
	DefaultResult string

	// Errors maps a command to the error it fails with.
	Errors map[string]error

	// Err, when set, is returned for every command not in Errors.
	Err error

	// Delay, when positive, blocks each call for that long or until ctx is
	// done, whichever comes first.
	Delay time.Duration

	calls []ExecuteCall
}

// Execute implements [hub.Executor].
func (e *Executor) Execute(ctx context.Context, command string, params map[string]any) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, ExecuteCall{Command: command, Params: maps.Clone(params)})
	delay := e.Delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.Errors[command]; ok {
		return "", err
	}
	if e.Err != nil {
		return "", e.Err
	}
	if out, ok := e.Results[command]; ok {
		return out, nil
	}
	return e.DefaultResult, nil
}

// Calls returns a copy of all recorded calls in order.
func (e *Executor) Calls() []ExecuteCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExecuteCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// ContextProvider is a mock [hub.ContextProvider].
type ContextProvider struct {
	mu sync.Mutex

	// Topology is returned by Fetch.
	Topology hub.Topology

	// Err, when set, is returned by Fetch instead.
	Err error

	// OnFetch, when set, is called at the start of every Fetch.
	OnFetch func()

	calls int
}

// Fetch implements [hub.ContextProvider].
func (p *ContextProvider) Fetch(context.Context) (hub.Topology, error) {
	p.mu.Lock()
	p.calls++
	hook := p.OnFetch
	topo, err := p.Topology, p.Err
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return topo, nil
}

// Calls returns how many times Fetch was called.
func (p *ContextProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
