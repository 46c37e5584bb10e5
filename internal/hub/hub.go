// Package hub defines the boundary between the voice front end and the home
// automation hub: command execution and the per-turn topology snapshot.
//
// Commands are strings of the form "domain.action" (e.g. "light.turn_on").
// They are dispatched through an explicit [Registry] of statically bound
// handlers; a command whose domain or action has no handler is rejected with
// [ErrInvalidCommand] before anything is sent to the hub.
//
// Hub failures are never retried here. A failed command is reported back to
// the conversational engine, which decides whether to ask again.
package hub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

var (
	// ErrInvalidCommand is returned when a command is not of the form
	// domain.action or names no registered handler.
	ErrInvalidCommand = errors.New("hub: invalid command")

	// ErrHubUnreachable is returned when the hub cannot be contacted or
	// answers with a non-success status.
	ErrHubUnreachable = errors.New("hub: unreachable")

	// ErrMalformedResponse is returned when the hub answers with a body that
	// cannot be decoded.
	ErrMalformedResponse = errors.New("hub: malformed response")
)

// UnknownArea is the topology key for entities without an area.
const UnknownArea = "unknown"

// StatusError carries the HTTP status and body of a failed hub request. It
// wraps [ErrHubUnreachable].
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("hub: unreachable: status %d", e.Status)
	}
	return fmt.Sprintf("hub: unreachable: status %d: %s", e.Status, e.Detail)
}

func (e *StatusError) Unwrap() error { return ErrHubUnreachable }

// Command is a parsed domain.action pair.
type Command struct {
	Domain string
	Action string
}

// String returns "domain.action".
func (c Command) String() string { return c.Domain + "." + c.Action }

var identRE = regexp.MustCompile(`^[a-z0-9_]+$`)

// ParseCommand splits s into domain and action. Both parts must be non-empty
// lowercase identifiers.
func ParseCommand(s string) (Command, error) {
	domain, action, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || !identRE.MatchString(domain) || !identRE.MatchString(action) {
		return Command{}, fmt.Errorf("%w: %q is not domain.action", ErrInvalidCommand, s)
	}
	return Command{Domain: domain, Action: action}, nil
}

// Executor performs commands on the hub.
//
// Implementations must be safe for concurrent use: several tool calls of one
// turn may be in flight at once.
type Executor interface {
	// Execute runs command with params and returns a short human-readable
	// result. Errors wrap [ErrInvalidCommand] or [ErrHubUnreachable].
	Execute(ctx context.Context, command string, params map[string]any) (string, error)
}

// Topology maps area ids to the entity ids located in them. Entities without
// an area are listed under [UnknownArea].
type Topology map[string][]string

// Areas returns the area ids in sorted order.
func (t Topology) Areas() []string {
	return slices.Sorted(maps.Keys(t))
}

// Entities returns the entity ids in area whose domain is domain (e.g.
// "light"). An empty domain returns every entity in the area.
func (t Topology) Entities(area, domain string) []string {
	var out []string
	for _, id := range t[area] {
		if domain == "" || strings.HasPrefix(id, domain+".") {
			out = append(out, id)
		}
	}
	return out
}

// ContextProvider fetches the hub topology embedded in each turn's start
// message.
type ContextProvider interface {
	// Fetch returns a fresh snapshot. Errors wrap [ErrHubUnreachable] or
	// [ErrMalformedResponse].
	Fetch(ctx context.Context) (Topology, error)
}
