// Package homeassistant implements the hub boundary against the Home Assistant
// REST API: service calls, the area topology derived from /states, and the
// handlers registered in a [hub.Registry].
//
// Every request goes through a [resilience.CircuitBreaker]. Requests are never
// repeated; a failing hub is reported to the caller as [hub.ErrHubUnreachable].
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/observe"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/resilience"
)

// AddonURL is the API base URL reachable from inside a Supervisor add-on.
const AddonURL = "http://supervisor/core/api"

const (
	defaultTimeout = 10 * time.Second

	// maxErrorBody caps how much of a failed response ends up in errors.
	maxErrorBody = 512
)

// Client talks to one Home Assistant instance. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

var _ hub.ContextProvider = (*Client)(nil)

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (10 s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker replaces the default circuit breaker settings. Name and
// IsFailure are always set by the client.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) {
		cfg.Name = "homeassistant"
		cfg.IsFailure = isFailure
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

// WithMetrics records request counts and latencies on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for the API rooted at baseURL (for example
// "http://homeassistant.local:8123/api" or [AddonURL]).
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("homeassistant: invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "homeassistant",
			IsFailure: isFailure,
		}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BreakerState reports the state of the client's circuit breaker.
func (c *Client) BreakerState() resilience.State { return c.breaker.State() }

// isFailure decides which errors count against the breaker: transport
// failures and 5xx answers. Rejected requests, undecodable bodies and
// cancellations do not.
func isFailure(err error) bool {
	if !errors.Is(err, hub.ErrHubUnreachable) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *hub.StatusError
	if errors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError
	}
	return true
}

// ── API ──────────────────────────────────────────────────────────────────────

// State is one entry of GET /states.
type State struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// AreaID returns attributes.area_id, or [hub.UnknownArea].
func (s State) AreaID() string {
	if a, ok := s.Attributes["area_id"].(string); ok && a != "" {
		return a
	}
	return hub.UnknownArea
}

// CallService invokes POST /services/{domain}/{action} with data and returns
// the number of entities whose state changed.
func (c *Client) CallService(ctx context.Context, cmd hub.Command, data map[string]any) (int, error) {
	if data == nil {
		data = map[string]any{}
	}
	var changed []json.RawMessage
	path := "/services/" + cmd.Domain + "/" + cmd.Action
	if err := c.do(ctx, "call_service", http.MethodPost, path, data, &changed); err != nil {
		return 0, err
	}
	return len(changed), nil
}

// States returns GET /states.
func (c *Client) States(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.do(ctx, "states", http.MethodGet, "/states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// Fetch implements [hub.ContextProvider] by grouping /states by area.
func (c *Client) Fetch(ctx context.Context) (hub.Topology, error) {
	states, err := c.States(ctx)
	if err != nil {
		return nil, err
	}
	return GroupByArea(states), nil
}

// Ping checks that the API answers GET / with a success status.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/", nil, nil)
}

// GroupByArea builds a topology from states. Entity ids are sorted per area.
func GroupByArea(states []State) hub.Topology {
	topo := make(hub.Topology)
	for _, s := range states {
		if s.EntityID == "" {
			continue
		}
		area := s.AreaID()
		topo[area] = append(topo[area], s.EntityID)
	}
	for _, ids := range topo {
		slices.Sort(ids)
	}
	return topo
}

// ── Transport ────────────────────────────────────────────────────────────────

// do performs one request through the breaker. When out is non-nil the
// response body is decoded into it.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, span := observe.StartSpan(ctx, "hub."+op)
	defer span.End()
	span.SetAttributes(attribute.String("hub.path", path))

	start := time.Now()
	err := c.breaker.Execute(func() error {
		return c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", hub.ErrHubUnreachable, err)
	}

	if c.metrics != nil {
		c.metrics.RecordHubRequest(ctx, op, requestStatus(err), time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Debug("hub request failed", "op", op, "path", path, "err", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %w", hub.ErrInvalidCommand, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%w: %w", hub.ErrHubUnreachable, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", hub.ErrHubUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &hub.StatusError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", hub.ErrMalformedResponse, method, path, err)
	}
	return nil
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "rejected"
	case errors.Is(err, hub.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, hub.ErrHubUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
