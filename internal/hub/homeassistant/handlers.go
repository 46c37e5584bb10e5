package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub/phonetic"
)

// DefaultDomains are the service domains exposed to the engine when none are
// configured.
var DefaultDomains = []string{
	"light", "switch", "climate", "cover", "fan", "lock",
	"media_player", "scene", "script", "vacuum", "input_boolean",
}

// ServiceCaller performs a raw service call. [*Client] implements it.
type ServiceCaller interface {
	CallService(ctx context.Context, cmd hub.Command, data map[string]any) (int, error)
}

// ── ServiceCall ──────────────────────────────────────────────────────────────

// ServiceCall forwards domain.action with its data. A spoken "area" value is
// replaced by the matching hub area_id.
type ServiceCall struct {
	Caller   ServiceCaller
	Topology hub.ContextProvider
	Matcher  *phonetic.Matcher
}

// Handle implements [hub.Handler].
func (h *ServiceCall) Handle(ctx context.Context, cmd hub.Command, params map[string]any) (string, error) {
	data := maps.Clone(params)
	if spoken, ok := data["area"].(string); ok {
		area, err := resolveArea(ctx, h.Topology, h.Matcher, spoken)
		if err != nil {
			return "", err
		}
		delete(data, "area")
		data["area_id"] = area
	}
	n, err := h.Caller.CallService(ctx, cmd, data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s done, %d entities changed.", cmd, n), nil
}

// ── LightBrightness ──────────────────────────────────────────────────────────

// brightnessParams are the arguments of light.set_brightness.
type brightnessParams struct {
	Area       string `mapstructure:"area"`
	Brightness *int   `mapstructure:"brightness"`
}

// LightBrightness implements light.set_brightness: every light in the
// resolved area is turned on at the given brightness (0-255).
type LightBrightness struct {
	Caller   ServiceCaller
	Topology hub.ContextProvider
	Matcher  *phonetic.Matcher
}

// Handle implements [hub.Handler].
func (h *LightBrightness) Handle(ctx context.Context, _ hub.Command, params map[string]any) (string, error) {
	var p brightnessParams
	if err := decodeParams(params, &p); err != nil {
		return "", fmt.Errorf("%w: light.set_brightness: %w", hub.ErrInvalidCommand, err)
	}
	if strings.TrimSpace(p.Area) == "" {
		return "", fmt.Errorf("%w: light.set_brightness: area is required", hub.ErrInvalidCommand)
	}
	if p.Brightness == nil || *p.Brightness < 0 || *p.Brightness > 255 {
		return "", fmt.Errorf("%w: light.set_brightness: brightness must be 0-255", hub.ErrInvalidCommand)
	}

	topo, err := h.Topology.Fetch(ctx)
	if err != nil {
		return "", err
	}
	area, _, ok := h.Matcher.Resolve(p.Area, topo.Areas())
	if !ok {
		return "", fmt.Errorf("%w: unknown area %q", hub.ErrInvalidCommand, p.Area)
	}
	lights := topo.Entities(area, "light")
	if len(lights) == 0 {
		return fmt.Sprintf("There are no lights in area %s.", area), nil
	}

	turnOn := hub.Command{Domain: "light", Action: "turn_on"}
	if _, err := h.Caller.CallService(ctx, turnOn, map[string]any{
		"entity_id":  lights,
		"brightness": *p.Brightness,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Set brightness to %d in area %s.", *p.Brightness, area), nil
}

// ── AutomationCreate ─────────────────────────────────────────────────────────

// automationParams are the arguments of automation.create.
type automationParams struct {
	YAML string `mapstructure:"yaml"`
}

// AutomationCreate implements automation.create: the YAML document is
// appended to the hub's automations file as list items and automation.reload
// is called. It is not idempotent; each call appends.
type AutomationCreate struct {
	Caller ServiceCaller

	// Path is the automations file, usually /config/automations.yaml.
	Path string

	mu sync.Mutex
}

// Handle implements [hub.Handler].
func (h *AutomationCreate) Handle(ctx context.Context, _ hub.Command, params map[string]any) (string, error) {
	var p automationParams
	if err := decodeParams(params, &p); err != nil {
		return "", fmt.Errorf("%w: automation.create: %w", hub.ErrInvalidCommand, err)
	}
	items, err := AutomationItems(p.YAML)
	if err != nil {
		return "", fmt.Errorf("%w: automation.create: %w", hub.ErrInvalidCommand, err)
	}

	if err := h.appendItems(items); err != nil {
		return "", fmt.Errorf("homeassistant: append automation: %w", err)
	}
	reload := hub.Command{Domain: "automation", Action: "reload"}
	if _, err := h.Caller.CallService(ctx, reload, nil); err != nil {
		return "", err
	}
	return "Created and reloaded new automation.", nil
}

func (h *AutomationCreate) appendItems(items []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append([]byte("\n"), items...)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// AutomationItems validates doc and renders it as YAML sequence items ready
// to append to an automations file. doc may hold one automation mapping or a
// sequence of them; each must declare a trigger and an action.
func AutomationItems(doc string) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(doc), &root); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, errors.New("empty automation")
	}

	body := root.Content[0]
	var items []*yaml.Node
	switch body.Kind {
	case yaml.MappingNode:
		items = []*yaml.Node{body}
	case yaml.SequenceNode:
		items = body.Content
	default:
		return nil, errors.New("automation must be a mapping or a list of mappings")
	}
	if len(items) == 0 {
		return nil, errors.New("empty automation")
	}
	for i, it := range items {
		var a struct {
			Trigger  any `yaml:"trigger"`
			Triggers any `yaml:"triggers"`
			Action   any `yaml:"action"`
			Actions  any `yaml:"actions"`
		}
		if it.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("automation %d is not a mapping", i)
		}
		if err := it.Decode(&a); err != nil {
			return nil, fmt.Errorf("automation %d: %w", i, err)
		}
		if a.Trigger == nil && a.Triggers == nil {
			return nil, fmt.Errorf("automation %d: missing trigger", i)
		}
		if a.Action == nil && a.Actions == nil {
			return nil, fmt.Errorf("automation %d: missing action", i)
		}
	}

	return yaml.Marshal(&yaml.Node{Kind: yaml.SequenceNode, Content: items})
}

// ── Registration ─────────────────────────────────────────────────────────────

// HandlerConfig selects which handlers [Register] binds.
type HandlerConfig struct {
	// Domains receive a generic [ServiceCall] handler. Empty means
	// [DefaultDomains].
	Domains []string

	// AutomationsFile enables automation.create when set.
	AutomationsFile string

	// Matcher resolves spoken areas. Nil means phonetic.New().
	Matcher *phonetic.Matcher
}

// Register binds the Home Assistant handlers into r. Area resolution uses
// topo, which should be the same provider the turns use.
func Register(r *hub.Registry, caller ServiceCaller, topo hub.ContextProvider, cfg HandlerConfig) error {
	m := cfg.Matcher
	if m == nil {
		m = phonetic.New()
	}
	domains := cfg.Domains
	if len(domains) == 0 {
		domains = DefaultDomains
	}

	generic := &ServiceCall{Caller: caller, Topology: topo, Matcher: m}
	var errs []error
	for _, d := range domains {
		errs = append(errs, r.Register(d+".*", generic))
	}
	errs = append(errs, r.Register("light.set_brightness",
		&LightBrightness{Caller: caller, Topology: topo, Matcher: m}))
	if cfg.AutomationsFile != "" {
		errs = append(errs, r.Register("automation.create",
			&AutomationCreate{Caller: caller, Path: cfg.AutomationsFile}))
	}
	return errors.Join(errs...)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func resolveArea(ctx context.Context, topo hub.ContextProvider, m *phonetic.Matcher, spoken string) (string, error) {
	t, err := topo.Fetch(ctx)
	if err != nil {
		return "", err
	}
	area, _, ok := m.Resolve(spoken, t.Areas())
	if !ok {
		return "", fmt.Errorf("%w: unknown area %q", hub.ErrInvalidCommand, spoken)
	}
	return area, nil
}

// decodeParams decodes free-form tool data into a typed struct. Keys match
// case-insensitively, ignoring '_' and '-'; JSON numbers convert to ints.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

func normalizeKey(s string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(s))
}
