package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
)

// toolRunner validates execute_command arguments and forwards them to the
// hub executor.
type toolRunner struct {
	exec   hub.Executor
	schema *gojsonschema.Schema
}

func newToolRunner(exec hub.Executor) (*toolRunner, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s2s.ExecuteCommandSchema()))
	if err != nil {
		return nil, fmt.Errorf("turn: compile tool schema: %w", err)
	}
	return &toolRunner{exec: exec, schema: schema}, nil
}

// run executes call and returns the text for the tool result and whether it
// reports an error. The command name is returned for logs and metrics; it is
// empty when the arguments could not be decoded.
func (r *toolRunner) run(ctx context.Context, call s2s.ToolCall) (command, output string, isError bool) {
	if call.Name != "" && call.Name != s2s.ToolName {
		return "", fmt.Sprintf("unknown tool %q", call.Name), true
	}
	if err := r.validate(call.Arguments); err != nil {
		return "", err.Error(), true
	}
	service, data, err := call.Command()
	if err != nil {
		return "", err.Error(), true
	}

	out, err := r.exec.Execute(ctx, service, data)
	if err != nil {
		return service, err.Error(), true
	}
	if out == "" {
		out = "ok"
	}
	return service, out, false
}

func (r *toolRunner) validate(args json.RawMessage) error {
	if len(args) == 0 {
		return fmt.Errorf("invalid arguments: missing")
	}
	res, err := r.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
}

// SystemPrompt renders the system message of a turn: instructions followed by
// the area map of topo as JSON.
func SystemPrompt(instructions string, topo hub.Topology) string {
	if instructions == "" {
		instructions = DefaultInstructions
	}
	if topo == nil {
		topo = hub.Topology{}
	}
	// Marshal sorts map keys, so the prompt is stable for a given topology.
	b, err := json.Marshal(map[string][]string(topo))
	if err != nil {
		b = []byte("{}")
	}
	return strings.TrimSpace(instructions) + " Areas and entities: " + string(b) + "."
}

// DefaultInstructions opens the system message when none are configured.
const DefaultInstructions = "You are a Home Assistant voice assistant. " +
	"Answer briefly. To act on the home, call execute_command with a service " +
	`of the form "domain.action" and its data, for example ` +
	`{"service":"light.turn_on","data":{"area":"kitchen"}}.`
