package s2s

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ToolName is the single callable tool declared to the engine.
const ToolName = "execute_command"

// Control message types.
const (
	TypeStart      = "start"
	TypeStop       = "stop"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

// AudioFormat declares the PCM format of upstream audio.
type AudioFormat struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels,omitempty"`
}

// Voice selects the synthesised voice.
type Voice struct {
	Name string `json:"name"`
}

// ChatMessage is a role-tagged text message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolFunction describes a callable function and its JSON Schema parameters.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool is a tool declaration in the start message.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// Start is the opening control message of every stream.
type Start struct {
	Type        string        `json:"type"`
	AudioFormat AudioFormat   `json:"audio_format"`
	Voice       Voice         `json:"voice"`
	Language    string        `json:"language,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []Tool        `json:"tools"`
}

// NewStart builds the opening message for mono PCM16 at sampleRate with the
// execute_command tool as the only declared tool.
func NewStart(sampleRate int, voice, language, system string) Start {
	return Start{
		Type:        TypeStart,
		AudioFormat: AudioFormat{Type: "pcm16", SampleRate: sampleRate, Channels: 1},
		Voice:       Voice{Name: voice},
		Language:    language,
		Messages:    []ChatMessage{{Role: "system", Content: system}},
		Tools:       []Tool{ExecuteCommandTool()},
	}
}

// Stop ends the upstream audio.
type Stop struct {
	Type string `json:"type"`
}

// NewStop returns the stop control message.
func NewStop() Stop { return Stop{Type: TypeStop} }

// ToolResult returns the outcome of a tool call to the engine.
type ToolResult struct {
	Type string `json:"type"`

	// ID is written as received, so a numeric id stays numeric.
	ID      json.RawMessage `json:"id"`
	Output  string          `json:"output"`
	IsError bool            `json:"is_error"`
}

// NewToolResult builds the result for call.
func NewToolResult(call ToolCall, output string, isError bool) ToolResult {
	id := call.RawID
	if len(id) == 0 {
		id, _ = json.Marshal(call.ID)
	}
	return ToolResult{Type: TypeToolResult, ID: id, Output: output, IsError: isError}
}

// ExecuteCommandSchema is the JSON Schema of the execute_command arguments:
// a required "service" string of the form domain.action and an optional
// "data" object.
func ExecuteCommandSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"service": map[string]any{
				"type":        "string",
				"description": `Home Assistant service as "domain.action", e.g. "light.turn_on".`,
			},
			"data": map[string]any{
				"type":        "object",
				"description": "Service data such as entity_id, area or brightness.",
			},
		},
		"required": []any{"service"},
	}
}

// ExecuteCommandTool returns the execute_command tool declaration.
func ExecuteCommandTool() Tool {
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        ToolName,
			Description: "Run a Home Assistant service call.",
			Parameters:  ExecuteCommandSchema(),
		},
	}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// ToolCall is a decoded tool_call request.
type ToolCall struct {
	// ID correlates the result with this call, in text form for logs.
	// Calls that arrive without an id get a generated one.
	ID string

	// RawID is the id exactly as it appeared on the wire, or the generated
	// id as a JSON string. [NewToolResult] echoes it.
	RawID json.RawMessage

	// Name is the tool name; empty when the engine omits it.
	Name string

	// Arguments is the JSON object holding service and data.
	Arguments json.RawMessage
}

// Command decodes Arguments into the service name and its data.
func (c ToolCall) Command() (service string, data map[string]any, err error) {
	var args struct {
		Service string         `json:"service"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(c.Arguments, &args); err != nil {
		return "", nil, fmt.Errorf("s2s: decode tool arguments: %w", err)
	}
	if args.Data == nil {
		args.Data = map[string]any{}
	}
	return args.Service, args.Data, nil
}

// Control is a decoded inbound control message.
type Control struct {
	Type string

	// ToolCall is set when Type is [TypeToolCall].
	ToolCall *ToolCall
}

// ProtocolError reports an inbound message that could not be decoded.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("s2s: protocol: %s: %v", e.Reason, e.Err)
	}
	return "s2s: protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type inboundControl struct {
	Type      string          `json:"type"`
	ID        json.RawMessage `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Service   json.RawMessage `json:"service"`
	Data      json.RawMessage `json:"data"`
}

// DecodeControl parses an inbound control message. These tool_call shapes are
// accepted:
//
//	{"type":"tool_call","id":"c1","name":"execute_command","arguments":{"service":...,"data":...}}
//	{"type":"tool_call","id":"c1","arguments":"{\"service\":...}"}   // arguments as a JSON string
//	{"type":"tool_call","id":"c1","service":...,"data":...}          // flat
//	{"type":"tool_call","id":{"service":...,"data":...}}            // legacy: arguments in id
//
// Malformed input is reported as a *[ProtocolError].
func DecodeControl(raw []byte) (Control, error) {
	var in inboundControl
	if err := json.Unmarshal(raw, &in); err != nil {
		return Control{}, &ProtocolError{Reason: "malformed json", Err: err}
	}
	if in.Type == "" {
		return Control{}, &ProtocolError{Reason: "missing type"}
	}
	c := Control{Type: in.Type}
	if in.Type != TypeToolCall {
		return c, nil
	}

	call := &ToolCall{Name: in.Name}
	id := bytes.TrimSpace(in.ID)

	switch {
	case len(id) > 0 && id[0] == '{':
		// Legacy shape: the arguments object travels in the id field.
		call.Arguments = id
		call.generateID()
	case len(id) > 0 && id[0] == '"':
		if err := json.Unmarshal(id, &call.ID); err != nil {
			return Control{}, &ProtocolError{Reason: "tool_call id", Err: err}
		}
		call.RawID = id
	case len(id) == 0 || bytes.Equal(id, []byte("null")):
		call.generateID()
	default:
		// Numbers and other scalars are echoed back byte for byte.
		call.ID = string(id)
		call.RawID = id
	}

	if call.Arguments == nil {
		args, err := toolArguments(in)
		if err != nil {
			return Control{}, err
		}
		call.Arguments = args
	}
	c.ToolCall = call
	return c, nil
}

func (c *ToolCall) generateID() {
	c.ID = uuid.NewString()
	c.RawID, _ = json.Marshal(c.ID)
}

func toolArguments(in inboundControl) (json.RawMessage, error) {
	args := bytes.TrimSpace(in.Arguments)
	switch {
	case len(args) > 0 && args[0] == '"':
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return nil, &ProtocolError{Reason: "tool_call arguments", Err: err}
		}
		if !json.Valid([]byte(s)) {
			return nil, &ProtocolError{Reason: "tool_call arguments are not valid json"}
		}
		return json.RawMessage(s), nil
	case len(args) > 0 && !bytes.Equal(args, []byte("null")):
		return json.RawMessage(args), nil
	}

	if len(in.Service) == 0 {
		return nil, &ProtocolError{Reason: "tool_call without arguments"}
	}
	flat := map[string]json.RawMessage{"service": in.Service}
	if len(in.Data) > 0 {
		flat["data"] = in.Data
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return nil, &ProtocolError{Reason: "tool_call arguments", Err: err}
	}
	return b, nil
}
