package turn_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub"
	hubmock "github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub/mock"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/observe"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/turn"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	audiomock "github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio/mock"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
	s2smock "github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s/mock"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

const rate = 16000

var wakeEvent = wake.Event{Keyword: "okay_nabu", Confidence: 1}

// recorder is a state listener that also accepts ad-hoc event marks, so tests
// can assert on the relative order of transitions and connection writes.
type recorder struct {
	mu     sync.Mutex
	states []turn.State
	events []string
}

func (r *recorder) OnStateChange(c turn.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, c.To)
	r.events = append(r.events, "state:"+c.To.String())
}

func (r *recorder) mark(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) current() turn.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return turn.StateIdle
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) snapshot() ([]turn.State, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states), slices.Clone(r.events)
}

type fixture struct {
	dialer *s2smock.Dialer
	conn   *s2smock.Conn
	topo   *hubmock.ContextProvider
	exec   *hubmock.Executor
	sink   *audiomock.Sink
	rec    *recorder
}

func newFixture() *fixture {
	conn := s2smock.NewConn()
	return &fixture{
		dialer: &s2smock.Dialer{Conn: conn},
		conn:   conn,
		topo:   &hubmock.ContextProvider{Topology: hub.Topology{"kitchen": {"light.kitchen_ceiling"}}},
		exec:   &hubmock.Executor{DefaultResult: "done"},
		sink:   &audiomock.Sink{},
		rec:    &recorder{},
	}
}

func (f *fixture) orchestrator(t *testing.T, cfg turn.Config) *turn.Orchestrator {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = rate
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	o, err := turn.New(cfg, f.dialer, f.topo, f.exec, f.sink,
		turn.WithMetrics(m), turn.WithListener(f.rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// endOn ends the mock stream as soon as a control message of type typ is
// written upstream.
func (f *fixture) endOn(typ string) {
	f.conn.OnJSON = func(raw []byte) {
		if strings.Contains(string(raw), `"type":"`+typ+`"`) {
			f.rec.mark(typ)
			f.conn.End()
		}
	}
}

func runTurn(t *testing.T, o *turn.Orchestrator, src audio.Source) turn.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := o.RunTurn(ctx, wakeEvent, src)
	if ctx.Err() != nil {
		t.Fatal("turn did not finish in time")
	}
	return res
}

func blockingSource() *audiomock.Source { return &audiomock.Source{Block: true} }

const toolCallKitchen = `{"type":"tool_call","id":"c1","name":"execute_command",` +
	`"arguments":{"service":"light.turn_on","data":{"area":"kitchen"}}}`

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestRunTurn_ImmediateClose(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.conn.End()
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if res.Final != turn.StateClosed {
		t.Errorf("Final = %v, want closed", res.Final)
	}
	states, _ := f.rec.snapshot()
	want := []turn.State{turn.StateContextLoading, turn.StateStreaming, turn.StateDraining, turn.StateClosed}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if n := len(f.exec.Calls()); n != 0 {
		t.Errorf("executor calls = %d, want 0", n)
	}
	if n := len(f.conn.OfType(s2s.TypeStop)); n != 1 {
		t.Errorf("stop messages = %d, want 1", n)
	}
	if f.conn.CloseCalls() == 0 {
		t.Error("connection was not closed")
	}
	if res.ID == "" {
		t.Error("turn id is empty")
	}
}

func TestRunTurn_StartMessage(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.conn.End()
	o := f.orchestrator(t, turn.Config{SampleRate: 24000, Voice: "alloy", Language: "en"})
	runTurn(t, o, blockingSource())

	starts := f.dialer.Starts()
	if len(starts) != 1 {
		t.Fatalf("dials = %d, want 1", len(starts))
	}
	st := starts[0]
	if st.AudioFormat.SampleRate != 24000 || st.AudioFormat.Type != "pcm16" {
		t.Errorf("audio format = %+v", st.AudioFormat)
	}
	if st.Voice.Name != "alloy" || st.Language != "en" {
		t.Errorf("voice/language = %q/%q", st.Voice.Name, st.Language)
	}
	if len(st.Tools) != 1 || st.Tools[0].Function.Name != s2s.ToolName {
		t.Errorf("tools = %+v", st.Tools)
	}
	if len(st.Messages) != 1 || !strings.Contains(st.Messages[0].Content, "light.kitchen_ceiling") {
		t.Errorf("system message = %+v", st.Messages)
	}
}

func TestRunTurn_ForwardsFramesInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.endOn(s2s.TypeStop)
	frames := audiomock.Frames(5, rate, 20*time.Millisecond)
	for i := range frames {
		frames[i].Data[0] = byte(i + 1)
	}
	res := runTurn(t, f.orchestrator(t, turn.Config{}), &audiomock.Source{Frames: frames})

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	got := f.conn.Audio()
	if len(got) != 5 || res.FramesSent != 5 {
		t.Fatalf("frames upstream = %d (FramesSent %d), want 5", len(got), res.FramesSent)
	}
	for i, pcm := range got {
		if pcm[0] != byte(i+1) {
			t.Errorf("frame %d out of order (marker %d)", i, pcm[0])
		}
	}
	if n := len(f.conn.OfType(s2s.TypeStop)); n != 1 {
		t.Errorf("stop messages = %d, want 1", n)
	}
}

func TestRunTurn_PlaysDownstreamAudio(t *testing.T) {
	t.Parallel()

	f := newFixture()
	for i := range 3 {
		f.conn.PushAudio([]byte{byte(i), 0, byte(i), 0})
	}
	f.conn.End()
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	writes := f.sink.Writes()
	if len(writes) != 3 {
		t.Fatalf("sink writes = %d, want 3", len(writes))
	}
	for i, w := range writes {
		if w[0] != byte(i) {
			t.Errorf("chunk %d out of order", i)
		}
	}
}

func TestRunTurn_PlaybackNeverBlocksReceive(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.sink.Delay = 50 * time.Millisecond
	for range 10 {
		f.conn.PushAudio([]byte{1, 0})
	}
	f.conn.End()
	res := runTurn(t, f.orchestrator(t, turn.Config{PlaybackBuffer: 2}), blockingSource())

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	played := len(f.sink.Writes())
	if played+res.PlaybackDropped != 10 {
		t.Errorf("played %d + dropped %d != 10", played, res.PlaybackDropped)
	}
	if res.PlaybackDropped == 0 {
		t.Error("expected drops with a full playback queue")
	}
}

// ── Tool calls ────────────────────────────────────────────────────────────────

func TestRunTurn_ToolCallDispatched(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.endOn(s2s.TypeToolResult)
	f.conn.PushControl(toolCallKitchen)
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	calls := f.exec.Calls()
	if len(calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(calls))
	}
	if calls[0].Command != "light.turn_on" {
		t.Errorf("command = %q", calls[0].Command)
	}
	if want := map[string]any{"area": "kitchen"}; !reflect.DeepEqual(calls[0].Params, want) {
		t.Errorf("params = %v, want %v", calls[0].Params, want)
	}

	results := f.conn.OfType(s2s.TypeToolResult)
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if results[0]["id"] != "c1" || results[0]["is_error"] != false || results[0]["output"] != "done" {
		t.Errorf("result = %v", results[0])
	}

	_, events := f.rec.snapshot()
	ri := slices.Index(events, s2s.TypeToolResult)
	di := slices.Index(events, "state:draining")
	if ri < 0 || di < 0 || ri > di {
		t.Errorf("events = %v, want tool_result before draining", events)
	}
	if res.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", res.ToolCalls)
	}
}

func TestRunTurn_NumericToolCallIDEchoed(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.endOn(s2s.TypeToolResult)
	f.conn.PushControl(`{"type":"tool_call","id":5,"arguments":{"service":"light.turn_on","data":{"area":"kitchen"}}}`)
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	results := f.conn.OfType(s2s.TypeToolResult)
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if id, ok := results[0]["id"].(float64); !ok || id != 5 {
		t.Errorf("id = %#v, want the number 5", results[0]["id"])
	}
}

func TestRunTurn_HubUnreachableBecomesErrorResult(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.exec.Errors = map[string]error{
		"light.turn_on": &hub.StatusError{Status: 502, Detail: "bad gateway"},
	}
	f.endOn(s2s.TypeToolResult)
	f.conn.PushControl(toolCallKitchen)
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if res.Err != nil {
		t.Fatalf("Err = %v, want nil: executor failures do not fail the turn", res.Err)
	}
	results := f.conn.OfType(s2s.TypeToolResult)
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if results[0]["is_error"] != true {
		t.Errorf("is_error = %v, want true", results[0]["is_error"])
	}
	if out, _ := results[0]["output"].(string); !strings.Contains(out, "unreachable") {
		t.Errorf("output = %q", out)
	}
	if res.Final != turn.StateClosed {
		t.Errorf("Final = %v", res.Final)
	}
}

func TestRunTurn_InvalidArgumentsNotExecuted(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"missing service": `{"type":"tool_call","id":"c1","arguments":{"data":{}}}`,
		"wrong type":      `{"type":"tool_call","id":"c1","arguments":{"service":42}}`,
		"unknown tool":    `{"type":"tool_call","id":"c1","name":"rm_rf","arguments":{"service":"light.turn_on"}}`,
	}
	for name, msg := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.endOn(s2s.TypeToolResult)
			f.conn.PushControl(msg)
			runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

			if n := len(f.exec.Calls()); n != 0 {
				t.Errorf("executor calls = %d, want 0", n)
			}
			results := f.conn.OfType(s2s.TypeToolResult)
			if len(results) != 1 || results[0]["is_error"] != true || results[0]["id"] != "c1" {
				t.Errorf("results = %v, want one error result for c1", results)
			}
		})
	}
}

func TestRunTurn_LateResultsDiscarded(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.exec.Delay = 2 * time.Second
	f.conn.PushControl(toolCallKitchen)
	f.conn.End()

	start := time.Now()
	res := runTurn(t, f.orchestrator(t, turn.Config{DrainTimeout: 50 * time.Millisecond}), blockingSource())

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("turn took %v, drain timeout not honoured", elapsed)
	}
	if res.Final != turn.StateClosed {
		t.Errorf("Final = %v", res.Final)
	}
	// Give the abandoned dispatcher a moment to observe cancellation.
	time.Sleep(50 * time.Millisecond)
	if n := len(f.conn.OfType(s2s.TypeToolResult)); n != 0 {
		t.Errorf("tool results = %d, want 0 after drain timeout", n)
	}
}

func TestRunTurn_MalformedMessageKeepsStreaming(t *testing.T) {
	t.Parallel()

	f := newFixture()
	var stateAtResult turn.State
	f.conn.OnJSON = func(raw []byte) {
		if strings.Contains(string(raw), `"tool_result"`) {
			stateAtResult = f.rec.current()
			f.conn.End()
		}
	}
	f.conn.PushControl(`{"type":"tool_call",`)
	f.conn.PushControl(`{"type":"session.updated"}`)
	f.conn.PushControl(toolCallKitchen)
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if res.ProtocolErrors != 1 {
		t.Errorf("ProtocolErrors = %d, want 1", res.ProtocolErrors)
	}
	if stateAtResult != turn.StateStreaming {
		t.Errorf("state after malformed message = %v, want streaming", stateAtResult)
	}
	if n := len(f.exec.Calls()); n != 1 {
		t.Errorf("executor calls = %d, want 1", n)
	}
}

// ── Failures ──────────────────────────────────────────────────────────────────

func TestRunTurn_ContextFetchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.topo.Err = fmt.Errorf("%w: connection refused", hub.ErrHubUnreachable)
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if turn.KindOf(res.Err) != turn.KindContextFetch {
		t.Fatalf("Err = %v, want context_fetch", res.Err)
	}
	if !errors.Is(res.Err, hub.ErrHubUnreachable) {
		t.Errorf("Err does not wrap the fetch error: %v", res.Err)
	}
	if n := f.dialer.DialCalls(); n != 0 {
		t.Errorf("dial calls = %d, want 0", n)
	}
	if res.Final != turn.StateClosed {
		t.Errorf("Final = %v, want closed", res.Final)
	}
	states, _ := f.rec.snapshot()
	if want := []turn.State{turn.StateContextLoading, turn.StateClosed}; !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestRunTurn_DialFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.dialer.DialErr = errors.New("handshake rejected")
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if turn.KindOf(res.Err) != turn.KindTransport {
		t.Fatalf("Err = %v, want transport", res.Err)
	}
	if n := f.dialer.DialCalls(); n != 1 {
		t.Errorf("dial calls = %d, want exactly 1", n)
	}
	if res.Final != turn.StateClosed {
		t.Errorf("Final = %v", res.Final)
	}
}

func TestRunTurn_ReadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.conn.PushErr(errors.New("connection reset"))
	res := runTurn(t, f.orchestrator(t, turn.Config{}), blockingSource())

	if turn.KindOf(res.Err) != turn.KindTransport {
		t.Fatalf("Err = %v, want transport", res.Err)
	}
	if res.Final != turn.StateClosed {
		t.Errorf("Final = %v", res.Final)
	}
	if f.conn.CloseCalls() == 0 {
		t.Error("connection was not closed")
	}
}

func TestRunTurn_SendFailureCancelsReceive(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.conn.WriteAudioErr = errors.New("broken pipe")
	src := &audiomock.Source{Frames: audiomock.Frames(3, rate, 20*time.Millisecond), Block: true}
	res := runTurn(t, f.orchestrator(t, turn.Config{}), src)

	if turn.KindOf(res.Err) != turn.KindTransport {
		t.Fatalf("Err = %v, want transport", res.Err)
	}
	if res.FramesDiscarded != 1 || res.FramesSent != 0 {
		t.Errorf("sent %d discarded %d, want 0/1", res.FramesSent, res.FramesDiscarded)
	}
}

func TestRunTurn_FramesAfterRemoteCloseAreCounted(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.conn.WriteAudioErr = s2s.ErrStreamClosed
	f.conn.AudioFailAfter = 2
	src := &audiomock.Source{Frames: audiomock.Frames(5, rate, 20*time.Millisecond)}

	go func() {
		// End the stream once every frame and the final EOF have been read.
		deadline := time.Now().Add(3 * time.Second)
		for src.Reads() < 6 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		f.conn.End()
	}()
	res := runTurn(t, f.orchestrator(t, turn.Config{}), src)

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if res.FramesSent != 2 || res.FramesDiscarded != 3 {
		t.Errorf("sent %d discarded %d, want 2/3", res.FramesSent, res.FramesDiscarded)
	}
	if n := len(f.conn.OfType(s2s.TypeStop)); n != 0 {
		t.Errorf("stop messages = %d, want none on a closed stream", n)
	}
}

func TestRunTurn_DeviceFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	src := &audiomock.Source{Errs: map[int]error{0: errors.New("device unplugged")}}
	res := runTurn(t, f.orchestrator(t, turn.Config{}), src)

	if turn.KindOf(res.Err) != turn.KindDevice {
		t.Fatalf("Err = %v, want device", res.Err)
	}
	if res.Final != turn.StateClosed {
		t.Errorf("Final = %v", res.Final)
	}
}

// ── Bounds ────────────────────────────────────────────────────────────────────

func TestRunTurn_MaxDuration(t *testing.T) {
	t.Parallel()

	f := newFixture()
	o := f.orchestrator(t, turn.Config{MaxDuration: 100 * time.Millisecond, DrainTimeout: 100 * time.Millisecond})
	res := runTurn(t, o, blockingSource())

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if n := len(f.conn.OfType(s2s.TypeStop)); n != 1 {
		t.Errorf("stop messages = %d, want 1", n)
	}
	if res.Final != turn.StateClosed {
		t.Errorf("Final = %v", res.Final)
	}
	if res.Duration > 2*time.Second {
		t.Errorf("Duration = %v", res.Duration)
	}
}

func TestRunTurn_SilenceEndsCapture(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.endOn(s2s.TypeStop)
	const d = 20 * time.Millisecond
	frames := audiomock.Frames(12, rate, d)
	for i := range 2 {
		frames[i].Data = audio.Tone(rate, 440, d, 0.5)
	}
	src := &audiomock.Source{Frames: frames, Block: true}
	res := runTurn(t, f.orchestrator(t, turn.Config{SilenceTimeout: 3 * d}), src)

	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	// Two speech frames, then three silent frames reach the hold.
	if res.FramesSent != 5 {
		t.Errorf("FramesSent = %d, want 5", res.FramesSent)
	}
}

func TestRunTurn_RefusesConcurrentTurn(t *testing.T) {
	t.Parallel()

	f := newFixture()
	o := f.orchestrator(t, turn.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan turn.Result, 1)
	go func() { done <- o.RunTurn(ctx, wakeEvent, blockingSource()) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.dialer.DialCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	res := o.RunTurn(context.Background(), wakeEvent, blockingSource())
	if !errors.Is(res.Err, turn.ErrBusy) || turn.KindOf(res.Err) != turn.KindBusy {
		t.Errorf("second turn Err = %v, want busy", res.Err)
	}

	f.conn.End()
	if first := <-done; first.Err != nil {
		t.Errorf("first turn Err = %v", first.Err)
	}
	if o.Active() {
		t.Error("orchestrator still active after turn")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture()
	if _, err := turn.New(turn.Config{}, f.dialer, f.topo, f.exec, f.sink); err == nil {
		t.Error("zero sample rate should fail")
	}
	if _, err := turn.New(turn.Config{SampleRate: rate}, nil, f.topo, f.exec, f.sink); err == nil {
		t.Error("nil dialer should fail")
	}
}

func TestSystemPrompt(t *testing.T) {
	t.Parallel()

	got := turn.SystemPrompt("Be brief.", hub.Topology{
		"kitchen": {"light.a"},
		"garage":  {"cover.door"},
	})
	want := `Be brief. Areas and entities: {"garage":["cover.door"],"kitchen":["light.a"]}.`
	if got != want {
		t.Errorf("SystemPrompt = %q, want %q", got, want)
	}
	if !strings.HasPrefix(turn.SystemPrompt("", nil), turn.DefaultInstructions) {
		t.Error("empty instructions should use the default")
	}
}
