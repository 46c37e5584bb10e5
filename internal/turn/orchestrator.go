// Package turn runs one conversational turn: from a wake event through the
// hub context fetch, the duplex stream with the speech engine, tool dispatch
// and playback, to a closed session.
//
// A turn moves through Idle → ContextLoading → Streaming → Draining → Closed.
// A failed context fetch or dial goes straight from ContextLoading to Closed.
// Every turn-scoped failure ends at [Orchestrator.RunTurn]: it is logged, the
// turn is closed, and the error is returned in [Result.Err]. Nothing is
// retried here.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/observe"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake"
)

const (
	defaultDrainTimeout   = 5 * time.Second
	defaultMaxDuration    = 5 * time.Minute
	defaultPlaybackBuffer = 256
)

// Config holds the per-turn settings.
type Config struct {
	// SampleRate of capture and playback audio, declared in the start message.
	SampleRate int

	Voice    string
	Language string

	// Instructions open the system message. Empty means
	// [DefaultInstructions].
	Instructions string

	// DrainTimeout bounds how long in-flight tool calls are awaited after
	// streaming ends. Default: 5s.
	DrainTimeout time.Duration

	// MaxDuration bounds capture for one turn. On expiry the turn stops as if
	// capture had ended. Default: 5m.
	MaxDuration time.Duration

	// SilenceTimeout, when positive, ends capture once speech has been heard
	// and followed by this much silence.
	SilenceTimeout time.Duration

	// PlaybackBuffer is the number of downstream chunks queued for the
	// speaker before chunks are dropped. Default: 256.
	PlaybackBuffer int
}

func (c *Config) applyDefaults() {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaultMaxDuration
	}
	if c.PlaybackBuffer <= 0 {
		c.PlaybackBuffer = defaultPlaybackBuffer
	}
}

// Result summarises a finished turn.
type Result struct {
	ID string

	// Final is the state the turn ended in. It is [StateClosed] for every
	// turn that started.
	Final State

	// Err is nil or an [*Error].
	Err error

	FramesSent      int
	FramesDiscarded int
	ToolCalls       int
	ProtocolErrors  int
	PlaybackDropped int

	Duration time.Duration
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithMetrics records turn metrics on m. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithListener registers l on the state machine of every turn.
func WithListener(l Listener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, l) }
}

// Orchestrator runs turns one at a time.
type Orchestrator struct {
	cfg       Config
	dialer    s2s.Dialer
	topology  hub.ContextProvider
	tools     *toolRunner
	sink      audio.Sink
	metrics   *observe.Metrics
	listeners []Listener

	active atomic.Bool
}

// New creates an orchestrator.
func New(cfg Config, dialer s2s.Dialer, topology hub.ContextProvider, exec hub.Executor, sink audio.Sink, opts ...Option) (*Orchestrator, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("turn: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if dialer == nil || topology == nil || exec == nil || sink == nil {
		return nil, errors.New("turn: dialer, context provider, executor and sink are required")
	}
	cfg.applyDefaults()
	tools, err := newToolRunner(exec)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		dialer:   dialer,
		topology: topology,
		tools:    tools,
		sink:     sink,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Active reports whether a turn is open.
func (o *Orchestrator) Active() bool { return o.active.Load() }

// RunTurn runs one turn triggered by ev, reading capture frames from src until
// the turn ends. It returns once the turn is Closed, with playback finished
// and every activity joined. src is only read during the call.
func (o *Orchestrator) RunTurn(ctx context.Context, ev wake.Event, src audio.Source) Result {
	if !o.active.CompareAndSwap(false, true) {
		return Result{Final: StateIdle, Err: &Error{Kind: KindBusy, Op: "start", Err: ErrBusy}}
	}
	defer o.active.Store(false)

	id := uuid.NewString()
	ctx, span := observe.StartTurn(ctx, id)
	defer span.End()
	span.SetAttributes(attribute.String("wake.keyword", ev.Keyword))

	log := observe.Logger(ctx)
	sm := NewStateMachine(id, append([]Listener{logListener(log)}, o.listeners...)...)
	t := &session{o: o, sm: sm, log: log}

	o.metrics.ActiveSessions.Add(ctx, 1)
	start := time.Now()
	err := t.run(ctx, ev, src)

	res := Result{
		ID:              id,
		Final:           sm.State(),
		Err:             err,
		FramesSent:      int(t.framesSent.Load()),
		FramesDiscarded: int(t.framesDiscarded.Load()),
		ToolCalls:       int(t.toolCalls.Load()),
		ProtocolErrors:  int(t.protocolErrors.Load()),
		PlaybackDropped: int(t.playbackDropped),
		Duration:        time.Since(start),
	}
	o.metrics.ActiveSessions.Add(ctx, -1)
	o.metrics.RecordTurn(ctx, outcome(err), res.Duration)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("turn failed", "err", err, "duration", res.Duration)
	} else {
		log.Info("turn finished",
			"duration", res.Duration,
			"frames_sent", res.FramesSent,
			"tool_calls", res.ToolCalls)
	}
	return res
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

func logListener(log *slog.Logger) Listener {
	return ListenerFunc(func(c StateChange) {
		log.Debug("turn state changed", "from", c.From.String(), "state", c.To.String(), "reason", c.Reason)
	})
}

// session holds the state of one running turn.
type session struct {
	o   *Orchestrator
	sm  *StateMachine
	log *slog.Logger

	conn s2s.Conn
	pump *playbackPump

	// inflight tracks tool dispatches; lateResults is set once the drain
	// window has passed so results finishing afterwards are discarded.
	inflight    sync.WaitGroup
	lateResults atomic.Bool

	framesSent      atomic.Int64
	framesDiscarded atomic.Int64
	toolCalls       atomic.Int64
	protocolErrors  atomic.Int64
	playbackDropped int64
}

// transition applies a state change that the turn logic guarantees to be
// legal. A rejected change indicates a bug and is logged.
func (t *session) transition(to State, reason string) {
	if err := t.sm.Transition(to, reason); err != nil {
		t.log.Error("turn state machine rejected transition", "err", err)
	}
}

func (t *session) run(ctx context.Context, ev wake.Event, src audio.Source) error {
	t.transition(StateContextLoading, "wake word "+ev.Keyword)

	fetchCtx, fetchSpan := observe.StartSpan(ctx, "turn.context")
	topo, err := t.o.topology.Fetch(fetchCtx)
	fetchSpan.End()
	if err != nil {
		t.transition(StateClosed, "context fetch failed")
		return &Error{Kind: KindContextFetch, Op: "fetch context", Err: err}
	}

	cfg := t.o.cfg
	startMsg := s2s.NewStart(cfg.SampleRate, cfg.Voice, cfg.Language, SystemPrompt(cfg.Instructions, topo))
	conn, err := t.o.dialer.Dial(ctx, startMsg)
	if err != nil {
		t.transition(StateClosed, "dial failed")
		return &Error{Kind: KindTransport, Op: "dial", Err: err}
	}
	t.conn = conn
	t.transition(StateStreaming, "connected")

	return t.stream(ctx, src)
}

// stream runs the send and receive activities, then drains and closes.
func (t *session) stream(ctx context.Context, src audio.Source) error {
	cfg := t.o.cfg
	t.pump = startPlayback(ctx, t.o.sink, cfg.PlaybackBuffer, t.log, func() {
		t.o.metrics.PlaybackDropped.Add(ctx, 1)
	})

	// Tool dispatches outlive the stream activities until the drain window
	// closes, but still end with the caller's context.
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()

	// The stream as a whole may run for MaxDuration plus one drain window so
	// that the engine can finish its reply after a forced stop.
	streamCtx, cancelStream := context.WithTimeout(ctx, cfg.MaxDuration+cfg.DrainTimeout)
	defer cancelStream()

	g, gctx := errgroup.WithContext(streamCtx)
	recvDone := make(chan struct{})
	g.Go(func() error {
		return t.send(gctx, src, recvDone)
	})
	g.Go(func() error {
		defer close(recvDone)
		return t.receive(gctx, dispatchCtx)
	})
	err := g.Wait()

	reason := "end of stream"
	if err != nil {
		reason = "stream error"
	} else if streamCtx.Err() != nil && ctx.Err() == nil {
		reason = "turn expired"
	}
	t.transition(StateDraining, reason)
	t.drain(cfg.DrainTimeout)
	cancelDispatch()

	_ = t.conn.Close()
	t.pump.Close()
	t.playbackDropped = t.pump.Dropped()
	t.transition(StateClosed, reason)
	return err
}

// send forwards capture frames in order. It stops on end of capture, when
// the receive activity has finished, when MaxDuration passes, or when the
// silence gate reports end of utterance; then it sends a single stop.
func (t *session) send(ctx context.Context, src audio.Source, recvDone <-chan struct{}) error {
	cfg := t.o.cfg
	readCtx, cancelRead := context.WithTimeout(ctx, cfg.MaxDuration)
	defer cancelRead()
	go func() {
		select {
		case <-recvDone:
			cancelRead()
		case <-readCtx.Done():
		}
	}()

	var gate *audio.SilenceGate
	if cfg.SilenceTimeout > 0 {
		gate = audio.NewSilenceGate(cfg.SilenceTimeout)
	}

	upstreamOK := true
	for {
		f, err := src.ReadFrame(readCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.log.Debug("capture ended")
				break
			}
			if readCtx.Err() != nil {
				if ctx.Err() != nil {
					// Sibling failed or the turn was cancelled.
					return nil
				}
				break
			}
			return &Error{Kind: KindDevice, Op: "read frame", Err: err}
		}

		if !upstreamOK {
			t.discard(ctx, f)
			continue
		}
		if err := t.conn.WriteAudio(ctx, f.Data); err != nil {
			t.discard(ctx, f)
			if errors.Is(err, s2s.ErrStreamClosed) {
				// The engine closed the stream; the receive activity ends the
				// turn. Capture keeps flowing until then and is discarded.
				upstreamOK = false
				t.log.Info("engine closed the stream, discarding capture", "frame", f.Index)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return &Error{Kind: KindTransport, Op: "send audio", Err: err}
		}
		t.framesSent.Add(1)
		t.o.metrics.FramesSent.Add(ctx, 1)

		if gate != nil && gate.Observe(f) {
			t.log.Debug("end of utterance detected")
			break
		}
	}

	if !upstreamOK {
		return nil
	}
	if err := t.conn.WriteJSON(ctx, s2s.NewStop()); err != nil && !errors.Is(err, s2s.ErrStreamClosed) {
		if ctx.Err() != nil {
			return nil
		}
		return &Error{Kind: KindTransport, Op: "send stop", Err: err}
	}
	return nil
}

func (t *session) discard(ctx context.Context, f audio.AudioFrame) {
	n := t.framesDiscarded.Add(1)
	t.o.metrics.FramesDiscarded.Add(ctx, 1)
	t.log.Debug("capture frame discarded", "frame", f.Index, "discarded", n)
}

// receive routes inbound messages until the engine closes the stream.
func (t *session) receive(ctx, dispatchCtx context.Context) error {
	for {
		msg, err := t.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, s2s.ErrStreamClosed) {
				t.log.Debug("engine closed the stream")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return &Error{Kind: KindTransport, Op: "read", Err: err}
		}

		switch msg.Kind {
		case s2s.MessageAudio:
			if !t.pump.Enqueue(msg.Audio) {
				t.log.Debug("playback queue full, chunk dropped", "bytes", len(msg.Audio))
			}
		case s2s.MessageControl:
			t.control(ctx, dispatchCtx, msg.Control)
		}
	}
}

// control handles one JSON control message. Decode failures are logged and
// counted; the stream continues.
func (t *session) control(ctx, dispatchCtx context.Context, raw []byte) {
	c, err := s2s.DecodeControl(raw)
	if err != nil {
		t.protocolErrors.Add(1)
		t.o.metrics.ProtocolErrors.Add(ctx, 1)
		t.log.Warn("skipping malformed message",
			"err", &Error{Kind: KindProtocol, Op: "decode", Err: err})
		return
	}
	if c.Type != s2s.TypeToolCall || c.ToolCall == nil {
		t.log.Debug("ignoring control message", "type", c.Type)
		return
	}

	call := *c.ToolCall
	t.toolCalls.Add(1)
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		t.dispatch(dispatchCtx, call)
	}()
}

// dispatch executes one tool call and sends its result upstream.
func (t *session) dispatch(ctx context.Context, call s2s.ToolCall) {
	ctx, span := observe.StartSpan(ctx, "turn.tool_call")
	defer span.End()
	span.SetAttributes(attribute.String("call_id", call.ID))

	start := time.Now()
	command, output, isError := t.o.tools.run(ctx, call)
	status := "ok"
	if isError {
		status = "error"
		span.SetStatus(codes.Error, output)
	}
	t.o.metrics.RecordToolCall(ctx, command, status, time.Since(start))
	log := t.log.With("call_id", call.ID, "command", command)

	if t.lateResults.Load() {
		log.Warn("discarding tool result after drain timeout")
		return
	}
	if isError {
		log.Warn("tool call failed", "err", output)
	} else {
		log.Info("tool call done")
	}
	if err := t.conn.WriteJSON(ctx, s2s.NewToolResult(call, output, isError)); err != nil {
		log.Warn("tool result not delivered", "err", err)
	}
}

// drain waits for in-flight dispatches for up to timeout.
func (t *session) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.lateResults.Store(true)
		t.log.Warn("drain timeout, abandoning in-flight tool calls", "timeout", timeout)
	}
}
