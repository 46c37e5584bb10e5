// Package wakeloop is the top-level driver of the voice front end: it feeds
// capture frames to the wake detector and runs one conversational turn per
// wake event.
//
// Turns run synchronously on the loop goroutine. While a turn runs it owns the
// capture source; the loop reads again only after the turn has closed, so two
// readers never coexist and turns never overlap.
package wakeloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/observe"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/turn"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake"
)

// Default device retry parameters.
const (
	defaultMaxFailures = 10
	defaultBackoff     = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
)

const (
	chimeFreq      = 880
	chimeDuration  = 150 * time.Millisecond
	chimeAmplitude = 0.3
)

// ErrDeviceFailed is returned by [Loop.Run] when capture keeps failing after
// the configured number of consecutive attempts.
var ErrDeviceFailed = errors.New("wakeloop: capture device failed")

// Runner runs one turn to completion. [turn.Orchestrator] implements it.
type Runner interface {
	RunTurn(ctx context.Context, ev wake.Event, src audio.Source) turn.Result
}

// Config configures a [Loop].
type Config struct {
	// Chime plays a short tone on the sink before each turn.
	Chime bool

	// MaxFailures is the number of consecutive capture failures after which
	// Run gives up. Defaults to 10 if zero.
	MaxFailures int

	// Backoff is the initial wait after a capture failure. Doubles each
	// attempt up to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 10s if zero.
	MaxBackoff time.Duration
}

// Loop reads capture frames, detects the wake phrase and runs turns.
type Loop struct {
	cfg      Config
	src      audio.Source
	sink     audio.Sink
	detector wake.Detector
	runner   Runner
	metrics  *observe.Metrics
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	lastFrame atomic.Int64
	turns     atomic.Int64
	failures  int
	backoff   time.Duration
}

// Option configures a [Loop].
type Option func(*Loop)

// WithMetrics records wake events and device errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// WithSleep replaces the backoff wait. Tests use it to skip real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = fn }
}

// New creates a Loop. sink may be nil when the chime is disabled.
func New(cfg Config, src audio.Source, sink audio.Sink, detector wake.Detector, runner Runner, opts ...Option) (*Loop, error) {
	switch {
	case src == nil:
		return nil, errors.New("wakeloop: capture source is required")
	case detector == nil:
		return nil, errors.New("wakeloop: wake detector is required")
	case runner == nil:
		return nil, errors.New("wakeloop: turn runner is required")
	case cfg.Chime && sink == nil:
		return nil, errors.New("wakeloop: chime needs a playback sink")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}

	l := &Loop{
		cfg:      cfg,
		src:      src,
		sink:     sink,
		detector: detector,
		runner:   runner,
		metrics:  observe.DefaultMetrics(),
		log:      slog.Default(),
		sleep:    sleepCtx,
		backoff:  cfg.Backoff,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Run drives the loop until ctx is cancelled, capture ends, or the device
// fails persistently. Cancellation and end of capture return nil. Turn
// failures are logged and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("wake loop started", "format", fmt.Sprintf("%d Hz/%d ch", l.src.Format().SampleRate, l.src.Format().Channels))
	defer l.log.Info("wake loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := l.src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				l.log.Info("capture ended")
				return nil
			}
			if err := l.deviceFailure(ctx, err); err != nil {
				return err
			}
			continue
		}
		l.failures = 0
		l.backoff = l.cfg.Backoff
		l.lastFrame.Store(time.Now().UnixNano())

		ev, err := l.detector.Process(frame)
		if err != nil {
			var fe *wake.FormatError
			if errors.As(err, &fe) {
				return fmt.Errorf("wakeloop: %w", err)
			}
			l.log.Warn("wake detector failed", "frame", frame.Index, "err", err)
			continue
		}
		if ev == nil {
			continue
		}
		if err := l.handleWake(ctx, *ev); err != nil {
			return err
		}
	}
}

func (l *Loop) handleWake(ctx context.Context, ev wake.Event) error {
	l.metrics.RecordWake(ctx, ev.Keyword)
	l.log.Info("wake word detected", "keyword", ev.Keyword, "confidence", ev.Confidence, "frame", ev.FrameIndex)

	if l.cfg.Chime {
		f := l.src.Format()
		if err := l.sink.Write(ctx, audio.Tone(f.SampleRate, chimeFreq, chimeDuration, chimeAmplitude)); err != nil {
			l.log.Warn("chime playback failed", "err", err)
		}
	}

	res := l.runner.RunTurn(ctx, ev, l.src)
	l.turns.Add(1)
	l.detector.Reset()
	l.lastFrame.Store(time.Now().UnixNano())

	if res.Err == nil {
		l.log.Debug("turn finished", "turn_id", res.ID, "duration", res.Duration, "tool_calls", res.ToolCalls)
		return nil
	}
	l.log.Warn("turn ended with error", "turn_id", res.ID, "kind", turn.KindOf(res.Err), "err", res.Err)
	if turn.KindOf(res.Err) == turn.KindDevice && ctx.Err() == nil {
		return l.deviceFailure(ctx, res.Err)
	}
	return nil
}

// deviceFailure counts one capture failure and waits out the backoff. It
// returns a non-nil error once the failures are persistent.
func (l *Loop) deviceFailure(ctx context.Context, err error) error {
	l.failures++
	l.metrics.DeviceErrors.Add(ctx, 1)
	if l.failures >= l.cfg.MaxFailures {
		l.log.Error("capture device failed persistently", "failures", l.failures, "err", err)
		return fmt.Errorf("%w after %d attempts: %w", ErrDeviceFailed, l.failures, err)
	}
	l.log.Warn("capture read failed, retrying",
		"attempt", l.failures,
		"max_attempts", l.cfg.MaxFailures,
		"backoff", l.backoff,
		"err", err,
	)
	if err := l.sleep(ctx, l.backoff); err != nil {
		return nil
	}
	l.backoff = min(l.backoff*2, l.cfg.MaxBackoff)
	return nil
}

// LastActivity returns when the loop last read a frame or finished a turn.
// It is zero before the first frame.
func (l *Loop) LastActivity() time.Time {
	ns := l.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Turns returns the number of turns run so far.
func (l *Loop) Turns() int64 { return l.turns.Load() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
