// Package app wires all hassvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the wake loop and the ops HTTP server, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHub, WithExecutor,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/config"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/health"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub/homeassistant"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/observe"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/resilience"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/turn"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/wakeloop"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second

	// loopIdle is how long the wake loop may go without reading audio
	// before /readyz reports it.
	loopIdle = 30 * time.Second
)

// Providers holds the externally constructed adapters. Populated by main.go
// via the config registry.
type Providers struct {
	Device   audio.Device
	Detector wake.Detector
	Dialer   s2s.Dialer
}

// Hub is the hub client surface the app needs.
type Hub interface {
	hub.ContextProvider
	homeassistant.ServiceCaller
	health.Pinger
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	log            *slog.Logger
	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	hub      Hub
	topology hub.ContextProvider
	executor hub.Executor
	orch     *turn.Orchestrator
	loop     *wakeloop.Loop
	health   *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHub injects a hub client instead of creating one from config.
func WithHub(h Hub) Option {
	return func(a *App) { a.hub = h }
}

// WithExecutor injects a command executor instead of the handler registry.
func WithExecutor(e hub.Executor) Option {
	return func(a *App) { a.executor = e }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to promhttp.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go; ownership of the device and detector passes to the App.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Device == nil || providers.Detector == nil || providers.Dialer == nil {
		return nil, errors.New("app: device, detector and dialer are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	a.closers = append(a.closers, providers.Detector.Close, providers.Device.Close)

	// ── 1. Hub client ────────────────────────────────────────────────────
	if err := a.initHub(); err != nil {
		return nil, fmt.Errorf("app: init hub: %w", err)
	}
	if err := a.hub.Ping(ctx); err != nil {
		a.log.Warn("hub not reachable at startup", "err", err)
	}

	// ── 2. Command registry ──────────────────────────────────────────────
	if err := a.initExecutor(); err != nil {
		return nil, fmt.Errorf("app: init executor: %w", err)
	}

	// ── 3. Turn orchestrator + wake loop ─────────────────────────────────
	if err := a.initLoop(); err != nil {
		return nil, fmt.Errorf("app: init wake loop: %w", err)
	}

	// ── 4. Health checks ─────────────────────────────────────────────────
	a.health = health.New(
		health.HubChecker(a.hub),
		health.LoopChecker(a.loop, a.orch.Active, loopIdle),
	)

	a.log.Info("app initialised",
		"hub", cfg.Hub.URL,
		"wake_word", cfg.Wake.Word,
		"sample_rate", cfg.Audio.SampleRate,
		"topology_cache_ttl", cfg.Hub.TopologyCacheTTL,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initHub() error {
	if a.hub == nil {
		c, err := homeassistant.New(a.cfg.Hub.URL, a.cfg.Hub.Token,
			homeassistant.WithHTTPClient(&http.Client{Timeout: a.cfg.Hub.Timeout}),
			homeassistant.WithBreaker(resilience.CircuitBreakerConfig{
				MaxFailures:  a.cfg.Hub.Breaker.MaxFailures,
				ResetTimeout: a.cfg.Hub.Breaker.ResetTimeout,
				OnStateChange: func(from, to resilience.State) {
					a.log.Warn("hub circuit breaker changed state", "from", from, "to", to)
				},
			}),
			homeassistant.WithMetrics(a.metrics),
		)
		if err != nil {
			return err
		}
		a.hub = c
	}
	a.topology = hub.NewCachedContextProvider(a.hub, a.cfg.Hub.TopologyCacheTTL)
	return nil
}

func (a *App) initExecutor() error {
	if a.executor != nil {
		return nil
	}
	reg := hub.NewRegistry()
	err := homeassistant.Register(reg, a.hub, a.topology, homeassistant.HandlerConfig{
		Domains:         a.cfg.Hub.Domains,
		AutomationsFile: a.cfg.Hub.AutomationsFile,
	})
	if err != nil {
		return err
	}
	a.log.Debug("registered hub handlers", "patterns", reg.Patterns())
	a.executor = reg
	return nil
}

func (a *App) initLoop() error {
	dev := a.providers.Device
	orch, err := turn.New(turn.Config{
		SampleRate:     a.cfg.Audio.SampleRate,
		Voice:          a.cfg.Assistant.Voice,
		Language:       a.cfg.Assistant.Language,
		Instructions:   a.cfg.Assistant.Instructions,
		DrainTimeout:   a.cfg.Session.DrainTimeout,
		MaxDuration:    a.cfg.Session.MaxDuration,
		SilenceTimeout: a.cfg.Session.SilenceTimeout,
		PlaybackBuffer: a.cfg.Session.PlaybackBuffer,
	}, a.providers.Dialer, a.topology, a.executor, dev, turn.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.orch = orch

	loop, err := wakeloop.New(wakeloop.Config{
		Chime:       a.cfg.Wake.Chime,
		MaxFailures: a.cfg.Audio.MaxDeviceFailures,
		Backoff:     a.cfg.Audio.DeviceRetryBackoff,
		MaxBackoff:  a.cfg.Audio.DeviceRetryMaxBackoff,
	}, dev, dev, a.providers.Detector, orch,
		wakeloop.WithMetrics(a.metrics),
		wakeloop.WithLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.loop = loop
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the ops HTTP handler: /healthz, /readyz and /metrics,
// wrapped in the request metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	return observe.Middleware(a.metrics)(mux)
}

// Run starts the ops server (when server.listen_addr is set) and the wake
// loop, and blocks until ctx is cancelled or the loop ends. It returns the
// loop's error, or the server's if it failed to listen.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			a.log.Info("ops server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shCancel()
			return srv.Shutdown(shCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.loop.Run(gctx)
	})

	a.log.Info("app running", "wake_word", a.cfg.Wake.Word)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// Turns returns the number of turns run so far.
func (a *App) Turns() int64 { return a.loop.Turns() }
