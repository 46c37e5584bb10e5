package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/app"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/config"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/observe"
)

// shutdownTimeout bounds the graceful teardown after a signal.
const shutdownTimeout = 15 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "hassvoice",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	printStartupSummary(os.Stderr, cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		// app.New only takes ownership on success.
		providers.Detector.Close()
		providers.Device.Close()
		return err
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		logger.Error("run ended with error", "err", runErr)
	}

	logger.Info("stopping")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(sctx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	logger.Info("goodbye", "turns", application.Turns())
	return runErr
}

// buildProviders instantiates the audio device, wake detector and
// assistant dialer named in cfg. On error any adapter already opened is
// closed again.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	device, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio device: %w", withBuildHint(err, cfg.Audio.Backend))
	}
	detector, err := reg.CreateWake(cfg.Wake, device.Format())
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("create wake detector: %w", withBuildHint(err, cfg.Wake.Detector))
	}
	dialer, err := reg.CreateAssistant(cfg.Assistant)
	if err != nil {
		detector.Close()
		device.Close()
		return nil, fmt.Errorf("create assistant: %w", err)
	}
	return &app.Providers{Device: device, Detector: detector, Dialer: dialer}, nil
}

// providerTags maps the optional providers to the build tag that compiles
// them in.
var providerTags = map[string]string{
	"portaudio":     "portaudio",
	"microwakeword": "microwakeword",
}

// withBuildHint names the missing build tag when err reports an optional
// provider that this binary was built without.
func withBuildHint(err error, name string) error {
	tag, ok := providerTags[name]
	if !ok || !errors.Is(err, config.ErrProviderNotRegistered) {
		return err
	}
	return fmt.Errorf("%w (not compiled in; rebuild with -tags %s)", err, tag)
}

// printStartupSummary writes a short human-readable summary of the loaded
// configuration to w. stdout may carry PCM for the pipe backend, so callers
// pass stderr.
func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔══════════════════════════════════╗")
	fmt.Fprintln(w, "║            hassvoice             ║")
	fmt.Fprintln(w, "╚══════════════════════════════════╝")
	fmt.Fprintf(w, "  Wake word : %s (%s)\n", cfg.Wake.Word, cfg.Wake.Detector)
	fmt.Fprintf(w, "  Audio     : %s @ %d Hz, %d ms frames\n", cfg.Audio.Backend, cfg.Audio.SampleRate, cfg.Audio.FrameMS)
	fmt.Fprintf(w, "  Assistant : %s\n", optString(cfg.Assistant.Model, cfg.Assistant.Provider))
	fmt.Fprintf(w, "  Hub       : %s\n", cfg.Hub.URL)
	fmt.Fprintf(w, "  Ops       : %s\n", optString(cfg.Server.ListenAddr, "(disabled)"))
	fmt.Fprintln(w)
}

// optString returns s if non-empty, otherwise fallback.
func optString(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
