// Command hassvoice is a wake-word voice front end for Home Assistant. It
// listens for a wake phrase, streams the following conversation to a remote
// speech-to-speech engine, and relays the engine's tool calls to the hub.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/config"
)

// Set by the linker: -ldflags "-X main.version=v1.2.3".
var version = "dev"

// Persistent flags.
var (
	configPath       string
	addonOptionsPath string
	envFile          string
)

var rootCmd = &cobra.Command{
	Use:           "hassvoice",
	Short:         "Wake-word voice assistant for Home Assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `hassvoice listens on the local microphone for a wake phrase, then streams the
conversation to a realtime speech-to-speech engine. Commands the engine issues
through its execute_command tool are sent to Home Assistant, and the spoken
reply is played on the local speaker.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
	RunE: runServe,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "hassvoice.yaml", "path to the YAML configuration file")
	pf.StringVar(&addonOptionsPath, "addon-options", "", "read Home Assistant add-on options (e.g. /data/options.json) instead of --config")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration; missing files are ignored")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hassvoice: %v\n", err)
		os.Exit(1)
	}
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// loadConfig reads the add-on options when --addon-options is set and the
// YAML file otherwise. Environment overrides apply to both.
func loadConfig() (*config.Config, error) {
	if addonOptionsPath != "" {
		return config.LoadAddonOptions(addonOptionsPath, os.Getenv)
	}
	cfg, err := config.Load(configPath, os.Getenv)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
	}
	return cfg, err
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
