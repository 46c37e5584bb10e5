package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/config"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub/homeassistant"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective values",
	Long: `Load the configuration with environment overrides and defaults applied,
validate it, and print the result as YAML. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return writeYAML(cmd, redact(*cfg))
	},
}

var topologyTimeout time.Duration

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Print the hub's area to entity map",
	Long: `Fetch all entity states from Home Assistant and print the entities grouped
by area, as the assistant sees them at the start of a conversation.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := homeassistant.New(cfg.Hub.URL, cfg.Hub.Token,
			homeassistant.WithHTTPClient(&http.Client{Timeout: cfg.Hub.Timeout}))
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if topologyTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, topologyTimeout)
			defer cancel()
		}
		topo, err := c.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("fetch topology: %w", err)
		}
		return writeYAML(cmd, topo)
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the provider backends compiled into this binary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := config.NewRegistry()
		registerBuiltinProviders(reg)
		names := reg.Names()
		for _, kind := range []string{"audio", "wake", "assistant"} {
			list := names[kind]
			slices.Sort(list)
			if len(list) == 0 {
				list = []string{"(none)"}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %v\n", kind+":", list)
		}
		return nil
	},
}

func init() {
	topologyCmd.Flags().DurationVar(&topologyTimeout, "timeout", 30*time.Second, "overall deadline for the fetch")
	rootCmd.AddCommand(checkConfigCmd, topologyCmd, providersCmd)
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// redact masks credentials in a copy of cfg.
func redact(cfg config.Config) config.Config {
	cfg.Assistant.APIKey = mask(cfg.Assistant.APIKey)
	cfg.Hub.Token = mask(cfg.Hub.Token)
	return cfg
}

func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "…" + s[len(s)-2:]
}
