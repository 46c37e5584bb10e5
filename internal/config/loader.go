package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub/homeassistant"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultAudioBackend          = "portaudio"
	DefaultFrameMS               = 100
	DefaultDeviceRetryBackoff    = 500 * time.Millisecond
	DefaultDeviceRetryMaxBackoff = 10 * time.Second
	DefaultMaxDeviceFailures     = 10
	DefaultWakeDetector          = "microwakeword"
	DefaultAssistantProvider     = "openai"
	DefaultDrainTimeout          = 5 * time.Second
	DefaultMaxDuration           = 5 * time.Minute
	DefaultPlaybackBuffer        = 256
	DefaultHubTimeout            = 10 * time.Second

	// AddonSampleRate is used in add-on mode when the options omit it.
	AddonSampleRate = 24000
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"audio":     {"portaudio", "pipe"},
	"wake":      {"microwakeword"},
	"assistant": {"openai"},
}

// Getenv looks up an environment variable. [os.Getenv] satisfies it.
type Getenv func(key string) string

// Load reads the YAML configuration file at path, applies environment
// overrides from getenv (nil skips them) and defaults, and validates the
// result.
func Load(path string, getenv Getenv) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader is [Load] for an already opened document. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader, getenv Getenv) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, getenv)
}

// Decode strictly decodes a YAML document into a Config without applying
// overrides, defaults, or validation. Unknown keys are an error.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, getenv Getenv) (*Config, error) {
	if getenv != nil {
		if err := ApplyEnv(cfg, getenv); err != nil {
			return nil, err
		}
	}
	cfg.LogLevel = ParseLogLevel(string(cfg.LogLevel))
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment used by container and add-on
// deployments. SUPERVISOR_TOKEN only fills an empty hub token.
func ApplyEnv(cfg *Config, getenv Getenv) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Assistant.APIKey, "OPENAI_API_KEY")
	set(&cfg.Assistant.Model, "MODEL")
	set(&cfg.Assistant.Voice, "ASSISTANT_VOICE")
	set(&cfg.Hub.URL, "HASS_URL")
	set(&cfg.Hub.Token, "HASS_TOKEN")
	set(&cfg.Wake.Word, "WAKE_WORD")
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if cfg.Hub.Token == "" {
		set(&cfg.Hub.Token, "SUPERVISOR_TOKEN")
	}
	if v := getenv("SAMPLE_RATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SAMPLE_RATE %q is not an integer", v)
		}
		cfg.Audio.SampleRate = n
	}
	return nil
}

// ApplyDefaults fills zero-valued optional fields. audio.sample_rate and
// wake.word have no default.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultAudioBackend
	}
	if cfg.Audio.FrameMS == 0 {
		cfg.Audio.FrameMS = DefaultFrameMS
	}
	if cfg.Audio.DeviceRetryBackoff == 0 {
		cfg.Audio.DeviceRetryBackoff = DefaultDeviceRetryBackoff
	}
	if cfg.Audio.DeviceRetryMaxBackoff == 0 {
		cfg.Audio.DeviceRetryMaxBackoff = DefaultDeviceRetryMaxBackoff
	}
	if cfg.Audio.MaxDeviceFailures == 0 {
		cfg.Audio.MaxDeviceFailures = DefaultMaxDeviceFailures
	}
	if cfg.Wake.Detector == "" {
		cfg.Wake.Detector = DefaultWakeDetector
	}
	if cfg.Assistant.Provider == "" {
		cfg.Assistant.Provider = DefaultAssistantProvider
	}
	if cfg.Session.DrainTimeout == 0 {
		cfg.Session.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Session.MaxDuration == 0 {
		cfg.Session.MaxDuration = DefaultMaxDuration
	}
	if cfg.Session.PlaybackBuffer == 0 {
		cfg.Session.PlaybackBuffer = DefaultPlaybackBuffer
	}
	if cfg.Hub.Timeout == 0 {
		cfg.Hub.Timeout = DefaultHubTimeout
	}
}

// addonOptions is the /data/options.json document written by the Home
// Assistant supervisor.
type addonOptions struct {
	OpenAIAPIKey string `json:"openai_api_key"`
	WakeWord     string `json:"wake_word"`
	Model        string `json:"model"`
	SampleRate   int    `json:"sample_rate"`
	Language     string `json:"language"`
	LogLevel     string `json:"log_level"`
	Voice        string `json:"voice"`
}

// LoadAddonOptions builds a Config from the add-on options file at path. The
// hub is reached through the supervisor proxy; its token normally arrives in
// SUPERVISOR_TOKEN via getenv.
func LoadAddonOptions(path string, getenv Getenv) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	var opts addonOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	cfg := &Config{
		LogLevel: ParseLogLevel(opts.LogLevel),
		Audio:    AudioConfig{SampleRate: opts.SampleRate},
		Wake:     WakeConfig{Word: opts.WakeWord},
		Assistant: AssistantConfig{
			APIKey:   opts.OpenAIAPIKey,
			Model:    opts.Model,
			Voice:    opts.Voice,
			Language: opts.Language,
		},
		Hub: HubConfig{URL: homeassistant.AddonURL},
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = AddonSampleRate
	}
	cfg, err = finish(cfg, getenv)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, errors.New("audio.sample_rate is required"))
	}
	if cfg.Audio.FrameMS < 10 || cfg.Audio.FrameMS > 500 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 500]", cfg.Audio.FrameMS))
	}
	if cfg.Audio.MaxDeviceFailures < 0 {
		errs = append(errs, errors.New("audio.max_device_failures must not be negative"))
	}
	if cfg.Audio.DeviceRetryMaxBackoff < cfg.Audio.DeviceRetryBackoff {
		errs = append(errs, fmt.Errorf("audio.device_retry_max_backoff %v is below device_retry_backoff %v",
			cfg.Audio.DeviceRetryMaxBackoff, cfg.Audio.DeviceRetryBackoff))
	}

	// Wake
	if cfg.Wake.Word == "" {
		errs = append(errs, errors.New("wake.word is required"))
	}

	// Assistant
	if cfg.Assistant.APIKey == "" {
		errs = append(errs, errors.New("assistant.api_key is required (or set OPENAI_API_KEY)"))
	}
	if cfg.Assistant.BaseURL != "" {
		if u, err := url.Parse(cfg.Assistant.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("assistant.base_url %q must be a ws:// or wss:// URL", cfg.Assistant.BaseURL))
		}
	}

	// Session
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"session.drain_timeout", cfg.Session.DrainTimeout},
		{"session.max_duration", cfg.Session.MaxDuration},
		{"session.silence_timeout", cfg.Session.SilenceTimeout},
		{"hub.timeout", cfg.Hub.Timeout},
		{"hub.topology_cache_ttl", cfg.Hub.TopologyCacheTTL},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if cfg.Session.PlaybackBuffer < 0 {
		errs = append(errs, errors.New("session.playback_buffer must not be negative"))
	}

	// Hub
	if cfg.Hub.URL == "" {
		errs = append(errs, errors.New("hub.url is required (or set HASS_URL)"))
	} else if u, err := url.Parse(cfg.Hub.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("hub.url %q must be an http(s) URL", cfg.Hub.URL))
	}
	if cfg.Hub.Token == "" {
		errs = append(errs, errors.New("hub.token is required (or set HASS_TOKEN / SUPERVISOR_TOKEN)"))
	}

	validateProviderName("audio", cfg.Audio.Backend)
	validateProviderName("wake", cfg.Wake.Detector)
	validateProviderName("assistant", cfg.Assistant.Provider)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
