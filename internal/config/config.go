// Package config provides the configuration schema, loader, and provider
// registry for hassvoice.
package config

import (
	"strings"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ParseLogLevel normalises s case-insensitively; "WARNING" is accepted for
// warn. Unknown values are returned lower-cased for [LogLevel.IsValid] to
// reject.
func ParseLogLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		return LogWarn
	}
	return l
}

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load], or from the add-on options file using
// [LoadAddonOptions].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Wake      WakeConfig      `yaml:"wake"`
	Assistant AssistantConfig `yaml:"assistant"`
	Session   SessionConfig   `yaml:"session"`
	Hub       HubConfig       `yaml:"hub"`
}

// ServerConfig configures the HTTP ops server.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics
	// (e.g. ":8099"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

// AudioConfig selects the capture/playback device.
type AudioConfig struct {
	// Backend names a registered audio factory ("portaudio", "pipe").
	Backend string `yaml:"backend"`

	// SampleRate of capture and playback. Required.
	SampleRate int `yaml:"sample_rate"`

	// FrameMS is the capture frame duration in milliseconds.
	FrameMS int `yaml:"frame_ms"`

	// Input and Output are file paths for the pipe backend. "-" or empty
	// means stdin and stdout.
	Input  string `yaml:"input"`
	Output string `yaml:"output"`

	DeviceRetryBackoff    time.Duration `yaml:"device_retry_backoff"`
	DeviceRetryMaxBackoff time.Duration `yaml:"device_retry_max_backoff"`
	MaxDeviceFailures     int           `yaml:"max_device_failures"`
}

// Frame returns the capture frame duration.
func (a AudioConfig) Frame() time.Duration {
	return time.Duration(a.FrameMS) * time.Millisecond
}

// WakeConfig configures wake-phrase detection.
type WakeConfig struct {
	// Detector names a registered wake detector factory.
	Detector string `yaml:"detector"`

	// Word is the wake phrase model (e.g. "okay_nabu"). Required.
	Word string `yaml:"word"`

	// Chime plays a short tone when the phrase is detected.
	Chime bool `yaml:"chime"`
}

// AssistantConfig configures the remote speech-to-speech engine.
type AssistantConfig struct {
	// Provider names a registered stream dialer factory.
	Provider string `yaml:"provider"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	Voice    string `yaml:"voice"`
	Language string `yaml:"language"`

	// Instructions open the system message of every turn.
	Instructions string `yaml:"instructions"`

	// Base64Audio sends upstream audio as base64 text frames.
	Base64Audio bool `yaml:"base64_audio"`
}

// SessionConfig bounds a single turn.
type SessionConfig struct {
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
	PlaybackBuffer int           `yaml:"playback_buffer"`
}

// HubConfig configures the Home Assistant connection.
type HubConfig struct {
	// URL is the REST API base including /api
	// (e.g. "http://homeassistant.local:8123/api").
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Timeout bounds a single hub request.
	Timeout time.Duration `yaml:"timeout"`

	// TopologyCacheTTL caches the area map between turns. Zero fetches it
	// for every turn.
	TopologyCacheTTL time.Duration `yaml:"topology_cache_ttl"`

	// Domains get a generic service-call handler. Empty means the defaults.
	Domains []string `yaml:"domains"`

	// AutomationsFile enables automation.create when set.
	AutomationsFile string `yaml:"automations_file"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding hub calls.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
