package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/config"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/hub/homeassistant"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "hassvoice.yaml", sampleYAML)
	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wake.Word != "okay_nabu" {
		t.Errorf("Wake.Word = %q", cfg.Wake.Word)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	if err == nil || !strings.Contains(err.Error(), "nope.yaml") {
		t.Errorf("Load = %v, want error naming the file", err)
	}
}

func TestLoadAddonOptions(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "options.json", `{
		"openai_api_key": "sk-addon",
		"wake_word": "okay_nabu",
		"model": "gpt-4o-realtime-preview",
		"language": "en",
		"log_level": "debug",
		"voice": "alloy"
	}`)
	cfg, err := config.LoadAddonOptions(path, env(map[string]string{"SUPERVISOR_TOKEN": "sup-token"}))
	if err != nil {
		t.Fatalf("LoadAddonOptions: %v", err)
	}
	if cfg.Hub.URL != homeassistant.AddonURL || cfg.Hub.Token != "sup-token" {
		t.Errorf("Hub = %+v", cfg.Hub)
	}
	if cfg.Audio.SampleRate != config.AddonSampleRate {
		t.Errorf("SampleRate = %d, want %d", cfg.Audio.SampleRate, config.AddonSampleRate)
	}
	if cfg.Assistant.APIKey != "sk-addon" || cfg.Assistant.Voice != "alloy" || cfg.Assistant.Language != "en" {
		t.Errorf("Assistant = %+v", cfg.Assistant)
	}
	if cfg.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadAddonOptions_SampleRateKept(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "options.json", `{"openai_api_key":"k","wake_word":"alexa","sample_rate":16000}`)
	cfg, err := config.LoadAddonOptions(path, env(map[string]string{"SUPERVISOR_TOKEN": "t"}))
	if err != nil {
		t.Fatalf("LoadAddonOptions: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("SampleRate = %d", cfg.Audio.SampleRate)
	}
}

func TestLoadAddonOptions_UpperCaseLogLevel(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "options.json", `{"openai_api_key":"k","wake_word":"okay_nabu","log_level":"INFO"}`)
	cfg, err := config.LoadAddonOptions(path, env(map[string]string{"SUPERVISOR_TOKEN": "t"}))
	if err != nil {
		t.Fatalf("LoadAddonOptions: %v", err)
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, config.LogInfo)
	}
}

func TestLoadAddonOptions_MissingRequired(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "options.json", `{"model":"m"}`)
	_, err := config.LoadAddonOptions(path, noEnv)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"wake.word", "assistant.api_key", "hub.token"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestLoadAddonOptions_Malformed(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "options.json", `{"wake_word":`)
	if _, err := config.LoadAddonOptions(path, noEnv); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"audio", "wake", "assistant"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}
