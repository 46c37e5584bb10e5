package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AudioFactory opens a capture/playback device.
type AudioFactory func(AudioConfig) (audio.Device, error)

// WakeFactory builds a wake detector for frames in the capture format.
type WakeFactory func(cfg WakeConfig, capture audio.Format) (wake.Detector, error)

// AssistantFactory builds the dialer for the speech-to-speech engine.
type AssistantFactory func(AssistantConfig) (s2s.Dialer, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	audio     map[string]AudioFactory
	wake      map[string]WakeFactory
	assistant map[string]AssistantFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:     make(map[string]AudioFactory),
		wake:      make(map[string]WakeFactory),
		assistant: make(map[string]AssistantFactory),
	}
}

// RegisterAudio registers an audio device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterWake registers a wake detector factory under name.
func (r *Registry) RegisterWake(name string, factory WakeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wake[name] = factory
}

// RegisterAssistant registers a speech-to-speech dialer factory under name.
func (r *Registry) RegisterAssistant(name string, factory AssistantFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assistant[name] = factory
}

// CreateAudio opens the device registered under cfg.Backend.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateWake builds the detector registered under cfg.Detector.
func (r *Registry) CreateWake(cfg WakeConfig, capture audio.Format) (wake.Detector, error) {
	r.mu.RLock()
	factory, ok := r.wake[cfg.Detector]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wake/%q", ErrProviderNotRegistered, cfg.Detector)
	}
	return factory(cfg, capture)
}

// CreateAssistant builds the dialer registered under cfg.Provider.
func (r *Registry) CreateAssistant(cfg AssistantConfig) (s2s.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.assistant[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: assistant/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// Names returns the registered names per kind, for diagnostics.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for n := range r.audio {
		out["audio"] = append(out["audio"], n)
	}
	for n := range r.wake {
		out["wake"] = append(out["wake"], n)
	}
	for n := range r.assistant {
		out["assistant"] = append(out["assistant"], n)
	}
	return out
}
