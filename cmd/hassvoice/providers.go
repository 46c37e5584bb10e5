package main

import (
	"fmt"
	"io"
	"os"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/config"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio/pipe"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/provider/s2s/openai"
)

// readLimit caps a single message from the assistant; audio deltas for a
// long reply can be large.
const readLimit = 16 << 20

// extraProviders is appended to by files behind build tags (portaudio,
// microwakeword) that need cgo or extra modules.
var extraProviders []func(*config.Registry)

// registerBuiltinProviders wires all known provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio("pipe", func(c config.AudioConfig) (audio.Device, error) {
		in, err := openInput(c.Input)
		if err != nil {
			return nil, err
		}
		out, err := openOutput(c.Output)
		if err != nil {
			in.Close()
			return nil, err
		}
		dev, err := pipe.New(in, out, c.SampleRate, c.Frame())
		if err != nil {
			in.Close()
			out.Close()
			return nil, err
		}
		return dev, nil
	})

	// ── Assistant ─────────────────────────────────────────────────────────────
	reg.RegisterAssistant("openai", func(c config.AssistantConfig) (s2s.Dialer, error) {
		opts := []openai.Option{
			openai.WithBase64Audio(c.Base64Audio),
			openai.WithReadLimit(readLimit),
		}
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.New(c.APIKey, opts...), nil
	})

	for _, register := range extraProviders {
		register(reg)
	}
}

// stdin and stdout stay open when the pipe device closes.
type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return nopReadCloser{os.Stdin}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio input: %w", err)
	}
	return f, nil
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	return f, nil
}
