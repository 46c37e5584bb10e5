//go:build portaudio

package main

import (
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/config"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio/portaudio"
)

func init() {
	extraProviders = append(extraProviders, func(reg *config.Registry) {
		reg.RegisterAudio("portaudio", func(c config.AudioConfig) (audio.Device, error) {
			return portaudio.Open(c.SampleRate, c.Frame())
		})
	})
}
