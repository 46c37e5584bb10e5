//go:build microwakeword

package main

import (
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/internal/config"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake/microwakeword"
)

func init() {
	extraProviders = append(extraProviders, func(reg *config.Registry) {
		reg.RegisterWake("microwakeword", func(c config.WakeConfig, capture audio.Format) (wake.Detector, error) {
			return microwakeword.New(c.Word, capture, microwakeword.Builtin(c.Word))
		})
	})
}
