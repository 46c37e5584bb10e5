// Package microwakeword adapts microWakeWord streaming models to the
// [wake.Detector] interface.
//
// The classifier consumes 16 kHz mono PCM16 in 10 ms chunks. Capture frames in
// any other mono sample rate are resampled before classification; multi-channel
// capture is rejected when the detector is constructed.
package microwakeword

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake"
)

// ModelSampleRate is the only rate microWakeWord models accept.
const ModelSampleRate = 16000

// chunkBytes is 10 ms of 16 kHz mono PCM16.
const chunkBytes = ModelSampleRate / 100 * 2

var _ wake.Detector = (*Detector)(nil)

// Classifier is the streaming model surface the detector drives.
type Classifier interface {
	ProcessStreaming(pcm []byte) (bool, error)
}

// Factory builds a fresh classifier. It is called once on construction and
// again on every [Detector.Reset].
type Factory func() (Classifier, error)

// Detector implements [wake.Detector].
type Detector struct {
	keyword string
	capture audio.Format
	factory Factory
	clf     Classifier
	pending []byte
	now     func() time.Time
}

// New returns a detector for keyword that accepts frames in capture format.
func New(keyword string, capture audio.Format, factory Factory) (*Detector, error) {
	if capture.Channels != 1 || capture.SampleRate <= 0 {
		return nil, &wake.FormatError{Got: capture, Want: "mono PCM16"}
	}
	clf, err := factory()
	if err != nil {
		return nil, fmt.Errorf("microwakeword: load %q: %w", keyword, err)
	}
	return &Detector{
		keyword: keyword,
		capture: capture,
		factory: factory,
		clf:     clf,
		now:     time.Now,
	}, nil
}

// Process implements [wake.Detector].
func (d *Detector) Process(frame audio.AudioFrame) (*wake.Event, error) {
	if frame.Format() != d.capture {
		return nil, &wake.FormatError{Got: frame.Format(), Want: fmt.Sprintf("%d Hz mono", d.capture.SampleRate)}
	}

	d.pending = append(d.pending, audio.ResampleMono16(frame.Data, d.capture.SampleRate, ModelSampleRate)...)

	for len(d.pending) >= chunkBytes {
		chunk := d.pending[:chunkBytes]
		hit, err := d.clf.ProcessStreaming(chunk)
		d.pending = d.pending[chunkBytes:]
		if err != nil {
			return nil, fmt.Errorf("microwakeword: classify: %w", err)
		}
		if hit {
			d.pending = d.pending[:0]
			return &wake.Event{
				FrameIndex: frame.Index,
				Keyword:    d.keyword,
				Confidence: 1,
				At:         d.now(),
			}, nil
		}
	}
	// Keep the tail from aliasing an ever-growing backing array.
	d.pending = append([]byte(nil), d.pending...)
	return nil, nil
}

// Reset implements [wake.Detector]. The streaming model keeps a sliding
// feature window, so a fresh instance is loaded.
func (d *Detector) Reset() {
	d.pending = nil
	clf, err := d.factory()
	if err != nil {
		slog.Warn("microwakeword: reload after reset failed; keeping previous model", "keyword", d.keyword, "err", err)
		return
	}
	d.clf = clf
}

// Close implements [wake.Detector].
func (d *Detector) Close() error { return nil }
