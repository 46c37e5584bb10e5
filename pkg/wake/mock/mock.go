// Package mock provides a scripted [wake.Detector] for tests.
package mock

import (
	"sync"
	"time"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/wake"
)

var _ wake.Detector = (*Detector)(nil)

// Detector fires on frames whose Index is in WakeAt.
type Detector struct {
	mu sync.Mutex

	// Keyword is reported in emitted events.
	Keyword string

	// WakeAt lists frame indices that trigger an event.
	WakeAt map[uint64]bool

	// ProcessErr is returned by every Process call when non-nil.
	ProcessErr error

	processed  []uint64
	resetCalls int
	closeCalls int
}

// Process implements [wake.Detector].
func (d *Detector) Process(frame audio.AudioFrame) (*wake.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processed = append(d.processed, frame.Index)
	if d.ProcessErr != nil {
		return nil, d.ProcessErr
	}
	if !d.WakeAt[frame.Index] {
		return nil, nil
	}
	return &wake.Event{FrameIndex: frame.Index, Keyword: d.Keyword, Confidence: 1, At: time.Now()}, nil
}

// Reset implements [wake.Detector].
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCalls++
}

// Close implements [wake.Detector].
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

// Processed returns the indices of every processed frame, in order.
func (d *Detector) Processed() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.processed...)
}

// ResetCalls returns the number of Reset calls.
func (d *Detector) ResetCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetCalls
}

// CloseCalls returns the number of Close calls.
func (d *Detector) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}
