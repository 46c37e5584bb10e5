// Package wake defines the Detector interface for wake-phrase classifiers.
//
// A Detector consumes capture frames one at a time and reports an [Event] when
// the configured phrase is recognised. The classifier itself is opaque; this
// package only fixes the per-frame contract so the wake loop can be tested with
// a scripted detector.
package wake

import (
	"fmt"
	"time"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
)

// Event is the signal that the wake phrase was recognised at a specific frame.
// Each Event triggers exactly one conversational turn.
type Event struct {
	// FrameIndex is the [audio.AudioFrame.Index] of the frame that completed
	// the phrase.
	FrameIndex uint64

	// Keyword is the phrase that was detected.
	Keyword string

	// Confidence in [0, 1]. Classifiers that only produce a boolean report 1.
	Confidence float64

	// At is the wall-clock detection time.
	At time.Time
}

// Detector classifies capture frames.
//
// Implementations are driven from a single goroutine and need not be safe for
// concurrent use.
type Detector interface {
	// Process feeds one frame. It returns a non-nil Event when the frame
	// completes the wake phrase and nil otherwise. An error means the frame
	// could not be classified; the caller may continue with the next frame.
	Process(frame audio.AudioFrame) (*Event, error)

	// Reset clears any buffered classifier state. The wake loop calls Reset
	// after every turn so audio captured before the turn cannot retrigger.
	Reset()

	// Close releases classifier resources.
	Close() error
}

// FormatError reports a capture format the classifier cannot consume.
type FormatError struct {
	Got  audio.Format
	Want string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("wake: unsupported capture format %d Hz/%d ch; classifier needs %s",
		e.Got.SampleRate, e.Got.Channels, e.Want)
}
