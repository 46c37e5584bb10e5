// Package audio defines the interfaces and types for local audio capture and
// playback used by the voice front end.
//
// The primary abstractions are:
//
//   - [Source] delivers fixed-duration mono PCM16 capture frames in order.
//   - [Sink] accepts PCM16 byte chunks of arbitrary length for playback.
//   - [Device] pairs the two and owns the underlying hardware handle.
//
// Implementations live in backend packages (audio/portaudio, audio/pipe).
// The interfaces are intentionally narrow so the wake loop and the session
// orchestrator stay decoupled from device details.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceClosed is returned by [Source.ReadFrame] and [Sink.Write] after the
// device has been closed.
var ErrDeviceClosed = errors.New("audio: device closed")

// Source is a capture stream. ReadFrame blocks until the next frame is
// available, ctx is cancelled, or the stream ends. End of capture is reported
// as io.EOF; any other error is a device failure.
//
// A Source has exactly one reader at a time. Implementations need not be safe
// for concurrent ReadFrame calls.
type Source interface {
	ReadFrame(ctx context.Context) (AudioFrame, error)

	// Format reports the format of every frame this source produces.
	Format() Format
}

// Sink is a playback stream. Write queues pcm for playback and may block until
// the device accepts it. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, pcm []byte) error
}

// Device is an opened capture/playback pair.
type Device interface {
	Source
	Sink

	// Close releases the hardware. Blocked ReadFrame and Write calls return
	// [ErrDeviceClosed]. Calling Close more than once is safe.
	Close() error
}
