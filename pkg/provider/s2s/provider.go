// Package s2s defines the duplex stream abstraction for speech-to-speech (S2S)
// conversational engines.
//
// An S2S engine accepts raw microphone audio and returns synthesised audio on
// the same connection, interleaved with structured control messages such as
// tool calls. One [Conn] carries exactly one conversational turn: it is opened
// with a [Start] message, fed audio until a stop message, and read until the
// engine closes the stream.
//
// The wire contract is:
//
//   - out: one JSON start message, then binary (or base64 text) audio frames,
//     tool results, and a final {"type":"stop"}.
//   - in: binary audio, or JSON control messages; {"type":"tool_call"} is the
//     only control type the caller must act on.
//   - normal closure ends the stream and is reported as [ErrStreamClosed].
package s2s

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by [Conn.Read] once the engine has closed the
// stream normally. It marks end of turn, not a failure.
var ErrStreamClosed = errors.New("s2s: stream closed")

// MessageKind classifies an inbound message.
type MessageKind int

const (
	// MessageAudio carries synthesised PCM16 audio in Audio.
	MessageAudio MessageKind = iota

	// MessageControl carries a JSON control message in Control.
	MessageControl
)

// Message is one inbound frame from the engine.
type Message struct {
	Kind MessageKind

	// Audio is set for [MessageAudio].
	Audio []byte

	// Control is the raw JSON payload for [MessageControl]. Decode it with
	// [DecodeControl].
	Control []byte
}

// Conn is an open duplex stream for a single turn.
//
// WriteAudio and WriteJSON are safe for concurrent use: the send activity
// writes audio while tool dispatchers write results. Read must only be called
// from one goroutine.
type Conn interface {
	// WriteAudio sends one PCM16 capture frame upstream.
	WriteAudio(ctx context.Context, pcm []byte) error

	// WriteJSON marshals v and sends it as a text control message.
	WriteJSON(ctx context.Context, v any) error

	// Read blocks for the next inbound message. It returns [ErrStreamClosed]
	// on normal closure and ctx.Err() when ctx is cancelled.
	Read(ctx context.Context) (Message, error)

	// Close releases the connection. Calling Close more than once is safe.
	Close() error
}

// Dialer opens duplex streams to an S2S engine.
//
// Implementations must be safe for concurrent use.
type Dialer interface {
	// Dial connects and sends start as the opening message. The returned Conn
	// is ready for audio. Any failure to connect or to deliver the start
	// message is returned and no Conn is handed out.
	Dial(ctx context.Context, start Start) (Conn, error)
}
