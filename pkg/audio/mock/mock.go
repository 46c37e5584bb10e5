// Package mock provides in-memory implementations of [audio.Source],
// [audio.Sink], and [audio.Device] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	src := &mock.Source{Frames: mock.Frames(5, 24000, 50*time.Millisecond)}
//	frame, err := src.ReadFrame(ctx) // frames 0..4, then io.EOF
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] that replays Frames.
type Source struct {
	mu sync.Mutex

	// Frames are returned in order by ReadFrame.
	Frames []audio.AudioFrame

	// Errs, when non-nil at the position of the next read, is returned instead
	// of a frame. The frame at that position is not consumed.
	Errs map[int]error

	// Block makes ReadFrame wait for ctx cancellation once Frames is exhausted
	// instead of returning EOFErr.
	Block bool

	// EOFErr is returned once Frames is exhausted. Defaults to io.EOF.
	EOFErr error

	// FormatResult is returned by Format. Defaults to the first frame's format.
	FormatResult audio.Format

	pos   int
	reads int
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}
	s.mu.Lock()
	read := s.reads
	s.reads++
	if err, ok := s.Errs[read]; ok && err != nil {
		s.mu.Unlock()
		return audio.AudioFrame{}, err
	}
	if s.pos < len(s.Frames) {
		f := s.Frames[s.pos]
		s.pos++
		s.mu.Unlock()
		return f, nil
	}
	block := s.Block
	eof := s.EOFErr
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return audio.AudioFrame{}, ctx.Err()
	}
	if eof == nil {
		eof = io.EOF
	}
	return audio.AudioFrame{}, eof
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult.SampleRate != 0 {
		return s.FormatResult
	}
	if len(s.Frames) > 0 {
		return s.Frames[0].Format()
	}
	return audio.Format{SampleRate: 24000, Channels: 1}
}

// Consumed returns how many frames have been delivered so far.
func (s *Source) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Reads returns the number of ReadFrame calls, including failed ones.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Frames builds n silent mono frames of duration d at rate, indexed 0..n-1.
func Frames(n, rate int, d time.Duration) []audio.AudioFrame {
	f := audio.Format{SampleRate: rate, Channels: 1}
	out := make([]audio.AudioFrame, n)
	for i := range out {
		out[i] = audio.AudioFrame{
			Data:       make([]byte, f.FrameBytes(d)),
			SampleRate: rate,
			Channels:   1,
			Index:      uint64(i),
			Timestamp:  time.Duration(i) * d,
		}
	}
	return out
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink] that records every write.
type Sink struct {
	mu sync.Mutex

	// WriteErr is returned by Write when non-nil.
	WriteErr error

	// Delay makes each Write take this long (or until ctx is done).
	Delay time.Duration

	writes [][]byte
}

// Write implements [audio.Sink].
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	delay := s.Delay
	err := s.WriteErr
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.writes = append(s.writes, append([]byte(nil), pcm...))
	s.mu.Unlock()
	return nil
}

// Writes returns a copy of every chunk written so far.
func (s *Sink) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// ─── Device ──────────────────────────────────────────────────────────────────

// Device combines a mock Source and Sink into an [audio.Device].
type Device struct {
	*Source
	*Sink

	mu         sync.Mutex
	closeCalls int
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

// CloseCalls returns the number of Close calls.
func (d *Device) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
	_ audio.Device = (*Device)(nil)
)
