// Package pipe implements [audio.Device] over raw PCM16 byte streams, for
// example the stdout of `arecord -t raw -f S16_LE -c 1` and the stdin of
// `aplay -t raw -f S16_LE -c 1`. It is also the backend used when the process
// runs as a Home Assistant add-on with audio provided by the host.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

type readResult struct {
	data []byte
	err  error
}

// Device reads fixed-size frames from r and writes playback to w.
type Device struct {
	format     audio.Format
	frameBytes int

	r      io.Reader
	frames chan readResult
	index  uint64

	wmu sync.Mutex
	w   io.Writer

	done      chan struct{}
	closeOnce sync.Once
	closers   []io.Closer
}

// New creates a Device. frame sets the capture frame duration. If r or w
// implement io.Closer they are closed by [Device.Close].
func New(r io.Reader, w io.Writer, sampleRate int, frame time.Duration) (*Device, error) {
	format := audio.Format{SampleRate: sampleRate, Channels: 1}
	n := format.FrameBytes(frame)
	if n <= 0 {
		return nil, fmt.Errorf("pipe: frame of %v at %d Hz is empty", frame, sampleRate)
	}
	d := &Device{
		format:     format,
		frameBytes: n,
		r:          r,
		w:          w,
		frames:     make(chan readResult, 4),
		done:       make(chan struct{}),
	}
	for _, v := range []any{r, w} {
		if c, ok := v.(io.Closer); ok {
			d.closers = append(d.closers, c)
		}
	}
	go d.readLoop()
	return d, nil
}

// readLoop owns r. A blocking Read cannot be interrupted by a context, so it
// runs on its own goroutine and hands frames over a channel.
func (d *Device) readLoop() {
	defer close(d.frames)
	sampleBytes := 2 * d.format.Channels
	for {
		buf := make([]byte, d.frameBytes)
		n, err := io.ReadFull(d.r, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// A short final read still carries audio; forward its whole
			// samples before ending capture.
			if n -= n % sampleBytes; n > 0 && !d.send(readResult{data: buf[:n]}) {
				return
			}
			err = io.EOF
		}
		if !d.send(readResult{data: buf, err: err}) || err != nil {
			return
		}
	}
}

// send reports false once the device is closed.
func (d *Device) send(res readResult) bool {
	select {
	case d.frames <- res:
		return true
	case <-d.done:
		return false
	}
}

// Format implements [audio.Source].
func (d *Device) Format() audio.Format { return d.format }

// ReadFrame implements [audio.Source]. A short final read is delivered as a
// shorter frame, then capture ends with io.EOF. A trailing odd byte is not
// a whole sample and is discarded.
func (d *Device) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-d.done:
		return audio.AudioFrame{}, audio.ErrDeviceClosed
	case res, ok := <-d.frames:
		if !ok {
			return audio.AudioFrame{}, io.EOF
		}
		if res.err != nil {
			return audio.AudioFrame{}, res.err
		}
		f := audio.AudioFrame{
			Data:       res.data,
			SampleRate: d.format.SampleRate,
			Channels:   1,
			Index:      d.index,
			Timestamp:  time.Duration(d.index) * audio.DurationOf(d.frameBytes, d.format),
		}
		d.index++
		return f, nil
	}
}

// Write implements [audio.Sink].
func (d *Device) Write(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-d.done:
		return audio.ErrDeviceClosed
	default:
	}
	if d.w == nil {
		return nil
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := d.w.Write(pcm); err != nil {
		return fmt.Errorf("pipe: write: %w", err)
	}
	return nil
}

// Close stops reading and closes the underlying streams.
func (d *Device) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		close(d.done)
		for _, c := range d.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
