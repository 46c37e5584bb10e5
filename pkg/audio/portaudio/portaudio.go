//go:build portaudio

// Package portaudio implements [audio.Device] on the host's default input and
// output devices using PortAudio. It requires the portaudio C library and is
// only built with the "portaudio" build tag.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// Device is an opened default input/output stream pair.
type Device struct {
	format audio.Format

	in    *pa.Stream
	inBuf []int16
	rmu   sync.Mutex
	index uint64

	out    *pa.Stream
	outBuf []int16
	wmu    sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// Open initialises PortAudio and opens mono PCM16 streams at sampleRate.
// Each capture frame holds frame worth of samples.
func Open(sampleRate int, frame time.Duration) (*Device, error) {
	format := audio.Format{SampleRate: sampleRate, Channels: 1}
	samples := format.FrameBytes(frame) / 2
	if samples <= 0 {
		return nil, fmt.Errorf("portaudio: frame of %v at %d Hz is empty", frame, sampleRate)
	}

	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	d := &Device{
		format: format,
		inBuf:  make([]int16, samples),
		outBuf: make([]int16, samples),
	}

	in, err := pa.OpenDefaultStream(1, 0, float64(sampleRate), samples, d.inBuf)
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	out, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), samples, d.outBuf)
	if err != nil {
		in.Close()
		pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	d.in, d.out = in, out

	if err := in.Start(); err != nil {
		d.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	if err := out.Start(); err != nil {
		d.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}

	slog.Info("portaudio device opened", "sample_rate", sampleRate, "frame_samples", samples)
	return d, nil
}

// Format implements [audio.Source].
func (d *Device) Format() audio.Format { return d.format }

// ReadFrame implements [audio.Source]. The underlying read blocks for at most
// one frame duration, so cancellation is observed between frames.
func (d *Device) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}
	if d.isClosed() {
		return audio.AudioFrame{}, audio.ErrDeviceClosed
	}

	d.rmu.Lock()
	defer d.rmu.Unlock()

	if err := d.in.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		if d.isClosed() {
			return audio.AudioFrame{}, audio.ErrDeviceClosed
		}
		return audio.AudioFrame{}, fmt.Errorf("portaudio: read: %w", err)
	}

	data := make([]byte, len(d.inBuf)*2)
	for i, s := range d.inBuf {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: d.format.SampleRate,
		Channels:   1,
		Index:      d.index,
		Timestamp:  time.Duration(d.index) * audio.DurationOf(len(data), d.format),
	}
	d.index++
	return frame, nil
}

// Write implements [audio.Sink]. pcm is played in buffer-sized blocks; the
// final partial block is padded with silence.
func (d *Device) Write(ctx context.Context, pcm []byte) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	for off := 0; off < len(pcm); off += len(d.outBuf) * 2 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.isClosed() {
			return audio.ErrDeviceClosed
		}
		for i := range d.outBuf {
			j := off + i*2
			if j+1 < len(pcm) {
				d.outBuf[i] = int16(binary.LittleEndian.Uint16(pcm[j:]))
			} else {
				d.outBuf[i] = 0
			}
		}
		if err := d.out.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close stops both streams and terminates PortAudio.
func (d *Device) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeMu.Unlock()

	var errs []error
	for _, s := range []*pa.Stream{d.in, d.out} {
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Device) isClosed() bool {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	return d.closed
}
