package audio

import (
	"encoding/binary"
	"time"
)

// AudioFrame represents a single frame of captured audio. Frames are the atomic
// unit of audio transport: read from the capture device by the wake loop, fed
// to the wake detector, and forwarded upstream during a conversational turn.
//
// A frame is immutable once produced. Sources allocate a fresh Data slice for
// every frame so consumers may retain it without copying.
type AudioFrame struct {
	// PCM audio data, signed 16-bit little-endian.
	Data []byte

	// SampleRate in Hz (e.g., 24000 for the conversational engine, 16000 for
	// the wake classifier).
	SampleRate int

	// Channels is always 1 for capture frames.
	Channels int

	// Index is the monotonically increasing capture sequence number of this
	// frame, starting at zero when the source opens.
	Index uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the sample format of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples decodes Data into int16 samples. A trailing odd byte is ignored.
func (f AudioFrame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return DurationOf(len(f.Data), f.Format())
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM16 byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// FrameBytes returns the size in bytes of a PCM16 frame of length d.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// DurationOf returns the playback length of n bytes of PCM16 audio in format f.
func DurationOf(n int, f Format) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}
