package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func constFrame(v int16, n, rate int) audio.AudioFrame {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return audio.AudioFrame{Data: samplesToBytes(s), SampleRate: rate, Channels: 1}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 24000, 24000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := audio.AudioFrame{Data: out}.Samples()
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 24kHz → 16kHz drops one sample in three.
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 24000, 16000)
	if got := len(out) / 2; got != 4 {
		t.Fatalf("expected 4 samples, got %d", got)
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2})
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("zero src rate: got %d bytes, want passthrough", len(out))
	}
}

func TestFormat_FrameBytes(t *testing.T) {
	f := audio.Format{SampleRate: 24000, Channels: 1}
	if got := f.FrameBytes(50 * time.Millisecond); got != 2400 {
		t.Errorf("FrameBytes(50ms) = %d, want 2400", got)
	}
	if got := audio.DurationOf(4800, f); got != 100*time.Millisecond {
		t.Errorf("DurationOf(4800) = %v, want 100ms", got)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	f := constFrame(16384, 100, 16000)
	if got := audio.RMS(f.Data); got < 0.49 || got > 0.51 {
		t.Errorf("RMS(half scale) = %v, want ~0.5", got)
	}
}

func TestTone(t *testing.T) {
	pcm := audio.Tone(24000, 880, 100*time.Millisecond, 0.5)
	if len(pcm) != 4800 {
		t.Fatalf("Tone length = %d, want 4800", len(pcm))
	}
	if level := audio.RMS(pcm); level < 0.2 || level > 0.4 {
		t.Errorf("Tone RMS = %v, want ~0.35", level)
	}
	if audio.Tone(0, 880, time.Second, 1) != nil {
		t.Error("Tone with zero rate should be nil")
	}
}

func TestSilenceGate(t *testing.T) {
	g := audio.NewSilenceGate(300 * time.Millisecond)
	loud := constFrame(8000, 2400, 24000) // 100ms
	quiet := constFrame(0, 2400, 24000)

	// Silence before any speech never ends the utterance.
	for range 10 {
		if g.Observe(quiet) {
			t.Fatal("gate closed before speech was heard")
		}
	}
	if g.Observe(loud) {
		t.Fatal("gate closed on speech")
	}
	for i := range 2 {
		if g.Observe(quiet) {
			t.Fatalf("gate closed after %d quiet frames, want 3", i+1)
		}
	}
	if !g.Observe(quiet) {
		t.Fatal("gate did not close after hold period")
	}

	g.Reset()
	if g.Observe(quiet) {
		t.Error("gate closed right after Reset")
	}
}

func TestAudioFrame_Samples(t *testing.T) {
	f := audio.AudioFrame{Data: append(samplesToBytes([]int16{-1, 32767}), 0x7f)}
	got := f.Samples()
	if len(got) != 2 || got[0] != -1 || got[1] != 32767 {
		t.Errorf("Samples() = %v, want [-1 32767]", got)
	}
}
