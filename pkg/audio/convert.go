package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

// RMS returns the root-mean-square level of 16-bit PCM normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i)) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Tone synthesises a mono PCM16 sine wave of the given frequency and duration.
// amplitude is in [0, 1]. A short linear fade at both ends avoids clicks.
func Tone(sampleRate int, freq float64, d time.Duration, amplitude float64) []byte {
	if sampleRate <= 0 || d <= 0 {
		return nil
	}
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	fade := min(sampleRate/200, n/2) // 5 ms
	out := make([]byte, n*2)
	for i := range n {
		gain := amplitude
		switch {
		case fade > 0 && i < fade:
			gain *= float64(i) / float64(fade)
		case fade > 0 && i >= n-fade:
			gain *= float64(n-1-i) / float64(fade)
		}
		v := int16(gain * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// SilenceGate tracks speech/silence over a stream of frames using RMS energy
// with hysteresis. It reports end of utterance once speech has been heard and
// the signal has then stayed below the silence threshold for the hold period.
//
// A SilenceGate is not safe for concurrent use.
type SilenceGate struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	Hold             time.Duration

	heard   bool
	silence time.Duration
}

// NewSilenceGate returns a gate with thresholds suited to close-talk speech.
func NewSilenceGate(hold time.Duration) *SilenceGate {
	return &SilenceGate{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		Hold:             hold,
	}
}

// Observe feeds one frame and reports whether the utterance has ended.
func (g *SilenceGate) Observe(f AudioFrame) bool {
	level := RMS(f.Data)
	switch {
	case level >= g.SpeechThreshold:
		g.heard = true
		g.silence = 0
	case level < g.SilenceThreshold && g.heard:
		g.silence += f.Duration()
	}
	return g.heard && g.Hold > 0 && g.silence >= g.Hold
}

// Reset clears the gate for a new utterance.
func (g *SilenceGate) Reset() {
	g.heard = false
	g.silence = 0
}
