package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Decode errors. A frame failing with either is dropped by the caller; the
// session continues.
var (
	// ErrEmptyPayload is returned by [Decode16] for a zero-length payload.
	ErrEmptyPayload = errors.New("audio: empty payload")

	// ErrOddLength is returned by [Decode16] when the payload is not a whole
	// number of 16-bit samples.
	ErrOddLength = errors.New("audio: odd payload length")
)

// Encode16 converts float samples to little-endian int16 PCM. Each sample is
// clamped to [-1, 1], scaled by 32767 and rounded to the nearest integer. The
// output is always exactly 2*len(samples) bytes. NaN encodes as silence.
func Encode16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*math.MaxInt16))))
	}
	return out
}

// Decode16 interprets pcm as mono little-endian int16 samples at sampleRate
// and maps each to [-1, 1) by dividing by 32768.
func Decode16(pcm []byte, sampleRate int) (DecodedAudio, error) {
	if len(pcm) == 0 {
		return DecodedAudio{}, ErrEmptyPayload
	}
	if len(pcm)%2 != 0 {
		return DecodedAudio{}, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return DecodedAudio{Samples: samples, SampleRate: sampleRate}, nil
}

// RMS returns the root-mean-square energy of samples. An empty slice has
// zero energy.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
