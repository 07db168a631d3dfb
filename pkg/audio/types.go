// Package audio holds the sample and frame types that flow through a voice
// session, the PCM16 wire codec, the payload classifier used on inbound
// frames, and the capture/output device contracts the session consumes.
//
// Everything in this package is pure except the device interfaces, which are
// implemented by platform packages (see [github.com/MrWong99/voicerelay/pkg/audio/portaudio])
// and by the test doubles in the mock subpackage.
package audio

import "time"

const (
	// CaptureSampleRate is the rate microphone blocks are captured at.
	CaptureSampleRate = 48000

	// BlockSize is the canonical number of samples per captured [SampleBlock].
	BlockSize = 4096

	// DefaultPlaybackSampleRate is the declared rate of raw PCM16 frames sent
	// from the relay to the client. Deployments override it through config;
	// both ends must agree on one value.
	DefaultPlaybackSampleRate = 24000
)

// SampleBlock is one fixed-length block of mono float samples in [-1, 1] as
// delivered by a [CaptureSource]. A block is immutable once produced.
type SampleBlock []float32

// Duration returns the playing time of the block at sampleRate.
func (b SampleBlock) Duration(sampleRate int) time.Duration {
	return samplesDuration(len(b), sampleRate)
}

// DecodedAudio is a mono buffer of float samples ready for an [OutputSink].
type DecodedAudio struct {
	// Samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int
}

// Duration returns the playing time of the buffer. A buffer with a
// non-positive sample rate has zero duration.
func (d DecodedAudio) Duration() time.Duration {
	return samplesDuration(len(d.Samples), d.SampleRate)
}

// AudioFrame is a chunk of little-endian int16 PCM with its format. The relay
// uses it to carry client audio through a [FormatConverter] on its way to the
// upstream service.
type AudioFrame struct {
	// Data is little-endian int16 PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when the frame was received, relative to stream start.
	Timestamp time.Duration
}

func samplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}
