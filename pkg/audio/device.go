package audio

import (
	"errors"
	"time"
)

var (
	// ErrCaptureUnavailable is returned when the microphone cannot be opened,
	// for example because permission was denied or no input device exists.
	ErrCaptureUnavailable = errors.New("audio: capture unavailable")

	// ErrPlaybackUnavailable is returned when the output device cannot be
	// opened. It is reported once; playback stays disabled until retried.
	ErrPlaybackUnavailable = errors.New("audio: playback unavailable")
)

// CaptureSource is a callback-driven microphone. Implementations must be safe
// for concurrent use.
type CaptureSource interface {
	// Start opens the device and begins delivering fixed-size blocks of
	// blockSize mono samples at sampleRate to onBlock. onBlock is called from
	// the device's own goroutine, one block at a time, in capture order.
	// Errors wrap [ErrCaptureUnavailable].
	Start(sampleRate, blockSize int, onBlock func(SampleBlock)) error

	// Stop synchronously stops delivery and releases the device. No onBlock
	// call is in flight or made after Stop returns. Stop on a stopped source
	// returns nil.
	Stop() error
}

// OutputSink plays decoded buffers at scheduled wall-clock times.
type OutputSink interface {
	// Schedule queues buf to start playing at startAt. Callers schedule buffers
	// in order with non-overlapping start times; a sink never reorders them.
	Schedule(buf DecodedAudio, startAt time.Time) error

	// Close stops playback and releases the device. Calling Close more than
	// once is safe.
	Close() error
}

// OutputOpener lazily acquires an [OutputSink]. It is invoked on the first
// playback request, not at session start. Errors wrap [ErrPlaybackUnavailable].
type OutputOpener func() (OutputSink, error)

// Drain reads from ch until it is closed, discarding all values. Use it to
// release a producer goroutine whose output is no longer wanted.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
