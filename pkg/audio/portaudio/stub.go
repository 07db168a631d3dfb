//go:build !portaudio

package portaudio

import (
	"fmt"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

var _ audio.CaptureSource = (*Capture)(nil)

// Available reports whether this binary was built with PortAudio support.
const Available = false

// Init is a no-op without PortAudio support.
func Init() (terminate func(), err error) { return func() {}, nil }

// Capture always fails to start without PortAudio support.
type Capture struct{}

// NewCapture returns a Capture that cannot start.
func NewCapture() *Capture { return &Capture{} }

// Start returns [audio.ErrCaptureUnavailable].
func (*Capture) Start(int, int, func(audio.SampleBlock)) error {
	return fmt.Errorf("%w: built without portaudio support", audio.ErrCaptureUnavailable)
}

// Stop returns nil.
func (*Capture) Stop() error { return nil }

// OpenOutput returns [audio.ErrPlaybackUnavailable].
func OpenOutput() (audio.OutputSink, error) {
	return nil, fmt.Errorf("%w: built without portaudio support", audio.ErrPlaybackUnavailable)
}
