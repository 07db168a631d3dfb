// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine turns a stream of fixed-size sample blocks into a speaking /
// silent signal with hysteresis, surfaced as a stateful per-stream session.
// Activation is reported synchronously from ProcessBlock; deactivation happens
// after a hold period of continuous quiet and is reported asynchronously
// through [Config.OnDeactivate], because it fires from a scheduled task rather
// than from a block.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is safe for use from one capture goroutine plus its
// own hold timer.
package vad

import (
	"errors"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

const (
	// DefaultThreshold is the RMS energy above which a block counts as speech.
	DefaultThreshold = 0.01

	// DefaultHold is how long energy must stay at or below the threshold
	// before an active segment ends.
	DefaultHold = 1000 * time.Millisecond
)

// ErrSessionClosed is returned by ProcessBlock after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the blocks passed to ProcessBlock, in Hz.
	SampleRate int

	// Threshold is the RMS energy that separates speech from silence.
	// Zero selects [DefaultThreshold].
	Threshold float64

	// Hold is the continuous-quiet duration required to leave the speaking
	// state. Zero selects [DefaultHold].
	Hold time.Duration

	// OnActivate is called on every Silent → Speaking edge, on the goroutine
	// calling ProcessBlock, before ProcessBlock returns.
	OnActivate func(VADEvent)

	// OnDeactivate is called on every Speaking → Silent edge from the hold
	// timer's goroutine. It is never called for an edge that has not begun
	// when Close or Reset is called.
	OnDeactivate func(VADEvent)
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations.
type SessionHandle interface {
	// ProcessBlock classifies one block and returns the resulting event:
	// VADSpeechStart on activation, VADSpeechContinue while speaking (including
	// quiet blocks inside the hold window) and VADSilence otherwise. It never
	// blocks.
	ProcessBlock(block audio.SampleBlock) (VADEvent, error)

	// Speaking reports the current level.
	Speaking() bool

	// Reset returns the session to Silent and cancels a pending hold timer
	// without reporting an edge.
	Reset()

	// Close cancels a pending hold timer and releases resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new session with the given configuration. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
