// Package s2s defines the Provider interface for speech-to-speech backends.
//
// An S2S provider wraps a realtime voice AI service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session.
// The relay opens one session per client channel and forwards audio both ways.
//
// Turns are delimited by the caller: audio appended with SendAudio accumulates
// in the service's input buffer until Commit asks the model to respond.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice selects the voice the model speaks with, for example "alloy".
	// Empty means the provider's default.
	Voice string

	// Instructions is the system prompt for the whole session.
	Instructions string
}

// Transcript is one finished line of text from the session.
type Transcript struct {
	// Role is "user" for recognised input speech and "assistant" for the
	// model's spoken reply.
	Role string

	// Text is the transcript text.
	Text string

	// Timestamp is when the transcript was received.
	Timestamp time.Time
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// InputSampleRate is the PCM16 mono rate SendAudio expects.
	InputSampleRate int

	// OutputSampleRate is the PCM16 mono rate of chunks on Audio.
	OutputSampleRate int

	// MaxSessionDuration is the provider-imposed session lifetime. Zero means
	// no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the accepted values of [SessionConfig.Voice].
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio appends a PCM16 mono chunk at the provider's input rate to the
	// pending turn.
	SendAudio(chunk []byte) error

	// Commit ends the pending turn and asks the model to respond.
	Commit() error

	// Audio emits PCM16 mono chunks of the model's reply at the provider's
	// output rate. The channel is closed when the session ends; then call
	// [SessionHandle.Err]. Consumers must drain it promptly.
	Audio() <-chan []byte

	// Transcripts emits user and assistant transcripts. It is closed when the
	// session ends.
	Transcripts() <-chan Transcript

	// OnError registers a callback for non-fatal error events reported by the
	// service. It is called from the session's receive goroutine.
	OnError(handler func(error))

	// Err returns the error that ended the session, or nil if it ended
	// cleanly.
	Err() error

	// Close terminates the session and closes the Audio and Transcripts
	// channels. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session. The returned SessionHandle is ready
	// to accept audio immediately. The caller owns it and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
