package session

import (
	"errors"

	"github.com/MrWong99/voicerelay/internal/protocol"
)

var (
	// ErrChannel is the failure reason when the duplex channel cannot be
	// opened or ends with an error.
	ErrChannel = errors.New("session: channel error")

	// ErrUpstreamFailure is the failure reason when the relay reports that it
	// could not reach the upstream speech service.
	ErrUpstreamFailure = errors.New("session: upstream failure")

	// ErrInvalidState is returned when an operation is not allowed in the
	// controller's current state.
	ErrInvalidState = errors.New("session: invalid state")
)

// State is the lifecycle position of a session.
type State int

const (
	// StateIdle is the initial state. Only Connect is allowed.
	StateIdle State = iota

	// StateConnecting means the channel is open but the relay has not yet
	// reported ready.
	StateConnecting

	// StateReady means the relay is connected upstream and recording may
	// start.
	StateReady

	// StateRecording means the microphone is live and utterances are being
	// sent.
	StateRecording

	// StateClosed is terminal: the channel ended cleanly or Close was called.
	StateClosed

	// StateFailed is terminal: see [Controller.Err] for the reason.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateRecording:
		return "recording"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// TurnMode selects what happens after a voice-activity commit.
type TurnMode string

const (
	// TurnSingle stops recording after each committed utterance, like a
	// push-to-talk button that releases itself.
	TurnSingle TurnMode = "single"

	// TurnContinuous keeps recording across utterances.
	TurnContinuous TurnMode = "continuous"
)

// IsValid reports whether m is a known turn mode.
func (m TurnMode) IsValid() bool {
	return m == TurnSingle || m == TurnContinuous
}

// EventKind tags an [Event].
type EventKind int

const (
	// EventState reports a state transition.
	EventState EventKind = iota

	// EventStatus reports a text message from the relay.
	EventStatus

	// EventError reports a non-fatal problem, such as a microphone that could
	// not be opened or an output device that failed.
	EventError
)

// Event is delivered on [Controller.Events].
type Event struct {
	Kind EventKind

	// State is the new state for EventState.
	State State

	// Status is the parsed relay message for EventStatus.
	Status protocol.Status

	// Err is the failure reason for EventError and for EventState when State
	// is StateFailed.
	Err error
}
