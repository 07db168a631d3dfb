// Package protocol defines the text vocabulary spoken over a voice session's
// duplex channel. Binary messages carry audio and need no framing; text
// messages are either control commands (client → relay) or status lines
// (relay → client).
//
// Receivers match commands symbolically through [ParseCommand] and classify
// status lines through [ParseStatus]; nothing else in the code base compares
// raw strings.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ── Commands ──────────────────────────────────────────────────────────────────

// Command is a control token sent from client to relay.
type Command string

const (
	// CommandCommitAudio marks the end of an utterance: the relay finalises
	// the audio buffered so far and asks the model to respond.
	CommandCommitAudio Command = "commit_audio"
)

// ErrUnknownCommand is returned by [ParseCommand] for unrecognised text.
var ErrUnknownCommand = errors.New("protocol: unknown command")

// ParseCommand maps the text of an inbound message to a [Command].
// Surrounding whitespace is ignored.
func ParseCommand(text string) (Command, error) {
	switch c := Command(strings.TrimSpace(text)); c {
	case CommandCommitAudio:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, text)
	}
}

// ── Status lines ──────────────────────────────────────────────────────────────

// StatusKind classifies a status line from the relay.
type StatusKind int

const (
	// StatusInfo is any status line without further meaning to the session.
	StatusInfo StatusKind = iota

	// StatusReady confirms the relay reached the upstream AI service.
	StatusReady

	// StatusUpstreamFailure reports that the relay could not reach the
	// upstream AI service. Recording is not possible.
	StatusUpstreamFailure

	// StatusError reports a non-fatal upstream error.
	StatusError

	// StatusTranscript carries a transcript of user or assistant speech.
	StatusTranscript
)

// String returns the lower-case name of the kind.
func (k StatusKind) String() string {
	switch k {
	case StatusReady:
		return "ready"
	case StatusUpstreamFailure:
		return "upstream_failure"
	case StatusError:
		return "error"
	case StatusTranscript:
		return "transcript"
	default:
		return "info"
	}
}

const (
	readyText            = "ready"
	upstreamFailureText  = "Failed to connect to OpenAI"
	errorPrefix          = "error: "
	userTranscriptPrefix = "transcript: "
	assistantPrefix      = "assistant: "
)

// Status is a classified status line.
type Status struct {
	Kind StatusKind

	// Text is the full line as received.
	Text string

	// Detail is Text without its recognised prefix.
	Detail string

	// Role is "user" or "assistant" for StatusTranscript.
	Role string
}

// ParseStatus classifies a status line. Lines matching no known pattern are
// StatusInfo, so newer relays can add vocabulary without breaking clients.
// Prefixed lines are matched first; an upstream failure is recognised only at
// the start of a line, never inside transcript or error text.
func ParseStatus(text string) Status {
	s := Status{Kind: StatusInfo, Text: text, Detail: text}
	switch {
	case strings.TrimSpace(text) == readyText:
		s.Kind = StatusReady
	case strings.HasPrefix(text, errorPrefix):
		s.Kind = StatusError
		s.Detail = strings.TrimPrefix(text, errorPrefix)
	case strings.HasPrefix(text, userTranscriptPrefix):
		s.Kind = StatusTranscript
		s.Role = "user"
		s.Detail = strings.TrimPrefix(text, userTranscriptPrefix)
	case strings.HasPrefix(text, assistantPrefix):
		s.Kind = StatusTranscript
		s.Role = "assistant"
		s.Detail = strings.TrimPrefix(text, assistantPrefix)
	case strings.HasPrefix(text, upstreamFailureText):
		s.Kind = StatusUpstreamFailure
		s.Detail = strings.TrimLeft(strings.TrimPrefix(text, upstreamFailureText), ": ")
	}
	return s
}

// ReadyStatus returns the line a relay sends once upstream is connected.
func ReadyStatus() string { return readyText }

// UpstreamFailureStatus returns the line a relay sends when it cannot reach
// the upstream service.
func UpstreamFailureStatus(err error) string {
	if err == nil {
		return upstreamFailureText
	}
	return upstreamFailureText + ": " + err.Error()
}

// ErrorStatus returns the line a relay sends for a non-fatal upstream error.
func ErrorStatus(err error) string { return errorPrefix + err.Error() }

// TranscriptStatus returns the line a relay sends for a transcript. Roles
// other than "assistant" are reported as user speech.
func TranscriptStatus(role, text string) string {
	if role == "assistant" {
		return assistantPrefix + text
	}
	return userTranscriptPrefix + text
}
