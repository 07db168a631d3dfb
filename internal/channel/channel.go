// Package channel provides the message-framed duplex connection between a
// voice client and the relay.
//
// A [Channel] carries binary audio frames and text messages in both
// directions. Sends are non-blocking: they enqueue onto a bounded writer
// queue and fail with [ErrQueueFull] rather than stall the caller, which is
// typically an audio device callback. [Channel.SendBinaryContext] is the
// exception for producers that can wait, such as a relay forwarding reply
// audio. Inbound messages are delivered on a Go channel that is closed when
// the connection ends.
package channel

import (
	"context"
	"errors"

	"github.com/MrWong99/voicerelay/internal/protocol"
)

var (
	// ErrClosed is returned by send methods after the channel has closed.
	ErrClosed = errors.New("channel: closed")

	// ErrQueueFull is returned when the outbound queue has no room. The
	// message is dropped.
	ErrQueueFull = errors.New("channel: send queue full")
)

// Kind distinguishes the two message framings.
type Kind int

const (
	// KindText is a UTF-8 text message: a command or a status line.
	KindText Kind = iota

	// KindBinary is an opaque byte payload, usually audio.
	KindBinary
)

// String returns "text" or "binary".
func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "text"
}

// Message is one inbound or outbound message.
type Message struct {
	Kind Kind
	Data []byte
}

// Text returns Data as a string.
func (m Message) Text() string { return string(m.Data) }

// Channel is a duplex, message-framed connection. All methods are safe for
// concurrent use.
type Channel interface {
	// SendBinary enqueues a binary message.
	SendBinary(data []byte) error

	// SendBinaryContext enqueues a binary message, waiting for queue room
	// until ctx is done. It returns ctx.Err() if ctx ends first and
	// [ErrClosed] if the connection closes first.
	SendBinaryContext(ctx context.Context, data []byte) error

	// SendCommand enqueues a control command as a text message.
	SendCommand(cmd protocol.Command) error

	// SendText enqueues a text message.
	SendText(text string) error

	// Messages delivers inbound messages in arrival order. It is closed when
	// the connection ends, after which Err reports why.
	Messages() <-chan Message

	// Done is closed once the connection has fully shut down.
	Done() <-chan struct{}

	// Err returns the error that ended the connection, or nil if it was
	// closed normally by either side.
	Err() error

	// Close shuts the connection down. Queued messages are flushed first on a
	// best-effort basis. Calling Close more than once is safe.
	Close() error
}
