// Package mock provides an in-memory channel.Channel for tests.
//
// Channel records every outbound message in order and lets the test inject
// inbound messages and end the connection, either cleanly or with an error.
//
// Example:
//
//	ch := mock.New()
//	ch.Inject(channel.Message{Kind: channel.KindText, Data: []byte("ready")})
//	ch.CloseWithError(errors.New("connection reset"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicerelay/internal/channel"
	"github.com/MrWong99/voicerelay/internal/protocol"
)

var _ channel.Channel = (*Channel)(nil)

// Channel is a mock implementation of channel.Channel.
type Channel struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every send method. Failed sends are
	// not recorded.
	SendErr error

	// Sent records every successfully sent message in order.
	Sent []channel.Message

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	in      chan channel.Message
	done    chan struct{}
	ended   bool
	errVal  error
	onSend  func(channel.Message)
	endOnce sync.Once
}

// New returns an open Channel with room for 64 injected messages.
func New() *Channel {
	return &Channel{
		in:   make(chan channel.Message, 64),
		done: make(chan struct{}),
	}
}

// OnSend registers fn to observe each recorded message. fn runs on the
// sender's goroutine without the mock's lock held.
func (c *Channel) OnSend(fn func(channel.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

func (c *Channel) record(m channel.Message) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return channel.ErrClosed
	}
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	c.Sent = append(c.Sent, m)
	fn := c.onSend
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
	return nil
}

// SendBinary records a copy of data.
func (c *Channel) SendBinary(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	return c.record(channel.Message{Kind: channel.KindBinary, Data: cp})
}

// SendBinaryContext records a copy of data unless ctx is already done.
func (c *Channel) SendBinaryContext(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.SendBinary(data)
}

// SendCommand records cmd as a text message.
func (c *Channel) SendCommand(cmd protocol.Command) error {
	return c.record(channel.Message{Kind: channel.KindText, Data: []byte(cmd)})
}

// SendText records text.
func (c *Channel) SendText(text string) error {
	return c.record(channel.Message{Kind: channel.KindText, Data: []byte(text)})
}

// Messages returns the inbound stream fed by Inject.
func (c *Channel) Messages() <-chan channel.Message { return c.in }

// Done is closed when the channel ends.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the error passed to CloseWithError.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close records the call and ends the channel cleanly.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.CloseCallCount++
	c.mu.Unlock()
	c.end(nil)
	return nil
}

// Inject delivers m as an inbound message. It blocks if 64 messages are
// already waiting and must not be called after the channel has ended.
func (c *Channel) Inject(m channel.Message) {
	c.in <- m
}

// InjectText delivers text as an inbound text message.
func (c *Channel) InjectText(text string) {
	c.Inject(channel.Message{Kind: channel.KindText, Data: []byte(text)})
}

// InjectBinary delivers data as an inbound binary message.
func (c *Channel) InjectBinary(data []byte) {
	c.Inject(channel.Message{Kind: channel.KindBinary, Data: data})
}

// CloseWithError ends the channel as if the remote side failed with err. A
// nil err simulates a normal remote close.
func (c *Channel) CloseWithError(err error) {
	c.end(err)
}

func (c *Channel) end(err error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.ended = true
		c.errVal = err
		c.mu.Unlock()
		close(c.in)
		close(c.done)
	})
}

// Recorded returns a copy of the recorded outbound messages.
func (c *Channel) Recorded() []channel.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]channel.Message, len(c.Sent))
	copy(out, c.Sent)
	return out
}

// Texts returns the text of every recorded text message in order.
func (c *Channel) Texts() []string {
	var out []string
	for _, m := range c.Recorded() {
		if m.Kind == channel.KindText {
			out = append(out, m.Text())
		}
	}
	return out
}

// Closes returns CloseCallCount.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}
