package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/internal/protocol"
)

var _ Channel = (*Conn)(nil)

const (
	defaultQueueSize    = 64
	defaultInboundSize  = 64
	defaultReadLimit    = 4 << 20
	defaultCloseTimeout = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

type options struct {
	queueSize    int
	readLimit    int64
	closeTimeout time.Duration
	dial         *websocket.DialOptions
}

// Option is a functional option for [Dial] and [Wrap].
type Option func(*options)

// WithQueueSize sets the capacity of the outbound queue. Default: 64.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithReadLimit sets the largest inbound message accepted, in bytes.
// Default: 4 MiB.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithCloseTimeout bounds how long Close waits for queued messages to flush
// and the close handshake to finish. Default: 5s.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) { o.closeTimeout = d }
}

// WithDialOptions passes opts to [websocket.Dial]. Ignored by [Wrap].
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(o *options) { o.dial = opts }
}

func buildOptions(opts []Option) options {
	o := options{
		queueSize:    defaultQueueSize,
		readLimit:    defaultReadLimit,
		closeTimeout: defaultCloseTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is a [Channel] backed by a WebSocket connection.
type Conn struct {
	ws           *websocket.Conn
	out          chan Message
	in           chan Message
	closing      chan struct{}
	done         chan struct{}
	closeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	errVal error
}

// Dial connects to the WebSocket endpoint at url.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)
	ws, _, err := websocket.Dial(ctx, url, o.dial)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", url, err)
	}
	return wrap(ws, o), nil
}

// Wrap adopts an established WebSocket connection, typically one returned by
// [websocket.Accept]. The Conn takes ownership of ws.
func Wrap(ws *websocket.Conn, opts ...Option) *Conn {
	return wrap(ws, buildOptions(opts))
}

func wrap(ws *websocket.Conn, o options) *Conn {
	ws.SetReadLimit(o.readLimit)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		out:          make(chan Message, o.queueSize),
		in:           make(chan Message, defaultInboundSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		closeTimeout: o.closeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.readLoop() }()
	go func() { defer wg.Done(); c.writeLoop() }()
	go func() { wg.Wait(); close(c.done) }()
	return c
}

// SendBinary enqueues a binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(Message{Kind: KindBinary, Data: data})
}

// SendBinaryContext enqueues a binary message, blocking while the queue is
// full.
func (c *Conn) SendBinaryContext(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.out <- Message{Kind: KindBinary, Data: data}:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand enqueues cmd as a text message.
func (c *Conn) SendCommand(cmd protocol.Command) error {
	return c.enqueue(Message{Kind: KindText, Data: []byte(cmd)})
}

// SendText enqueues a text message.
func (c *Conn) SendText(text string) error {
	return c.enqueue(Message{Kind: KindText, Data: []byte(text)})
}

func (c *Conn) enqueue(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.out <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// Messages returns the inbound message stream.
func (c *Conn) Messages() <-chan Message { return c.in }

// Done is closed after both the reader and writer have exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close flushes queued messages, performs the close handshake and waits for
// the connection's goroutines to exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.closing)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(c.closeTimeout):
		c.cancel()
		<-c.done
	}
	return nil
}

// readLoop owns c.in: it closes it when it exits.
func (c *Conn) readLoop() {
	defer close(c.in)
	defer c.cancel()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		kind := KindText
		if typ == websocket.MessageBinary {
			kind = KindBinary
		}
		select {
		case c.in <- Message{Kind: kind, Data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.out:
			if err := c.write(m); err != nil {
				c.finish(err)
				return
			}
		case <-c.closing:
			c.flush()
			if err := c.ws.Close(websocket.StatusNormalClosure, ""); err != nil {
				slog.Debug("channel: close handshake", "err", err)
			}
			return
		}
	}
}

// flush writes whatever is still queued when Close is called.
func (c *Conn) flush() {
	for {
		select {
		case m := <-c.out:
			if err := c.write(m); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(m Message) error {
	typ := websocket.MessageText
	if m.Kind == KindBinary {
		typ = websocket.MessageBinary
	}
	return c.ws.Write(c.ctx, typ, m.Data)
}

// finish records why the connection ended. Normal closure by either side and
// errors caused by a local Close are not errors.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal != nil || c.closed {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
		return
	}
	c.errVal = fmt.Errorf("channel: %w", err)
}
