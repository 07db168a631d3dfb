package channel_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/internal/channel"
	"github.com/MrWong99/voicerelay/internal/protocol"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer accepts one WebSocket per request, wraps it as a channel.Conn and
// hands it to handler. The handler owns the Conn.
func startServer(t *testing.T, handler func(c *channel.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		handler(channel.Wrap(ws))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *channel.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := channel.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c channel.Channel) (channel.Message, bool) {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		return m, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
		return channel.Message{}, false
	}
}

func waitDone(t *testing.T, c channel.Channel) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Done")
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConn_EchoPreservesKindAndOrder(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(c *channel.Conn) {
		defer c.Close()
		for m := range c.Messages() {
			var err error
			if m.Kind == channel.KindBinary {
				err = c.SendBinary(m.Data)
			} else {
				err = c.SendText(m.Text())
			}
			if err != nil {
				return
			}
		}
	})
	c := dial(t, srv)

	if err := c.SendBinary([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	if err := c.SendCommand(protocol.CommandCommitAudio); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := c.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	want := []channel.Message{
		{Kind: channel.KindBinary, Data: []byte{1, 2, 3, 4}},
		{Kind: channel.KindText, Data: []byte("commit_audio")},
		{Kind: channel.KindText, Data: []byte("hello")},
	}
	for i, w := range want {
		m, ok := next(t, c)
		if !ok {
			t.Fatalf("message %d: channel closed early", i)
		}
		if m.Kind != w.Kind || string(m.Data) != string(w.Data) {
			t.Errorf("message %d = {%v %q}, want {%v %q}", i, m.Kind, m.Data, w.Kind, w.Data)
		}
	}
}

func TestConn_RemoteNormalCloseIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(c *channel.Conn) {
		_ = c.SendText("bye")
		_ = c.Close()
	})
	c := dial(t, srv)

	if m, ok := next(t, c); !ok || m.Text() != "bye" {
		t.Fatalf("first message = %q, %v; want bye", m.Text(), ok)
	}
	if _, ok := next(t, c); ok {
		t.Fatal("expected Messages to be closed")
	}
	waitDone(t, c)
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after normal closure", err)
	}
	if err := c.SendText("late"); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("SendText after remote close: err = %v, want ErrClosed", err)
	}
}

func TestConn_RemoteAbnormalCloseIsAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close(websocket.StatusInternalError, "boom")
	}))
	t.Cleanup(srv.Close)
	c := dial(t, srv)

	if _, ok := next(t, c); ok {
		t.Fatal("expected Messages to be closed")
	}
	waitDone(t, c)
	if err := c.Err(); err == nil {
		t.Fatal("Err() = nil, want an error after internal-error closure")
	}
	if websocket.CloseStatus(c.Err()) != websocket.StatusInternalError {
		t.Errorf("close status = %v, want StatusInternalError", websocket.CloseStatus(c.Err()))
	}
}

func TestConn_CloseFlushesQueue(t *testing.T) {
	t.Parallel()

	const n = 10
	got := make(chan []string, 1)
	srv := startServer(t, func(c *channel.Conn) {
		var texts []string
		for m := range c.Messages() {
			texts = append(texts, m.Text())
		}
		got <- texts
	})
	c := dial(t, srv)

	for i := range n {
		if err := c.SendText(fmt.Sprint(i)); err != nil {
			t.Fatalf("SendText(%d): %v", i, err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.SendText("late"); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("SendText after Close: err = %v, want ErrClosed", err)
	}

	select {
	case texts := <-got:
		if len(texts) != n {
			t.Fatalf("server received %d messages, want %d", len(texts), n)
		}
		for i, s := range texts {
			if s != fmt.Sprint(i) {
				t.Errorf("message %d = %q", i, s)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for server")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() after local Close = %v, want nil", err)
	}
}

func TestConn_SendBinaryContextWaitsForQueueRoom(t *testing.T) {
	t.Parallel()

	const n = 200
	got := make(chan []byte, n)
	srv := startServer(t, func(c *channel.Conn) {
		defer c.Close()
		for m := range c.Messages() {
			got <- m.Data
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := channel.Dial(ctx, wsURL(srv), channel.WithQueueSize(1))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	for i := range n {
		if err := c.SendBinaryContext(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("SendBinaryContext(%d): %v", i, err)
		}
	}
	for i := range n {
		select {
		case d := <-got:
			if len(d) != 1 || d[0] != byte(i) {
				t.Fatalf("frame %d = %v", i, d)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}

	_ = c.Close()
	if err := c.SendBinaryContext(context.Background(), []byte{1}); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("SendBinaryContext after Close: err = %v, want ErrClosed", err)
	}
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := channel.Dial(ctx, wsURL(srv)); err == nil {
		t.Fatal("expected dial error against a non-websocket endpoint")
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	if channel.KindText.String() != "text" || channel.KindBinary.String() != "binary" {
		t.Errorf("Kind strings = %q, %q", channel.KindText, channel.KindBinary)
	}
}
