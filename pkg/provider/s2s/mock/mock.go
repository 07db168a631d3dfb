// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the audio/transcript streams and inspect which methods
// were invoked by the relay.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.AudioCh <- pcm
//	sess.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// SetConnectErr replaces ConnectErr. Thread-safe.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. The test feeds
// AudioCh and TranscriptsCh; Close and End close both exactly once.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio().
	AudioCh chan []byte

	// TranscriptsCh is the channel returned by Transcripts().
	TranscriptsCh chan s2s.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CommitErr, if non-nil, is returned by every Commit call.
	CommitErr error

	// OnSendAudio, if set, observes each recorded chunk without the lock held.
	OnSendAudio func([]byte)

	// OnCommit, if set, is called after each recorded Commit without the lock
	// held.
	OnCommit func()

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CommitCallCount is the number of times Commit was called.
	CommitCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	errorHandler func(error)
	errVal       error
	endOnce      sync.Once
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		AudioCh:       make(chan []byte, 64),
		TranscriptsCh: make(chan s2s.Transcript, 16),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	err, hook := s.SendAudioErr, s.OnSendAudio
	s.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return err
}

// Commit records the call and returns CommitErr.
func (s *Session) Commit() error {
	s.mu.Lock()
	s.CommitCallCount++
	err, hook := s.CommitErr, s.OnCommit
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte { return s.AudioCh }

// Transcripts returns TranscriptsCh.
func (s *Session) Transcripts() <-chan s2s.Transcript { return s.TranscriptsCh }

// OnError stores handler.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// FireError calls the registered error handler, if any, on the caller's
// goroutine. It reports whether a handler was registered.
func (s *Session) FireError(err error) bool {
	s.mu.Lock()
	h := s.errorHandler
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h(err)
	return true
}

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// End simulates the upstream ending the session with err (nil for a clean
// close). The test must not send on the channels afterwards.
func (s *Session) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.errVal = err
		s.mu.Unlock()
		close(s.AudioCh)
		close(s.TranscriptsCh)
	})
}

// Close records the call and ends the session cleanly.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// Chunks returns a copy of SendAudioCalls. Thread-safe.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Commits returns CommitCallCount. Thread-safe.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CommitCallCount
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
