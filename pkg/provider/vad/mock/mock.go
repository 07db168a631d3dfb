// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script ProcessBlock results, inspect the blocks that were
// submitted, and fire edges on demand.
//
// Example:
//
//	sess := &mock.Session{
//	    EventResult: vad.VADEvent{Type: vad.VADSpeechStart, Utterance: 1},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
//	sess.FireDeactivate(vad.VADEvent{Type: vad.VADSpeechEnd, Utterance: 1})
package mock

import (
	"sync"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the handle returned by NewSession. If nil, NewSession returns
	// a new default Session. The Config passed to NewSession is attached to it
	// so that its Fire* helpers reach the caller's callbacks.
	Session *Session

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := e.Session
	if s == nil {
		s = &Session{}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu  sync.Mutex
	cfg vad.Config

	// EventResult is returned by ProcessBlock when Script is empty.
	EventResult vad.VADEvent

	// Script, when non-empty, supplies ProcessBlock results in order; each
	// call consumes one entry.
	Script []vad.VADEvent

	// ProcessBlockErr, if non-nil, is returned by every ProcessBlock call.
	ProcessBlockErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SpeakingResult is returned by Speaking.
	SpeakingResult bool

	// --- Call records ---

	// Blocks records a copy of every block passed to ProcessBlock.
	Blocks []audio.SampleBlock

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessBlock records the block and returns the next scripted event.
// Scripted VADSpeechStart events also fire Config.OnActivate.
func (s *Session) ProcessBlock(block audio.SampleBlock) (vad.VADEvent, error) {
	s.mu.Lock()
	cp := make(audio.SampleBlock, len(block))
	copy(cp, block)
	s.Blocks = append(s.Blocks, cp)
	if s.ProcessBlockErr != nil {
		err := s.ProcessBlockErr
		s.mu.Unlock()
		return vad.VADEvent{}, err
	}
	ev := s.EventResult
	if len(s.Script) > 0 {
		ev = s.Script[0]
		s.Script = s.Script[1:]
	}
	onActivate := s.cfg.OnActivate
	s.mu.Unlock()

	if ev.Type == vad.VADSpeechStart && onActivate != nil {
		onActivate(ev)
	}
	return ev, nil
}

// Speaking returns SpeakingResult.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SpeakingResult
}

// FireDeactivate calls Config.OnDeactivate with ev on the caller's goroutine.
func (s *Session) FireDeactivate(ev vad.VADEvent) {
	s.mu.Lock()
	cb := s.cfg.OnDeactivate
	s.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Closes returns CloseCallCount.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ vad.SessionHandle = (*Session)(nil)
