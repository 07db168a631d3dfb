// Package energy implements vad.Engine with an RMS energy threshold and a
// hold timer for hysteresis.
//
// A block louder than the threshold activates the session immediately. Once
// speaking, the first block at or below the threshold arms a hold timer; any
// louder block before it fires cancels it. When the timer fires the session
// returns to silent and [vad.Config.OnDeactivate] is called.
package energy

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/internal/clock"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithClock sets the clock used for hold timers. Defaults to [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine creates energy-threshold VAD sessions.
type Engine struct {
	clock clock.Clock
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{clock: clock.Real{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg, applies defaults and returns a silent session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("energy: threshold %v must not be negative", cfg.Threshold)
	}
	if cfg.Hold < 0 {
		return nil, fmt.Errorf("energy: hold %v must not be negative", cfg.Hold)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = vad.DefaultThreshold
	}
	if cfg.Hold == 0 {
		cfg.Hold = vad.DefaultHold
	}
	return &session{cfg: cfg, clock: e.clock}, nil
}

// session is the per-stream detector state.
type session struct {
	cfg   vad.Config
	clock clock.Clock

	mu           sync.Mutex
	speaking     bool
	silenceSince time.Time
	hold         clock.Timer
	// gen invalidates hold timers that were stopped too late to be prevented.
	gen       uint64
	utterance uint64
	closed    bool
}

func (s *session) ProcessBlock(block audio.SampleBlock) (vad.VADEvent, error) {
	rms := audio.RMS(block)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return vad.VADEvent{}, vad.ErrSessionClosed
	}

	if rms > s.cfg.Threshold {
		s.cancelHoldLocked()
		if s.speaking {
			ev := vad.VADEvent{Type: vad.VADSpeechContinue, Energy: rms, Utterance: s.utterance}
			s.mu.Unlock()
			return ev, nil
		}
		s.speaking = true
		s.utterance++
		ev := vad.VADEvent{Type: vad.VADSpeechStart, Energy: rms, Utterance: s.utterance}
		onActivate := s.cfg.OnActivate
		s.mu.Unlock()
		if onActivate != nil {
			onActivate(ev)
		}
		return ev, nil
	}

	if !s.speaking {
		s.mu.Unlock()
		return vad.VADEvent{Type: vad.VADSilence, Energy: rms}, nil
	}

	if s.hold == nil {
		s.silenceSince = s.clock.Now()
		gen := s.gen
		s.hold = s.clock.AfterFunc(s.cfg.Hold, func() { s.expire(gen) })
	}
	ev := vad.VADEvent{Type: vad.VADSpeechContinue, Energy: rms, Utterance: s.utterance}
	s.mu.Unlock()
	return ev, nil
}

// expire runs on the hold timer's goroutine.
func (s *session) expire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen || !s.speaking {
		s.mu.Unlock()
		return
	}
	s.speaking = false
	s.hold = nil
	s.silenceSince = time.Time{}
	s.gen++
	ev := vad.VADEvent{Type: vad.VADSpeechEnd, Utterance: s.utterance}
	onDeactivate := s.cfg.OnDeactivate
	s.mu.Unlock()

	if onDeactivate != nil {
		onDeactivate(ev)
	}
}

// cancelHoldLocked stops a pending hold timer. Must be called with s.mu held.
func (s *session) cancelHoldLocked() {
	if s.hold == nil {
		return
	}
	s.hold.Stop()
	s.hold = nil
	s.silenceSince = time.Time{}
	s.gen++
}

func (s *session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// SilenceSince returns when the current quiet stretch began, or the zero time
// when no hold timer is pending.
func (s *session) SilenceSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silenceSince
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelHoldLocked()
	s.speaking = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.cancelHoldLocked()
	s.closed = true
	return nil
}
