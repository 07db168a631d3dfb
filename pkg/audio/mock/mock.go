// Package mock provides in-memory implementations of [audio.CaptureSource]
// and [audio.OutputSink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{}
//	sink := &mock.Sink{}
//	opener := &mock.Opener{Sink: sink}
//	// ... start a session with capture and opener.Open ...
//	capture.Emit(loudBlock)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// StartCall records the arguments of a single [Capture.Start] invocation.
type StartCall struct {
	SampleRate int
	BlockSize  int
}

// Capture is a mock implementation of [audio.CaptureSource]. Blocks are
// delivered only when the test calls [Capture.Emit].
type Capture struct {
	mu sync.Mutex

	// StartErr is returned by Start. When set, the callback is not retained.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// StartCalls records all Start invocations.
	StartCalls []StartCall

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onBlock func(audio.SampleBlock)
}

// Start implements [audio.CaptureSource].
func (c *Capture) Start(sampleRate, blockSize int, onBlock func(audio.SampleBlock)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls = append(c.StartCalls, StartCall{SampleRate: sampleRate, BlockSize: blockSize})
	if c.StartErr != nil {
		return c.StartErr
	}
	c.onBlock = onBlock
	return nil
}

// Stop implements [audio.CaptureSource]. After Stop, Emit is a no-op.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.onBlock = nil
	return c.StopErr
}

// Emit delivers block to the registered callback on the caller's goroutine.
// It reports whether a callback was registered.
func (c *Capture) Emit(block audio.SampleBlock) bool {
	c.mu.Lock()
	cb := c.onBlock
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(block)
	return true
}

// Running reports whether a callback is currently registered.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onBlock != nil
}

var _ audio.CaptureSource = (*Capture)(nil)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Sink.Schedule] invocation.
type ScheduleCall struct {
	Audio   audio.DecodedAudio
	StartAt time.Time
}

// Sink is a mock implementation of [audio.OutputSink].
type Sink struct {
	mu sync.Mutex

	// ScheduleErr is returned by Schedule.
	ScheduleErr error

	// OnSchedule, if set, is called after each recorded Schedule. Tests use it
	// to wait for asynchronous playback work.
	OnSchedule func(ScheduleCall)

	// ScheduleCalls records all Schedule invocations in order.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Schedule implements [audio.OutputSink].
func (s *Sink) Schedule(buf audio.DecodedAudio, startAt time.Time) error {
	call := ScheduleCall{Audio: buf, StartAt: startAt}
	s.mu.Lock()
	s.ScheduleCalls = append(s.ScheduleCalls, call)
	hook, err := s.OnSchedule, s.ScheduleErr
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return err
}

// Close implements [audio.OutputSink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Calls returns a snapshot of ScheduleCalls.
func (s *Sink) Calls() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.ScheduleCalls))
	copy(out, s.ScheduleCalls)
	return out
}

// Closes returns CallCountClose.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

var _ audio.OutputSink = (*Sink)(nil)

// ─── Opener ───────────────────────────────────────────────────────────────────

// Opener provides an [audio.OutputOpener] backed by a fixed Sink.
type Opener struct {
	mu sync.Mutex

	// Sink is returned by Open when Err is nil.
	Sink audio.OutputSink

	// Err is returned by Open.
	Err error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open matches [audio.OutputOpener].
func (o *Opener) Open() (audio.OutputSink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpen++
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Sink, nil
}

// SetErr replaces Err.
func (o *Opener) SetErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Err = err
}

// Opens returns CallCountOpen.
func (o *Opener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountOpen
}
