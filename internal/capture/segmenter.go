// Package capture turns a stream of microphone blocks into utterances on the
// wire.
//
// A [Segmenter] feeds each block through a VAD session. While the session is
// speaking (including the hold window after speech dips below the threshold)
// every block is encoded to PCM16 and sent as one binary frame. When the VAD
// deactivates, exactly one commit_audio command is sent for that utterance.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
)

// Sender is the outbound half of a session channel. Both methods must be
// non-blocking: they enqueue and return, failing when the queue is full or
// the channel is closed.
type Sender interface {
	SendBinary(data []byte) error
	SendCommand(cmd protocol.Command) error
}

// Option is a functional option for configuring a Segmenter.
type Option func(*Segmenter)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Segmenter) { s.metrics = m }
}

// WithOnCommit registers fn to be called once the segmenter has committed
// utterance n, whether or not the command could be enqueued. fn runs with
// the segmenter locked and must not block or call back into the segmenter.
func WithOnCommit(fn func(n uint64)) Option {
	return func(s *Segmenter) { s.onCommit = fn }
}

// WithOnSpeechStart registers fn to be called when utterance n begins. The
// same restrictions as [WithOnCommit] apply.
func WithOnSpeechStart(fn func(n uint64)) Option {
	return func(s *Segmenter) { s.onSpeechStart = fn }
}

// Segmenter gates capture blocks by voice activity and frames utterances with
// commit commands. Process and Stop are safe to call from different
// goroutines.
type Segmenter struct {
	sender        Sender
	vad           vad.SessionHandle
	metrics       *observe.Metrics
	onCommit      func(uint64)
	onSpeechStart func(uint64)

	// mu is always acquired before the VAD session's own lock.
	mu        sync.Mutex
	open      uint64 // utterance whose frames are being sent, 0 if none
	committed uint64 // highest utterance a commit was sent for
	stopped   bool
}

// New creates a Segmenter with its own VAD session from engine. Zero values in
// cfg take the VAD defaults; its edge callbacks are overwritten.
func New(sender Sender, engine vad.Engine, cfg vad.Config, opts ...Option) (*Segmenter, error) {
	s := &Segmenter{sender: sender}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	cfg.OnActivate = nil
	cfg.OnDeactivate = s.deactivated
	h, err := engine.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("capture: create vad session: %w", err)
	}
	s.vad = h
	return s, nil
}

// Process runs one capture block through the VAD and sends it if speech is
// active. Blocks arriving after Stop are ignored.
func (s *Segmenter) Process(block audio.SampleBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	ev, err := s.vad.ProcessBlock(block)
	if err != nil {
		slog.Warn("capture: vad rejected block", "err", err)
		return
	}

	switch ev.Type {
	case vad.VADSpeechStart:
		// The hold timer for the previous utterance may have fired without its
		// deactivation reaching us yet. Its commit must precede this
		// utterance's first frame.
		if s.open != 0 && s.committed < s.open {
			s.commitLocked(s.open)
		}
		s.open = ev.Utterance
		slog.Debug("capture: speech started", "utterance", ev.Utterance, "rms", ev.Energy)
		if s.onSpeechStart != nil {
			s.onSpeechStart(ev.Utterance)
		}
		s.sendLocked(block)
	case vad.VADSpeechContinue:
		s.sendLocked(block)
	}
}

// deactivated is the VAD's OnDeactivate callback. It runs on the hold timer's
// goroutine after the VAD has released its own lock.
func (s *Segmenter) deactivated(ev vad.VADEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || ev.Utterance <= s.committed {
		return
	}
	s.commitLocked(ev.Utterance)
}

func (s *Segmenter) sendLocked(block audio.SampleBlock) {
	if err := s.sender.SendBinary(audio.Encode16(block)); err != nil {
		slog.Debug("capture: dropped frame", "utterance", s.open, "err", err)
		s.metrics.RecordFrameDropped(context.Background(), "send_failed")
		return
	}
	s.metrics.FramesSent.Add(context.Background(), 1)
}

func (s *Segmenter) commitLocked(n uint64) {
	s.committed = n
	if s.open == n {
		s.open = 0
	}
	if err := s.sender.SendCommand(protocol.CommandCommitAudio); err != nil {
		slog.Warn("capture: failed to send commit", "utterance", n, "err", err)
	} else {
		s.metrics.RecordCommit(context.Background(), "vad")
		slog.Debug("capture: utterance committed", "utterance", n)
	}
	if s.onCommit != nil {
		s.onCommit(n)
	}
}

// Pending reports whether an utterance has had frames sent but no commit.
func (s *Segmenter) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Segmenter) pendingLocked() bool {
	return s.open != 0 && s.committed < s.open
}

// Speaking reports whether the VAD currently considers speech active.
func (s *Segmenter) Speaking() bool {
	return s.vad.Speaking()
}

// Stop cancels any pending hold timer and disables the segmenter. No frame or
// commit is sent by the segmenter after Stop returns. It reports whether an
// utterance was left uncommitted, so the caller can decide whether to commit
// it. Calling Stop more than once returns false.
func (s *Segmenter) Stop() (pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	pending = s.pendingLocked()
	if err := s.vad.Close(); err != nil {
		slog.Warn("capture: close vad session", "err", err)
	}
	return pending
}
