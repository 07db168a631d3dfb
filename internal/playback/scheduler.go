// Package playback plays audio frames received from the relay back-to-back
// on the output device.
//
// A [Scheduler] owns one worker goroutine. Frames are enqueued by the
// channel read loop and processed strictly in arrival order: classified,
// decoded, and scheduled on the output sink at
//
//	start = max(now, cursor); cursor = start + duration
//
// so consecutive buffers neither overlap nor reorder, and a buffer that
// arrives after the previous one has finished starts immediately.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/internal/clock"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/audio/opaque"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: scheduler closed")

const defaultQueueSize = 64

// Item is one buffer handed to the output sink.
type Item struct {
	Audio       audio.DecodedAudio
	ScheduledAt time.Time
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source for the playback cursor. Default: [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSampleRate sets the rate at which raw PCM16 frames are interpreted.
// Default: [audio.DefaultPlaybackSampleRate].
func WithSampleRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.pcmRate = hz
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithQueueSize sets how many undecoded frames may wait for the worker.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithOnError registers fn to receive errors that disable playback. It is
// called from the worker goroutine and must not block.
func WithOnError(fn func(error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// WithOnScheduled registers fn to observe every buffer handed to the sink.
// It is called from the worker goroutine and must not block.
func WithOnScheduled(fn func(Item)) Option {
	return func(s *Scheduler) { s.onScheduled = fn }
}

// ── Scheduler ──────────────────────────────────────────────────────────────────

// Scheduler decodes inbound frames and schedules them gaplessly on an
// output sink opened on first use.
type Scheduler struct {
	open        audio.OutputOpener
	clock       clock.Clock
	pcmRate     int
	metrics     *observe.Metrics
	queueSize   int
	onError     func(error)
	onScheduled func(Item)

	queue     chan []byte
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sink     audio.OutputSink
	disabled bool
	cursor   time.Time
}

// New creates a Scheduler and starts its worker. open is not called until
// the first frame needs playing.
func New(open audio.OutputOpener, opts ...Option) *Scheduler {
	s := &Scheduler{
		open:      open,
		clock:     clock.Real{},
		pcmRate:   audio.DefaultPlaybackSampleRate,
		queueSize: defaultQueueSize,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.queue = make(chan []byte, s.queueSize)
	go s.run()
	return s
}

// Enqueue hands frame to the worker. It blocks while the queue is full and
// returns [ErrClosed] once the scheduler is closed. The caller must not
// modify frame afterwards.
func (s *Scheduler) Enqueue(frame []byte) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.queue <- frame:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

// Retry re-enables playback after the output device failed to open. The
// next frame attempts to open it again.
func (s *Scheduler) Retry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = false
}

// Available reports whether playback is enabled.
func (s *Scheduler) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled
}

// Close stops the worker, discarding frames still queued, and releases the
// output device. Calling Close more than once is safe.
func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done

		s.mu.Lock()
		sink := s.sink
		s.sink = nil
		s.mu.Unlock()
		if sink != nil {
			if cerr := sink.Close(); cerr != nil {
				err = fmt.Errorf("playback: close output: %w", cerr)
			}
		}
	})
	return err
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case frame := <-s.queue:
			s.play(frame)
		}
	}
}

func (s *Scheduler) play(frame []byte) {
	ctx := context.Background()
	buf, err := s.decode(frame)
	if err != nil {
		slog.Warn("playback: dropping undecodable frame", "bytes", len(frame), "err", err)
		s.metrics.RecordDecodeError(ctx, decodeReason(err))
		return
	}

	sink, ok := s.acquireSink()
	if !ok {
		s.metrics.RecordFrameDropped(ctx, "playback_unavailable")
		return
	}

	s.mu.Lock()
	now := s.clock.Now()
	start := now
	if s.cursor.After(now) {
		start = s.cursor
	}
	s.mu.Unlock()

	if err := sink.Schedule(buf, start); err != nil {
		slog.Warn("playback: schedule failed", "err", err)
		s.metrics.RecordFrameDropped(ctx, "schedule_failed")
		return
	}

	dur := buf.Duration()
	s.mu.Lock()
	s.cursor = start.Add(dur)
	s.mu.Unlock()
	s.metrics.PlaybackScheduled.Add(ctx, dur.Seconds())
	if s.onScheduled != nil {
		s.onScheduled(Item{Audio: buf, ScheduledAt: start})
	}
}

// decode classifies frame and decodes it. Opaque payloads that fail to
// decode as a container are retried as raw PCM16.
func (s *Scheduler) decode(frame []byte) (audio.DecodedAudio, error) {
	c := audio.Classify(frame)
	switch c.Kind {
	case audio.PayloadPCM16:
		return audio.Decode16(frame, s.pcmRate)
	case audio.PayloadOpaque:
		buf, err := opaque.Decode(frame)
		if err == nil {
			return buf, nil
		}
		slog.Debug("playback: opaque decode failed, trying pcm16", "reason", c.Reason, "err", err)
		buf, perr := audio.Decode16(frame, s.pcmRate)
		if perr != nil {
			return audio.DecodedAudio{}, errors.Join(err, perr)
		}
		return buf, nil
	default:
		return audio.DecodedAudio{}, audio.ErrEmptyPayload
	}
}

// acquireSink returns the output sink, opening it on first use. A failed open
// is reported once and disables playback until Retry.
func (s *Scheduler) acquireSink() (audio.OutputSink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil, false
	}
	if s.sink != nil {
		return s.sink, true
	}

	sink, err := s.open()
	if err != nil {
		s.disabled = true
		if !errors.Is(err, audio.ErrPlaybackUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrPlaybackUnavailable, err)
		}
		slog.Error("playback: cannot open output device", "err", err)
		if s.onError != nil {
			s.onError(err)
		}
		return nil, false
	}
	s.sink = sink
	s.cursor = time.Time{}
	return sink, true
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrOddLength):
		return "odd_length"
	case errors.Is(err, audio.ErrEmptyPayload):
		return "empty"
	case errors.Is(err, opaque.ErrUnsupportedFormat):
		return "unsupported_format"
	default:
		return "corrupt"
	}
}
