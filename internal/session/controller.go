// Package session drives one voice conversation over one duplex channel.
//
// A [Controller] owns the channel, the capture segmenter and the playback
// scheduler for the lifetime of the session. It moves through
//
//	Idle → Connecting → Ready ⇄ Recording → Closed
//
// and can fail from any non-terminal state. State changes, relay status lines
// and non-fatal errors are published on [Controller.Events].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicerelay/internal/capture"
	"github.com/MrWong99/voicerelay/internal/channel"
	"github.com/MrWong99/voicerelay/internal/clock"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/playback"
	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
)

const defaultEventBuffer = 256

// Dialer opens the session's channel.
type Dialer func(ctx context.Context) (channel.Channel, error)

// Config holds the collaborators and settings of a [Controller].
type Config struct {
	// Dial opens the channel to the relay. Required.
	Dial Dialer

	// Capture is the microphone. Required.
	Capture audio.CaptureSource

	// Output lazily opens the speaker. Required.
	Output audio.OutputOpener

	// VAD creates one detector session per recording. Required.
	VAD vad.Engine

	// VADConfig tunes the detector. Zero values take the VAD defaults.
	VADConfig vad.Config

	// SampleRate is the capture rate. Defaults to [audio.CaptureSampleRate].
	SampleRate int

	// BlockSize is the capture block length. Defaults to [audio.BlockSize].
	BlockSize int

	// PlaybackSampleRate is the rate of inbound PCM16 audio. Defaults to
	// [audio.DefaultPlaybackSampleRate].
	PlaybackSampleRate int

	// TurnMode defaults to [TurnSingle].
	TurnMode TurnMode

	// CommitOnStop sends commit_audio when StopRecording interrupts an
	// utterance that the VAD has not yet committed.
	CommitOnStop bool
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithClock sets the clock used for playback scheduling. Defaults to
// [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// WithEventBuffer sets the capacity of the events channel. Events are
// dropped, with a warning, when the consumer falls this far behind.
// Default: 256.
func WithEventBuffer(n int) Option {
	return func(ctl *Controller) {
		if n > 0 {
			ctl.events = make(chan Event, n)
		}
	}
}

// Controller runs a voice session. All methods are safe for concurrent use.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	metrics *observe.Metrics

	events  chan Event
	commits chan uint64 // recording generation whose utterance was committed
	done    chan struct{}

	mu       sync.Mutex
	state    State
	err      error
	ch       channel.Channel
	player   *playback.Scheduler
	seg      *capture.Segmenter
	rec      uint64 // recording generation
	quit     chan struct{}
	loopDone chan struct{}
}

// New returns an idle Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	var errs []error
	if cfg.Dial == nil {
		errs = append(errs, errors.New("dial is required"))
	}
	if cfg.Capture == nil {
		errs = append(errs, errors.New("capture source is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("output opener is required"))
	}
	if cfg.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if cfg.TurnMode == "" {
		cfg.TurnMode = TurnSingle
	}
	if !cfg.TurnMode.IsValid() {
		errs = append(errs, fmt.Errorf("unknown turn mode %q", cfg.TurnMode))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: new controller: %w", err)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.CaptureSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.BlockSize
	}
	if cfg.PlaybackSampleRate <= 0 {
		cfg.PlaybackSampleRate = audio.DefaultPlaybackSampleRate
	}
	cfg.VADConfig.SampleRate = cfg.SampleRate

	c := &Controller{
		cfg:     cfg,
		clock:   clock.Real{},
		commits: make(chan uint64, 8),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.events == nil {
		c.events = make(chan Event, defaultEventBuffer)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Events delivers state transitions, relay status lines and non-fatal
// errors. The channel is never closed; use [Controller.Done] to learn when
// the session has ended.
func (c *Controller) Events() <-chan Event { return c.events }

// Done is closed when the session reaches a terminal state.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure reason once the session is in StateFailed. It
// wraps [ErrChannel] or [ErrUpstreamFailure].
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Connect opens the channel. It returns once the channel is open; the
// session becomes Ready when the relay reports it, which is published as an
// event. A dial error moves the session to StateFailed.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("session: connect in state %s: %w", st, ErrInvalidState)
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	ch, err := c.cfg.Dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrChannel, err)
		if !c.state.Terminal() {
			c.failLocked(err)
		}
		return fmt.Errorf("session: connect: %w", err)
	}
	if c.state.Terminal() {
		// Closed while dialling.
		go audio.Drain(ch.Messages())
		_ = ch.Close()
		return fmt.Errorf("session: connect: %w", ErrInvalidState)
	}

	c.ch = ch
	c.player = playback.New(c.cfg.Output,
		playback.WithClock(c.clock),
		playback.WithSampleRate(c.cfg.PlaybackSampleRate),
		playback.WithMetrics(c.metrics),
		playback.WithOnError(func(err error) { c.emit(Event{Kind: EventError, Err: err}) }),
	)
	c.quit = make(chan struct{})
	c.loopDone = make(chan struct{})
	go c.loop(ch, c.quit, c.loopDone)
	slog.Info("session: channel open, waiting for relay")
	return nil
}

// Close tears the session down without a trailing commit and closes the
// channel. It waits for the inbound loop to exit. Closing a terminal
// session is a no-op.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	loopDone := c.loopDone
	c.teardownLocked()
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}
	return nil
}

// ── Recording ─────────────────────────────────────────────────────────────────

// StartRecording opens the microphone and starts streaming utterances. It is
// only allowed in StateReady. If the microphone cannot be opened the error
// (wrapping [audio.ErrCaptureUnavailable]) is returned and published, and the
// session stays Ready.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("session: start recording in state %s: %w", c.state, ErrInvalidState)
	}

	c.rec++
	gen := c.rec
	seg, err := capture.New(c.ch, c.cfg.VAD, c.cfg.VADConfig,
		capture.WithMetrics(c.metrics),
		capture.WithOnCommit(func(uint64) { c.postCommit(gen) }),
	)
	if err != nil {
		c.emit(Event{Kind: EventError, Err: err})
		return fmt.Errorf("session: start recording: %w", err)
	}
	if err := c.cfg.Capture.Start(c.cfg.SampleRate, c.cfg.BlockSize, seg.Process); err != nil {
		seg.Stop()
		if !errors.Is(err, audio.ErrCaptureUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrCaptureUnavailable, err)
		}
		slog.Warn("session: microphone unavailable", "err", err)
		c.emit(Event{Kind: EventError, Err: err})
		return fmt.Errorf("session: start recording: %w", err)
	}
	c.seg = seg
	c.setStateLocked(StateRecording)
	return nil
}

// StopRecording stops the microphone and returns to StateReady. When an
// utterance was in progress and CommitOnStop is set, it is committed after
// its last frame.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return fmt.Errorf("session: stop recording in state %s: %w", c.state, ErrInvalidState)
	}

	if c.stopCaptureLocked() && c.cfg.CommitOnStop {
		if err := c.ch.SendCommand(protocol.CommandCommitAudio); err != nil {
			slog.Warn("session: failed to send commit on stop", "err", err)
		} else {
			c.metrics.RecordCommit(context.Background(), "stop")
		}
	}
	c.setStateLocked(StateReady)
	return nil
}

// ── Playback ──────────────────────────────────────────────────────────────────

// RetryPlayback re-enables playback after the output device failed to open.
// The next audio frame from the relay tries to open it again. It is allowed
// in StateReady and StateRecording.
func (c *Controller) RetryPlayback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.player == nil || (c.state != StateReady && c.state != StateRecording) {
		return fmt.Errorf("session: retry playback in state %s: %w", c.state, ErrInvalidState)
	}
	c.player.Retry()
	slog.Info("session: playback re-enabled")
	return nil
}

// PlaybackAvailable reports whether inbound audio is being played. It is
// false after the output device failed to open until [Controller.RetryPlayback].
func (c *Controller) PlaybackAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player != nil && c.player.Available()
}

// stopCaptureLocked stops the device before the segmenter so that no block is
// processed after the segmenter stops. It reports whether an utterance was
// left uncommitted.
func (c *Controller) stopCaptureLocked() (pending bool) {
	if c.seg == nil {
		return false
	}
	if err := c.cfg.Capture.Stop(); err != nil {
		slog.Warn("session: stop capture", "err", err)
	}
	pending = c.seg.Stop()
	c.seg = nil
	return pending
}

// postCommit runs on the VAD hold timer's goroutine with the segmenter
// locked, so it only hands the commit to the inbound loop.
func (c *Controller) postCommit(gen uint64) {
	select {
	case c.commits <- gen:
	default:
		slog.Debug("session: commit notification dropped", "recording", gen)
	}
}

func (c *Controller) committed(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.TurnMode != TurnSingle || c.state != StateRecording || gen != c.rec {
		return
	}
	c.stopCaptureLocked()
	c.setStateLocked(StateReady)
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func (c *Controller) loop(ch channel.Channel, quit, done chan struct{}) {
	defer close(done)
	msgs := ch.Messages()
	for {
		select {
		case <-quit:
			return
		case gen := <-c.commits:
			c.committed(gen)
		case m, ok := <-msgs:
			if !ok {
				c.channelEnded(ch)
				return
			}
			c.handle(m)
		}
	}
}

func (c *Controller) handle(m channel.Message) {
	ctx := context.Background()
	c.metrics.RecordInbound(ctx, m.Kind.String())

	if m.Kind == channel.KindBinary {
		c.mu.Lock()
		player := c.player
		terminal := c.state.Terminal()
		c.mu.Unlock()
		if terminal {
			return
		}
		if err := player.Enqueue(m.Data); err != nil {
			slog.Debug("session: playback rejected frame", "err", err)
		}
		return
	}

	st := protocol.ParseStatus(m.Text())
	c.emit(Event{Kind: EventStatus, Status: st})

	c.mu.Lock()
	defer c.mu.Unlock()
	switch st.Kind {
	case protocol.StatusReady:
		if c.state == StateConnecting {
			c.setStateLocked(StateReady)
		}
	case protocol.StatusUpstreamFailure:
		if c.state.Terminal() {
			return
		}
		c.teardownLocked()
		c.failLocked(fmt.Errorf("%w: %s", ErrUpstreamFailure, st.Detail))
	}
}

func (c *Controller) channelEnded(ch channel.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.teardownLocked()
	if err := ch.Err(); err != nil {
		c.failLocked(fmt.Errorf("%w: %w", ErrChannel, err))
		return
	}
	slog.Info("session: channel closed by relay")
	c.setStateLocked(StateClosed)
}

// teardownLocked stops capture without a commit, then releases the player
// and the channel. It signals the inbound loop but does not wait for it.
func (c *Controller) teardownLocked() {
	c.stopCaptureLocked()
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}
	if c.player != nil {
		if err := c.player.Close(); err != nil {
			slog.Warn("session: close playback", "err", err)
		}
	}
	if c.ch != nil {
		go audio.Drain(c.ch.Messages())
		if err := c.ch.Close(); err != nil {
			slog.Warn("session: close channel", "err", err)
		}
	}
}

// ── State ─────────────────────────────────────────────────────────────────────

func (c *Controller) failLocked(err error) {
	c.err = err
	slog.Warn("session: failed", "err", err)
	c.setStateLocked(StateFailed)
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	slog.Debug("session: state", "from", c.state, "to", s)
	c.state = s
	c.metrics.RecordTransition(context.Background(), s.String())
	ev := Event{Kind: EventState, State: s}
	if s == StateFailed {
		ev.Err = c.err
	}
	c.emit(ev)
	if s.Terminal() {
		close(c.done)
	}
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("session: event dropped, consumer too slow", "kind", ev.Kind, "state", ev.State)
	}
}
