//go:build portaudio

package portaudio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

var (
	_ audio.CaptureSource = (*Capture)(nil)
	_ audio.OutputSink    = (*Sink)(nil)
)

// outputFramesPerBuffer is 40 ms at 24 kHz.
const outputFramesPerBuffer = 960

// Available reports whether this binary was built with PortAudio support.
const Available = true

// Init initialises PortAudio. Call the returned function on shutdown.
func Init() (terminate func(), err error) {
	if err := pa.Initialize(); err != nil {
		return func() {}, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return func() { _ = pa.Terminate() }, nil
}

// ── Capture ────────────────────────────────────────────────────────────────────

// Capture reads fixed-size mono blocks from the default input device.
type Capture struct {
	mu     sync.Mutex
	stream *pa.Stream
	quit   chan struct{}
	done   chan struct{}
}

// NewCapture returns a stopped Capture.
func NewCapture() *Capture { return &Capture{} }

// Start opens the default input device and delivers blocks to onBlock from a
// dedicated goroutine. Starting a running Capture is a no-op.
func (c *Capture) Start(sampleRate, blockSize int, onBlock func(audio.SampleBlock)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}

	in := make([]float32, blockSize)
	stream, err := pa.OpenDefaultStream(1, 0, float64(sampleRate), blockSize, in)
	if err != nil {
		return fmt.Errorf("%w: open input stream: %w", audio.ErrCaptureUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: start input stream: %w", audio.ErrCaptureUnavailable, err)
	}

	c.stream = stream
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	go c.readLoop(stream, in, onBlock, c.quit, c.done)
	slog.Info("portaudio: capture started", "sample_rate", sampleRate, "block_size", blockSize)
	return nil
}

func (c *Capture) readLoop(stream *pa.Stream, in []float32, onBlock func(audio.SampleBlock), quit, done chan struct{}) {
	defer close(done)
	for {
		err := stream.Read()
		select {
		case <-quit:
			return
		default:
		}
		if err != nil {
			// Input overflow drops samples but the stream keeps running.
			slog.Debug("portaudio: read", "err", err)
			if err != pa.InputOverflowed {
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		block := make(audio.SampleBlock, len(in))
		copy(block, in)
		onBlock(block)
	}
}

// Stop stops the input stream and waits for the read goroutine to exit.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}

	close(c.quit)
	stopErr := c.stream.Stop()
	<-c.done
	closeErr := c.stream.Close()
	c.stream = nil
	slog.Info("portaudio: capture stopped")

	if stopErr != nil {
		return fmt.Errorf("portaudio: stop input stream: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("portaudio: close input stream: %w", closeErr)
	}
	return nil
}

// ── Sink ───────────────────────────────────────────────────────────────────────

type scheduled struct {
	buf     audio.DecodedAudio
	startAt time.Time
}

// Sink writes scheduled buffers to the default output device at its native
// sample rate.
type Sink struct {
	stream *pa.Stream
	out    []float32
	rate   int

	queue     chan scheduled
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenOutput opens the default output device. It matches [audio.OutputOpener].
func OpenOutput() (audio.OutputSink, error) {
	dev, err := pa.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrPlaybackUnavailable, err)
	}
	rate := int(dev.DefaultSampleRate)
	out := make([]float32, outputFramesPerBuffer)
	stream, err := pa.OpenDefaultStream(0, 1, float64(rate), len(out), out)
	if err != nil {
		return nil, fmt.Errorf("%w: open output stream: %w", audio.ErrPlaybackUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start output stream: %w", audio.ErrPlaybackUnavailable, err)
	}

	s := &Sink{
		stream: stream,
		out:    out,
		rate:   rate,
		queue:  make(chan scheduled, 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	slog.Info("portaudio: output opened", "device", dev.Name, "sample_rate", rate)
	return s, nil
}

// Schedule queues buf for playback at startAt.
func (s *Sink) Schedule(buf audio.DecodedAudio, startAt time.Time) error {
	select {
	case <-s.quit:
		return fmt.Errorf("portaudio: output closed")
	case s.queue <- scheduled{buf: buf, startAt: startAt}:
		return nil
	}
}

func (s *Sink) writeLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case item := <-s.queue:
			if wait := time.Until(item.startAt); wait > 0 {
				select {
				case <-time.After(wait):
				case <-s.quit:
					return
				}
			}
			if !s.write(audio.Resample(item.buf, s.rate).Samples) {
				return
			}
		}
	}
}

// write plays samples with blocking writes, zero-padding the last buffer.
func (s *Sink) write(samples []float32) bool {
	for len(samples) > 0 {
		n := copy(s.out, samples)
		clear(s.out[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil && err != pa.OutputUnderflowed {
			slog.Warn("portaudio: write", "err", err)
		}
		select {
		case <-s.quit:
			return false
		default:
		}
	}
	return true
}

// Close stops playback and releases the device.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		if serr := s.stream.Stop(); serr != nil {
			err = fmt.Errorf("portaudio: stop output stream: %w", serr)
		}
		if cerr := s.stream.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("portaudio: close output stream: %w", cerr)
		}
	})
	return err
}
