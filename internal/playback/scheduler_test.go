package playback_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicerelay/internal/clock"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/playback"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/audio/mock"
)

var t0 = time.Unix(1_700_000_000, 0)

// pcmFrame returns a PCM16 frame of n samples at a constant level.
func pcmFrame(n int, v int16) []byte {
	b := make([]byte, 2*n)
	for i := range n {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func wavFrame(rate int, samples []int16) []byte {
	var buf bytes.Buffer
	dataLen := len(samples) * 2
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, []uint32{16})
	_ = binary.Write(&buf, binary.LittleEndian, []uint16{1, 1})
	_ = binary.Write(&buf, binary.LittleEndian, []uint32{uint32(rate), uint32(rate * 2)})
	_ = binary.Write(&buf, binary.LittleEndian, []uint16{2, 16})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

type harness struct {
	sched     *playback.Scheduler
	sink      *mock.Sink
	opener    *mock.Opener
	clk       *clock.Fake
	reader    *sdkmetric.ManualReader
	scheduled chan mock.ScheduleCall
}

func newHarness(t *testing.T, opts ...playback.Option) *harness {
	t.Helper()
	h := &harness{
		clk:       clock.NewFake(t0),
		scheduled: make(chan mock.ScheduleCall, 16),
	}
	h.sink = &mock.Sink{OnSchedule: func(c mock.ScheduleCall) { h.scheduled <- c }}
	h.opener = &mock.Opener{Sink: h.sink}

	h.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	opts = append([]playback.Option{
		playback.WithClock(h.clk),
		playback.WithMetrics(m),
	}, opts...)
	h.sched = playback.New(h.opener.Open, opts...)
	t.Cleanup(func() { _ = h.sched.Close() })
	return h
}

func (h *harness) enqueue(t *testing.T, frame []byte) {
	t.Helper()
	if err := h.sched.Enqueue(frame); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func (h *harness) next(t *testing.T) mock.ScheduleCall {
	t.Helper()
	select {
	case c := <-h.scheduled:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Schedule")
		return mock.ScheduleCall{}
	}
}

func (h *harness) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(observe.Attr(key, value).Key); ok && v.AsString() == value {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestScheduler_BackToBackWithoutOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// 2400 samples at 24 kHz = 100 ms each.
	for range 3 {
		h.enqueue(t, pcmFrame(2400, 1000))
	}

	for i := range 3 {
		c := h.next(t)
		want := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		if !c.StartAt.Equal(want) {
			t.Errorf("buffer %d starts at %v, want %v", i, c.StartAt.Sub(t0), want.Sub(t0))
		}
		if c.Audio.SampleRate != audio.DefaultPlaybackSampleRate {
			t.Errorf("buffer %d rate = %d, want %d", i, c.Audio.SampleRate, audio.DefaultPlaybackSampleRate)
		}
	}
}

func TestScheduler_ArrivalOrderIsPreserved(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	levels := []int16{100, 200, 300, 400, 500}
	for _, v := range levels {
		h.enqueue(t, pcmFrame(480, v))
	}
	var prevEnd time.Time
	for i, v := range levels {
		c := h.next(t)
		if got := int16(c.Audio.Samples[0] * 32768); got != v {
			t.Errorf("buffer %d level = %d, want %d", i, got, v)
		}
		if c.StartAt.Before(prevEnd) {
			t.Errorf("buffer %d overlaps its predecessor", i)
		}
		prevEnd = c.StartAt.Add(c.Audio.Duration())
	}
}

func TestScheduler_LateBufferStartsNow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t, pcmFrame(2400, 1))
	h.next(t)

	h.clk.Advance(time.Second)
	h.enqueue(t, pcmFrame(2400, 1))
	if c := h.next(t); !c.StartAt.Equal(t0.Add(time.Second)) {
		t.Errorf("late buffer starts at %v, want now (1s)", c.StartAt.Sub(t0))
	}
}

func TestScheduler_CustomPCMRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, playback.WithSampleRate(16000))
	h.enqueue(t, pcmFrame(1600, 1))
	c := h.next(t)
	if c.Audio.SampleRate != 16000 || c.Audio.Duration() != 100*time.Millisecond {
		t.Errorf("got rate %d duration %v, want 16000 and 100ms", c.Audio.SampleRate, c.Audio.Duration())
	}
}

func TestScheduler_OpensOutputLazilyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if n := h.opener.Opens(); n != 0 {
		t.Fatalf("opened output before any frame: %d", n)
	}
	for range 3 {
		h.enqueue(t, pcmFrame(100, 1))
		h.next(t)
	}
	if n := h.opener.Opens(); n != 1 {
		t.Errorf("Opens = %d, want 1", n)
	}
}

func TestScheduler_DecodeFailureDropsFrameAndContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t, []byte{1, 2, 3})
	h.enqueue(t, []byte{})
	h.enqueue(t, pcmFrame(240, 7))

	c := h.next(t)
	if len(c.Audio.Samples) != 240 {
		t.Fatalf("first scheduled buffer has %d samples, want the 240-sample frame", len(c.Audio.Samples))
	}
	if !c.StartAt.Equal(t0) {
		t.Errorf("dropped frames advanced the cursor: start %v", c.StartAt.Sub(t0))
	}
	if n := h.counter(t, "voicerelay.playback.decode_errors", "reason", "odd_length"); n != 1 {
		t.Errorf("odd_length decode errors = %d, want 1", n)
	}
	if n := h.counter(t, "voicerelay.playback.decode_errors", "reason", "empty"); n != 1 {
		t.Errorf("empty decode errors = %d, want 1", n)
	}
}

func TestScheduler_DecodesWAV(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t, wavFrame(44100, make([]int16, 4410)))
	c := h.next(t)
	if c.Audio.SampleRate != 44100 || len(c.Audio.Samples) != 4410 {
		t.Errorf("got %d samples at %d Hz, want 4410 at 44100", len(c.Audio.Samples), c.Audio.SampleRate)
	}
}

func TestScheduler_BrokenContainerFallsBackToPCM16(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	frame := append([]byte("OggS"), make([]byte, 6)...)
	h.enqueue(t, frame)
	c := h.next(t)
	if len(c.Audio.Samples) != len(frame)/2 {
		t.Errorf("fallback decoded %d samples, want %d", len(c.Audio.Samples), len(frame)/2)
	}
}

func TestScheduler_OutputUnavailableReportedOnceUntilRetry(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var errs []error
	errCh := make(chan struct{}, 4)
	h := newHarness(t, playback.WithOnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		errCh <- struct{}{}
	}))
	h.opener.SetErr(errors.New("no device"))

	h.enqueue(t, pcmFrame(100, 1))
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for error report")
	}
	if h.sched.Available() {
		t.Error("Available() = true after open failure")
	}
	h.enqueue(t, pcmFrame(100, 1))
	h.enqueue(t, pcmFrame(100, 1))

	h.opener.SetErr(nil)
	h.sched.Retry()
	h.enqueue(t, pcmFrame(333, 1))
	for {
		if c := h.next(t); len(c.Audio.Samples) == 333 {
			break
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("errors reported = %d, want 1", len(errs))
	}
	if !errors.Is(errs[0], audio.ErrPlaybackUnavailable) {
		t.Errorf("reported %v, want ErrPlaybackUnavailable", errs[0])
	}
	if n := h.opener.Opens(); n != 2 {
		t.Errorf("Opens = %d, want 2 (one failure, one retry)", n)
	}
}

func TestScheduler_OnScheduledHook(t *testing.T) {
	t.Parallel()

	items := make(chan playback.Item, 1)
	h := newHarness(t, playback.WithOnScheduled(func(it playback.Item) { items <- it }))
	h.enqueue(t, pcmFrame(2400, 1))
	select {
	case it := <-items:
		if !it.ScheduledAt.Equal(t0) || it.Audio.Duration() != 100*time.Millisecond {
			t.Errorf("item = %v @ %v", it.Audio.Duration(), it.ScheduledAt.Sub(t0))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for OnScheduled")
	}
}

func TestScheduler_CloseReleasesOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.enqueue(t, pcmFrame(100, 1))
	h.next(t)

	if err := h.sched.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.sched.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := h.sink.Closes(); n != 1 {
		t.Errorf("sink closed %d times, want 1", n)
	}
	if err := h.sched.Enqueue(pcmFrame(1, 1)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close: err = %v, want ErrClosed", err)
	}
}
