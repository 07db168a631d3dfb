package capture_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicerelay/internal/capture"
	"github.com/MrWong99/voicerelay/internal/channel"
	chmock "github.com/MrWong99/voicerelay/internal/channel/mock"
	"github.com/MrWong99/voicerelay/internal/clock"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
	"github.com/MrWong99/voicerelay/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/voicerelay/pkg/provider/vad/mock"
)

var blockDur = audio.SampleBlock(make([]float32, audio.BlockSize)).Duration(audio.CaptureSampleRate)

func constBlock(v float32) audio.SampleBlock {
	b := make(audio.SampleBlock, audio.BlockSize)
	for i := range b {
		b[i] = v
	}
	return b
}

var (
	loud  = constBlock(0.3)
	quiet = constBlock(0.001)
)

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

type fixture struct {
	seg *capture.Segmenter
	ch  *chmock.Channel
	clk *clock.Fake
}

func newFixture(t *testing.T, opts ...capture.Option) fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	ch := chmock.New()
	m, _ := testMetrics(t)
	opts = append([]capture.Option{capture.WithMetrics(m)}, opts...)
	seg, err := capture.New(ch, energy.New(energy.WithClock(clk)), vad.Config{SampleRate: audio.CaptureSampleRate}, opts...)
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	t.Cleanup(func() { seg.Stop() })
	return fixture{seg: seg, ch: ch, clk: clk}
}

// quietUntilCommit feeds quiet blocks, advancing the clock by one block each,
// until a commit has been sent. It returns how many quiet blocks were fed.
func (f fixture) quietUntilCommit(t *testing.T) int {
	t.Helper()
	before := countCommits(f.ch.Recorded())
	for i := 1; i <= 50; i++ {
		f.seg.Process(quiet)
		f.clk.Advance(blockDur)
		if countCommits(f.ch.Recorded()) > before {
			return i
		}
	}
	t.Fatal("no commit after 50 quiet blocks")
	return 0
}

func countCommits(msgs []channel.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Kind == channel.KindText && m.Text() == "commit_audio" {
			n++
		}
	}
	return n
}

func countFrames(msgs []channel.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Kind == channel.KindBinary {
			n++
		}
	}
	return n
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSegmenter_SilenceSendsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for range 20 {
		f.seg.Process(quiet)
		f.clk.Advance(blockDur)
	}
	if got := f.ch.Recorded(); len(got) != 0 {
		t.Errorf("sent %d messages during silence, want 0", len(got))
	}
}

func TestSegmenter_UtteranceFraming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for range 3 {
		f.seg.Process(loud)
	}
	quietSent := f.quietUntilCommit(t)

	msgs := f.ch.Recorded()
	// Every block processed while speaking is sent, including those inside the
	// hold window; the commit is last.
	if got, want := countFrames(msgs), 3+quietSent; got != want {
		t.Errorf("frames = %d, want %d", got, want)
	}
	if countCommits(msgs) != 1 {
		t.Fatalf("commits = %d, want 1", countCommits(msgs))
	}
	if last := msgs[len(msgs)-1]; last.Kind != channel.KindText {
		t.Error("commit is not the last message")
	}
	if !bytes.Equal(msgs[0].Data, audio.Encode16(loud)) {
		t.Error("first frame is not the PCM16 encoding of the first loud block")
	}
	if len(msgs[0].Data) != 2*audio.BlockSize {
		t.Errorf("frame length = %d, want %d", len(msgs[0].Data), 2*audio.BlockSize)
	}
	// The hold is 1000ms; quiet blocks are ~85ms each.
	if quietSent < 11 || quietSent > 13 {
		t.Errorf("commit after %d quiet blocks, want about 12", quietSent)
	}

	for range 10 {
		f.seg.Process(quiet)
		f.clk.Advance(blockDur)
	}
	if got := len(f.ch.Recorded()); got != len(msgs) {
		t.Errorf("silence after commit sent %d more messages", got-len(msgs))
	}
	if f.seg.Pending() {
		t.Error("Pending() = true after commit")
	}
}

func TestSegmenter_OneCommitPerUtterance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for range 3 {
		f.seg.Process(loud)
		f.quietUntilCommit(t)
	}

	msgs := f.ch.Recorded()
	if got := countCommits(msgs); got != 3 {
		t.Fatalf("commits = %d, want 3", got)
	}
	// Frames of each utterance precede its commit and follow the previous one.
	frames := 0
	for _, m := range msgs {
		if m.Kind == channel.KindBinary {
			frames++
			continue
		}
		if frames == 0 {
			t.Error("commit without any preceding frame")
		}
		frames = 0
	}
}

func TestSegmenter_StopMidUtteranceSendsNoCommit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seg.Process(loud)
	f.seg.Process(quiet)
	if !f.seg.Pending() {
		t.Fatal("Pending() = false during an utterance")
	}

	if pending := f.seg.Stop(); !pending {
		t.Error("Stop() = false, want true with an uncommitted utterance")
	}
	f.clk.Advance(5 * time.Second)
	f.seg.Process(loud)

	msgs := f.ch.Recorded()
	if countCommits(msgs) != 0 {
		t.Errorf("commits after Stop = %d, want 0", countCommits(msgs))
	}
	if countFrames(msgs) != 2 {
		t.Errorf("frames = %d, want 2 (nothing after Stop)", countFrames(msgs))
	}
	if f.seg.Stop() {
		t.Error("second Stop() = true, want false")
	}
}

func TestSegmenter_StopAfterCommitIsNotPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seg.Process(loud)
	f.quietUntilCommit(t)
	if f.seg.Stop() {
		t.Error("Stop() = true after the utterance was committed")
	}
}

func TestSegmenter_Hooks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var starts, commits []uint64
	f := newFixture(t,
		capture.WithOnSpeechStart(func(n uint64) { mu.Lock(); starts = append(starts, n); mu.Unlock() }),
		capture.WithOnCommit(func(n uint64) { mu.Lock(); commits = append(commits, n); mu.Unlock() }),
	)
	for range 2 {
		f.seg.Process(loud)
		f.quietUntilCommit(t)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 || starts[0] != 1 || starts[1] != 2 {
		t.Errorf("speech starts = %v, want [1 2]", starts)
	}
	if len(commits) != 2 || commits[0] != 1 || commits[1] != 2 {
		t.Errorf("commits = %v, want [1 2]", commits)
	}
}

func TestSegmenter_LateDeactivationCommitsBeforeNextUtterance(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Script: []vad.VADEvent{
		{Type: vad.VADSpeechStart, Utterance: 1},
		{Type: vad.VADSpeechStart, Utterance: 2},
	}}
	ch := chmock.New()
	m, _ := testMetrics(t)
	seg, err := capture.New(ch, &vadmock.Engine{Session: sess}, vad.Config{}, capture.WithMetrics(m))
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}

	seg.Process(loud)
	// The VAD has moved on to utterance 2 before utterance 1's deactivation
	// was delivered.
	seg.Process(loud)
	sess.FireDeactivate(vad.VADEvent{Type: vad.VADSpeechEnd, Utterance: 1})

	msgs := ch.Recorded()
	kinds := make([]channel.Kind, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Kind
	}
	want := []channel.Kind{channel.KindBinary, channel.KindText, channel.KindBinary}
	if len(kinds) != len(want) {
		t.Fatalf("sent %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("sent %v, want %v", kinds, want)
		}
	}

	sess.FireDeactivate(vad.VADEvent{Type: vad.VADSpeechEnd, Utterance: 2})
	if got := countCommits(ch.Recorded()); got != 2 {
		t.Errorf("commits = %d, want 2", got)
	}
	if seg.Pending() {
		t.Error("utterance 2 still pending after its commit")
	}
	if seg.Stop() {
		t.Error("Stop() = true with nothing pending")
	}
}

func TestSegmenter_SendFailuresAreCounted(t *testing.T) {
	t.Parallel()

	ch := chmock.New()
	ch.SendErr = channel.ErrQueueFull
	m, reader := testMetrics(t)
	clk := clock.NewFake(time.Unix(0, 0))
	seg, err := capture.New(ch, energy.New(energy.WithClock(clk)), vad.Config{}, capture.WithMetrics(m))
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	defer seg.Stop()

	seg.Process(loud)
	seg.Process(loud)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voicerelay.frames_dropped" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				dropped += dp.Value
			}
		}
	}
	if dropped != 2 {
		t.Errorf("dropped frames = %d, want 2", dropped)
	}
}

func TestNew_VADError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := capture.New(chmock.New(), &vadmock.Engine{NewSessionErr: boom}, vad.Config{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}
