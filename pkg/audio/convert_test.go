package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	stereo := samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150, 32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []int16
		src, dst int
		wantLen  int
	}{
		{"same rate", []int16{100, 200, 300}, 48000, 48000, 3},
		{"upsample", []int16{1000, 2000}, 16000, 48000, 6},
		{"capture to upstream", make([]int16, 4096), 48000, 24000, 2048},
		{"zero src rate", []int16{100, 200}, 0, 48000, 2},
		{"zero dst rate", []int16{100, 200}, 48000, 0, 2},
		{"negative rate", []int16{100, 200}, -1, 48000, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.ResampleMono16(samplesToBytes(tc.in), tc.src, tc.dst))
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
		})
	}
}

func TestResampleMono16_InterpolatesEndpoints(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000))
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if last := got[len(got)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	frame := audio.AudioFrame{Data: samplesToBytes([]int16{100, 200}), SampleRate: 24000, Channels: 1}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice for matching format")
	}
}

func TestFormatConverter_CaptureToUpstream(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	frame := audio.AudioFrame{Data: samplesToBytes(make([]int16, 4096)), SampleRate: 48000, Channels: 1}
	result := conv.Convert(frame)
	if result.SampleRate != 24000 || result.Channels != 1 {
		t.Errorf("format = %dHz %dch, want 24000Hz 1ch", result.SampleRate, result.Channels)
	}
	if len(result.Data) != 4096 {
		t.Errorf("len = %d bytes, want 4096", len(result.Data))
	}
}

func TestFormatConverter_StereoDownmix(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	frame := audio.AudioFrame{Data: samplesToBytes([]int16{100, 300, 500, 700}), SampleRate: 48000, Channels: 2}
	got := bytesToSamples(conv.Convert(frame).Data)
	want := []int16{200, 600}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{22050, 24000} {
		conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
		result := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: rate, Channels: 1})
		if len(result.Data) != 0 {
			t.Errorf("src %d: expected empty data for odd byte count, got %d bytes", rate, len(result.Data))
		}
		if result.SampleRate != 24000 {
			t.Errorf("src %d: dropped frame should carry target rate, got %d", rate, result.SampleRate)
		}
	}
}

func TestResample_Float(t *testing.T) {
	t.Parallel()
	buf := audio.DecodedAudio{Samples: make([]float32, 2400), SampleRate: 24000}
	out := audio.Resample(buf, 48000)
	if out.SampleRate != 48000 {
		t.Errorf("rate = %d, want 48000", out.SampleRate)
	}
	if len(out.Samples) != 4800 {
		t.Errorf("len = %d, want 4800", len(out.Samples))
	}
	if out.Duration() != buf.Duration() {
		t.Errorf("duration changed: %v -> %v", buf.Duration(), out.Duration())
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 48000, Channels: 1}, "48000Hz mono"},
		{audio.Format{SampleRate: 24000, Channels: 2}, "24000Hz stereo"},
		{audio.Format{SampleRate: 16000, Channels: 6}, "16000Hz 6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
