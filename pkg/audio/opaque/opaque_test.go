package opaque_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/audio/opaque"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wavBytes builds a canonical 16-bit PCM WAV file.
func wavBytes(t *testing.T, rate, channels int, samples []int16) []byte {
	t.Helper()
	var buf bytes.Buffer
	dataLen := len(samples) * 2
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate*channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

// oggCRC is the Ogg page checksum: CRC-32 with polynomial 0x04c11db7, no
// reflection, zero initial value.
func oggCRC(page []byte) uint32 {
	var crc uint32
	for _, b := range page {
		crc ^= uint32(b) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04c11db7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// oggPage frames one or more complete packets as page seq of a single
// logical stream. Page 0 carries the beginning-of-stream flag.
func oggPage(seq uint32, packets ...[]byte) []byte {
	var table []byte
	var body []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			table = append(table, 255)
			n -= 255
		}
		table = append(table, byte(n))
		body = append(body, p...)
	}
	hdr := make([]byte, 27)
	copy(hdr, "OggS")
	if seq == 0 {
		hdr[5] = 0x02
	}
	binary.LittleEndian.PutUint32(hdr[14:18], 1)
	binary.LittleEndian.PutUint32(hdr[18:22], seq)
	hdr[26] = byte(len(table))
	out := append(hdr, table...)
	out = append(out, body...)
	binary.LittleEndian.PutUint32(out[22:26], oggCRC(out))
	return out
}

func opusHead(channels int, preSkip uint16) []byte {
	h := make([]byte, 19)
	copy(h, "OpusHead")
	h[8] = 1
	h[9] = byte(channels)
	binary.LittleEndian.PutUint16(h[10:12], preSkip)
	binary.LittleEndian.PutUint32(h[12:16], 48000)
	return h
}

func sine(n, rate int, freq float64, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDecode_WAVMono(t *testing.T) {
	t.Parallel()

	in := []int16{0, 16384, -16384, 32767}
	got, err := opaque.Decode(wavBytes(t, 24000, 1, in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", got.SampleRate)
	}
	if len(got.Samples) != len(in) {
		t.Fatalf("len = %d, want %d", len(got.Samples), len(in))
	}
	for i, v := range in {
		want := float64(v) / 32768
		if math.Abs(float64(got.Samples[i])-want) > 1e-3 {
			t.Errorf("sample %d = %v, want %v", i, got.Samples[i], want)
		}
	}
}

func TestDecode_WAVStereoIsDownmixed(t *testing.T) {
	t.Parallel()

	in := []int16{16384, 0, -16384, -16384}
	got, err := opaque.Decode(wavBytes(t, 48000, 2, in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Samples) != 2 {
		t.Fatalf("len = %d, want 2 mono frames", len(got.Samples))
	}
	if math.Abs(float64(got.Samples[0])-0.25) > 1e-3 {
		t.Errorf("frame 0 = %v, want 0.25", got.Samples[0])
	}
	if math.Abs(float64(got.Samples[1])+0.5) > 1e-3 {
		t.Errorf("frame 1 = %v, want -0.5", got.Samples[1])
	}
}

func TestDecode_OggOpus(t *testing.T) {
	t.Parallel()

	const frame = 960 // 20 ms at 48 kHz
	enc, err := gopus.NewEncoder(48000, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := sine(frame*5, 48000, 440, 8000)

	var stream []byte
	stream = append(stream, oggPage(0, opusHead(1, 312))...)
	stream = append(stream, oggPage(1, []byte("OpusTags\x00\x00\x00\x00\x00\x00\x00\x00"))...)
	var packets [][]byte
	for i := 0; i < len(pcm); i += frame {
		pkt, err := enc.Encode(pcm[i:i+frame], frame, 4000)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		packets = append(packets, pkt)
	}
	stream = append(stream, oggPage(2, packets...)...)

	got, err := opaque.Decode(stream)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", got.SampleRate)
	}
	if want := len(pcm) - 312; len(got.Samples) != want {
		t.Errorf("len = %d, want %d (pre-skip removed)", len(got.Samples), want)
	}
	if audio.RMS(got.Samples) < 0.05 {
		t.Errorf("decoded RMS = %v, want an audible tone", audio.RMS(got.Samples))
	}
}

func TestDecode_OggWithoutOpusIsUnsupported(t *testing.T) {
	t.Parallel()

	stream := oggPage(0, []byte("\x01vorbis-not-really"))
	if _, err := opaque.Decode(stream); !errors.Is(err, opaque.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestDecode_TruncatedOgg(t *testing.T) {
	t.Parallel()

	page := oggPage(0, opusHead(1, 0))
	if _, err := opaque.Decode(page[:len(page)-4]); err == nil {
		t.Error("expected error for truncated page")
	}
}

func TestDecode_OggChecksumMismatch(t *testing.T) {
	t.Parallel()

	stream := oggPage(0, opusHead(1, 0))
	stream[len(stream)-1] ^= 0xff
	if _, err := opaque.Decode(stream); err == nil {
		t.Error("expected error for a page with a bad checksum")
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
	}{
		{"no container", []byte{1, 2, 3, 4, 5, 6}},
		{"empty", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := opaque.Decode(tc.in); !errors.Is(err, opaque.ErrUnsupportedFormat) {
				t.Errorf("err = %v, want ErrUnsupportedFormat", err)
			}
		})
	}

	t.Run("corrupt mp3", func(t *testing.T) {
		t.Parallel()
		in := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), bytes.Repeat([]byte{0x55}, 64)...)
		if _, err := opaque.Decode(in); err == nil {
			t.Error("expected error for ID3 header followed by garbage")
		}
	})
	t.Run("corrupt wav", func(t *testing.T) {
		t.Parallel()
		in := []byte("RIFF\x00\x00\x00\x00WAVEjunk")
		if _, err := opaque.Decode(in); err == nil {
			t.Error("expected error for truncated WAV")
		}
	})
}
