package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// PayloadKind is the outcome of classifying an inbound binary frame.
type PayloadKind int

const (
	// PayloadInvalid marks a frame that cannot be audio of any kind.
	PayloadInvalid PayloadKind = iota

	// PayloadPCM16 marks a frame to be decoded with [Decode16] at the
	// deployment's declared playback rate.
	PayloadPCM16

	// PayloadOpaque marks a frame to be handed to a container/codec decoder.
	PayloadOpaque
)

// String returns the lower-case name of the kind.
func (k PayloadKind) String() string {
	switch k {
	case PayloadPCM16:
		return "pcm16"
	case PayloadOpaque:
		return "opaque"
	default:
		return "invalid"
	}
}

// Container identifies an encoded-audio container by its magic bytes.
type Container string

const (
	ContainerNone Container = ""
	ContainerWAV  Container = "wav"
	ContainerMP3  Container = "mp3"
	ContainerOgg  Container = "ogg"
)

// Classification is the result of [Classify].
type Classification struct {
	Kind PayloadKind

	// Container is set when a known container header was found.
	Container Container

	// Reason is a short diagnostic suitable for logs and metric labels.
	Reason string
}

const (
	// shortClipBytes is the size at or below which an even-length payload is
	// assumed to be PCM16 without further inspection.
	shortClipBytes = 4096

	// sniffWords is the number of leading 16-bit words inspected for longer
	// payloads.
	sniffWords = 100

	// sniffMinRatio is the fraction of inspected words that must be in the
	// signed 16-bit range.
	sniffMinRatio = 0.8
)

// LooksLikePCM16 is a heuristic sniff for raw PCM16. Odd-length and empty
// payloads are rejected outright. Payloads up to 4096 bytes are accepted
// unconditionally (short-clip assumption). Longer payloads have up to 100
// leading words inspected and are accepted when at least 80% are within the
// signed 16-bit range.
//
// Every 16-bit word decodes in range, so for long payloads this is weak
// evidence and never proof. Prefer [Classify], which checks container magic
// bytes first.
func LooksLikePCM16(b []byte) bool {
	if len(b) == 0 || len(b)%2 != 0 {
		return false
	}
	if len(b) <= shortClipBytes {
		return true
	}
	n := min(len(b)/2, sniffWords)
	inRange := 0
	for i := range n {
		v := int32(int16(binary.LittleEndian.Uint16(b[i*2:])))
		if v >= math.MinInt16 && v <= math.MaxInt16 {
			inRange++
		}
	}
	return float64(inRange) >= sniffMinRatio*float64(n)
}

// Classify decides how an inbound binary frame should be decoded. A known
// container header wins over the size heuristic because it is a stronger
// signal; otherwise the frame is PCM16 when [LooksLikePCM16] accepts it and
// opaque when it does not.
//
// Bare MPEG frame sync is the exception: quiet PCM16 can start with the same
// bytes, so it only counts for payloads longer than the short-clip size.
// ID3-tagged MP3 is recognised at any length.
func Classify(b []byte) Classification {
	if len(b) == 0 {
		return Classification{Kind: PayloadInvalid, Reason: "empty"}
	}
	if c := DetectContainer(b); c != ContainerNone && !(len(b) <= shortClipBytes && bareMPEG(b)) {
		return Classification{Kind: PayloadOpaque, Container: c, Reason: "container " + string(c)}
	}
	if LooksLikePCM16(b) {
		if len(b) <= shortClipBytes {
			return Classification{Kind: PayloadPCM16, Reason: "short clip"}
		}
		return Classification{Kind: PayloadPCM16, Reason: "sample range"}
	}
	if len(b)%2 != 0 {
		return Classification{Kind: PayloadOpaque, Reason: "odd length"}
	}
	return Classification{Kind: PayloadOpaque, Reason: "sample range"}
}

// DetectContainer inspects the leading bytes of b for a RIFF/WAVE, MP3 (ID3
// tag or MPEG audio frame sync) or Ogg header. Frame sync alone is only
// trusted when a second, matching frame header follows the first frame.
func DetectContainer(b []byte) Container {
	switch {
	case len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return ContainerWAV
	case len(b) >= 4 && bytes.Equal(b[0:4], []byte("OggS")):
		return ContainerOgg
	case len(b) >= 3 && bytes.Equal(b[0:3], []byte("ID3")):
		return ContainerMP3
	case bareMPEG(b):
		return ContainerMP3
	}
	return ContainerNone
}

// bareMPEG reports whether b starts with two consecutive MPEG audio frames
// sharing version, layer and sample rate.
func bareMPEG(b []byte) bool {
	first, ok := parseMPEGHeader(b)
	if !ok || len(b) < first.length+4 {
		return false
	}
	next, ok := parseMPEGHeader(b[first.length:])
	return ok && next.version == first.version && next.layer == first.layer && next.rate == first.rate
}

// ── MPEG frame headers ──

// mpegHeader is the subset of an MPEG audio frame header needed to find the
// next frame.
type mpegHeader struct {
	version byte // 0 = 2.5, 2 = 2, 3 = 1
	layer   byte // 1 = III, 2 = II, 3 = I
	rate    int
	length  int
}

// mpegBitrates in kbit/s, indexed by [MPEG-1 ? 0 : 1][3-layer][index].
var mpegBitrates = [2][3][15]int{
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	},
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	},
}

// mpegRates in Hz, indexed by version then sample-rate index.
var mpegRates = [4][3]int{
	0: {11025, 12000, 8000},
	2: {22050, 24000, 16000},
	3: {44100, 48000, 32000},
}

// parseMPEGHeader decodes the 4-byte frame header at the start of b: 11 sync
// bits, a non-reserved version and layer, and valid bitrate and sample-rate
// indexes. Free-format frames are rejected since their length is unknown.
func parseMPEGHeader(b []byte) (mpegHeader, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return mpegHeader{}, false
	}
	h := mpegHeader{
		version: (b[1] >> 3) & 0x03,
		layer:   (b[1] >> 1) & 0x03,
	}
	bitrateIdx := b[2] >> 4
	rateIdx := (b[2] >> 2) & 0x03
	pad := int(b[2]>>1) & 0x01
	if h.version == 0x01 || h.layer == 0x00 || bitrateIdx == 0x0F || bitrateIdx == 0x00 || rateIdx == 0x03 {
		return mpegHeader{}, false
	}

	table := 1
	if h.version == 0x03 {
		table = 0
	}
	bitrate := mpegBitrates[table][3-h.layer][bitrateIdx] * 1000
	h.rate = mpegRates[h.version][rateIdx]

	switch {
	case h.layer == 0x03:
		h.length = (12*bitrate/h.rate + pad) * 4
	case h.layer == 0x01 && h.version != 0x03:
		h.length = 72*bitrate/h.rate + pad
	default:
		h.length = 144*bitrate/h.rate + pad
	}
	return h, h.length > 4
}
