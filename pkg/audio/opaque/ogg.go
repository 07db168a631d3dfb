package opaque

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"layeh.com/gopus"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

const (
	// opusSampleRate is the rate Opus always decodes at.
	opusSampleRate = 48000

	// opusMaxFrameSize is the largest Opus frame (120 ms at 48 kHz), in
	// samples per channel.
	opusMaxFrameSize = 5760

	// oggIDPageSpan bounds where the OpusHead packet can start: a page
	// header plus a full segment table.
	oggIDPageSpan = 27 + 255 + 8
)

var (
	errCorruptOgg = errors.New("corrupt ogg stream")
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

// decodeOggOpus decodes a complete Ogg stream carrying a single Opus
// logical bitstream. Pages with a bad checksum are rejected.
func decodeOggOpus(b []byte) (audio.DecodedAudio, error) {
	if !bytes.Contains(b[:min(len(b), oggIDPageSpan)], opusHeadMagic) {
		return audio.DecodedAudio{}, fmt.Errorf("opaque: ogg: %w: not an opus stream", ErrUnsupportedFormat)
	}

	r, head, err := oggreader.NewWith(bytes.NewReader(b))
	if err != nil {
		return audio.DecodedAudio{}, fmt.Errorf("opaque: ogg: %w: %w", errCorruptOgg, err)
	}
	channels := int(head.Channels)
	if channels < 1 || channels > 2 {
		return audio.DecodedAudio{}, fmt.Errorf("opaque: ogg: %w: %d channels", ErrUnsupportedFormat, channels)
	}

	packets, err := oggPackets(r)
	if err != nil {
		return audio.DecodedAudio{}, fmt.Errorf("opaque: ogg: %w: %w", errCorruptOgg, err)
	}
	if len(packets) > 0 && bytes.HasPrefix(packets[0], opusTagsMagic) {
		packets = packets[1:]
	}

	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return audio.DecodedAudio{}, fmt.Errorf("opaque: opus decoder: %w", err)
	}

	var out []float32
	for i, pkt := range packets {
		if len(pkt) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			return audio.DecodedAudio{}, fmt.Errorf("opaque: opus packet %d: %w", i, err)
		}
		for j := 0; j+channels <= len(pcm); j += channels {
			var sum int32
			for c := range channels {
				sum += int32(pcm[j+c])
			}
			out = append(out, float32(sum)/float32(channels)/32768)
		}
	}

	preSkip := int(head.PreSkip)
	if preSkip >= len(out) {
		return audio.DecodedAudio{}, fmt.Errorf("opaque: ogg: %w", audio.ErrEmptyPayload)
	}
	return audio.DecodedAudio{Samples: out[preSkip:], SampleRate: opusSampleRate}, nil
}

// oggPackets reads the pages after the ID header and reassembles their
// packets. A packet spans lacing segments until one shorter than 255 bytes,
// possibly continuing onto the next page.
func oggPackets(r *oggreader.OggReader) ([][]byte, error) {
	var (
		packets [][]byte
		cur     []byte
	)
	for {
		segments, _, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, seg := range segments {
			cur = append(cur, seg...)
			if len(seg) < 255 {
				packets = append(packets, cur)
				cur = nil
			}
		}
	}
	if cur != nil {
		return nil, io.ErrUnexpectedEOF
	}
	return packets, nil
}
