// Package opaque decodes containerised audio that arrives on the playback
// path: WAV and MP3 through faiface/beep, Ogg/Opus through gopus.
//
// Decoded audio is always mono float32 at the source's native sample rate;
// callers resample as needed.
package opaque

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// ErrUnsupportedFormat is returned for payloads whose container is not
// recognised or whose codec is not supported.
var ErrUnsupportedFormat = errors.New("opaque: unsupported format")

// streamChunk is the number of stereo frames pulled from a beep streamer per
// Stream call.
const streamChunk = 2048

// Decode identifies the container of b and decodes it to mono audio.
func Decode(b []byte) (audio.DecodedAudio, error) {
	switch c := audio.DetectContainer(b); c {
	case audio.ContainerWAV:
		s, format, err := wav.Decode(bytes.NewReader(b))
		if err != nil {
			return audio.DecodedAudio{}, fmt.Errorf("opaque: wav: %w", err)
		}
		return drain(c, s, format)
	case audio.ContainerMP3:
		s, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(b)))
		if err != nil {
			return audio.DecodedAudio{}, fmt.Errorf("opaque: mp3: %w", err)
		}
		return drain(c, s, format)
	case audio.ContainerOgg:
		return decodeOggOpus(b)
	default:
		return audio.DecodedAudio{}, ErrUnsupportedFormat
	}
}

// drain reads s to the end, averaging both channels into one. beep presents
// mono sources with the sample duplicated on both channels.
func drain(c audio.Container, s beep.StreamSeekCloser, format beep.Format) (audio.DecodedAudio, error) {
	defer s.Close()

	var out []float32
	if n := s.Len(); n > 0 {
		out = make([]float32, 0, n)
	}
	buf := make([][2]float64, streamChunk)
	for {
		n, ok := s.Stream(buf)
		for _, frame := range buf[:n] {
			out = append(out, float32((frame[0]+frame[1])/2))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return audio.DecodedAudio{}, fmt.Errorf("opaque: %s: %w", c, err)
	}
	if len(out) == 0 {
		return audio.DecodedAudio{}, fmt.Errorf("opaque: %s: %w", c, audio.ErrEmptyPayload)
	}
	return audio.DecodedAudio{Samples: out, SampleRate: int(format.SampleRate)}, nil
}
