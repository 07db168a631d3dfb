// Package portaudio binds [audio.CaptureSource] and [audio.OutputSink] to the
// host's default microphone and speakers through PortAudio.
//
// The real implementation needs cgo and the PortAudio C library and is only
// compiled with the "portaudio" build tag:
//
//	go build -tags portaudio ./cmd/voiceclient
//
// Without the tag every device reports [audio.ErrCaptureUnavailable] or
// [audio.ErrPlaybackUnavailable], so the client still runs (useful against a
// relay in CI) but cannot record or play.
//
// [audio.CaptureSource]: github.com/MrWong99/voicerelay/pkg/audio.CaptureSource
// [audio.OutputSink]: github.com/MrWong99/voicerelay/pkg/audio.OutputSink
// [audio.ErrCaptureUnavailable]: github.com/MrWong99/voicerelay/pkg/audio.ErrCaptureUnavailable
// [audio.ErrPlaybackUnavailable]: github.com/MrWong99/voicerelay/pkg/audio.ErrPlaybackUnavailable
package portaudio
