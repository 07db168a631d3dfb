package vad

// VADEvent is the detection result for a block or an edge.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Energy is the RMS energy of the block that produced the event. Zero for
	// VADSpeechEnd, which is produced by the hold timer.
	Energy float64

	// Utterance numbers speech segments within a session, starting at 1. It
	// is zero for VADSilence.
	Utterance uint64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech or a quiet block inside the
	// hold window.
	VADSpeechContinue

	// VADSpeechEnd indicates the hold window elapsed without speech.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns a short lower-case name.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
