package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/internal/session"
	"github.com/MrWong99/voicerelay/pkg/audio"
)

// recorder is the part of [session.Controller] the terminal drives.
type recorder interface {
	State() session.State
	StartRecording() error
	StopRecording() error
	RetryPlayback() error
}

// commandLoop reads lines from in until EOF or "q". An empty line toggles
// recording, the terminal stand-in for a start/stop button. "r" re-enables
// playback after the speaker failed to open.
func commandLoop(in io.Reader, out io.Writer, r recorder) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "q", "quit", "exit":
			return
		case "":
			if err := toggle(r); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		case "r", "retry":
			if err := r.RetryPlayback(); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			fmt.Fprintln(out, "playback re-enabled")
		default:
			fmt.Fprintln(out, "press Enter to start/stop recording, r to retry playback, q to quit")
		}
	}
}

func toggle(r recorder) error {
	if r.State() == session.StateRecording {
		return r.StopRecording()
	}
	return r.StartRecording()
}

// printEvents writes one line per session event until done is closed, then
// flushes whatever is still buffered.
func printEvents(out io.Writer, events <-chan session.Event, done <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			fmt.Fprintln(out, formatEvent(ev))
		case <-done:
			for {
				select {
				case ev := <-events:
					fmt.Fprintln(out, formatEvent(ev))
				default:
					return
				}
			}
		}
	}
}

func formatEvent(ev session.Event) string {
	switch ev.Kind {
	case session.EventState:
		switch ev.State {
		case session.StateRecording:
			return "● recording… (press Enter to stop)"
		case session.StateReady:
			return "○ ready (press Enter to talk)"
		}
		return "[" + ev.State.String() + "]"
	case session.EventStatus:
		if ev.Status.Kind == protocol.StatusTranscript {
			if ev.Status.Role == "assistant" {
				return "assistant: " + ev.Status.Detail
			}
			return "you: " + ev.Status.Detail
		}
		return "relay: " + ev.Status.Text
	case session.EventError:
		if errors.Is(ev.Err, audio.ErrPlaybackUnavailable) {
			return fmt.Sprintf("! %v (type r to retry)", ev.Err)
		}
		return fmt.Sprintf("! %v", ev.Err)
	}
	return ""
}
