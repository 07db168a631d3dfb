// Command voiceclient is the terminal voice client: it records the
// microphone, cuts utterances with voice activity detection, streams them to
// a voicerelay server and plays the replies.
//
// Press Enter to start or stop recording, type q and Enter to quit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voicerelay/internal/channel"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/session"
	"github.com/MrWong99/voicerelay/pkg/audio/portaudio"
	"github.com/MrWong99/voicerelay/pkg/provider/vad"
	"github.com/MrWong99/voicerelay/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	relayURL := flag.String("url", "", "relay websocket URL, overrides client.relay_url")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "voiceclient: %v\n", err)
			return 1
		}
	}
	if *relayURL != "" {
		cfg.Client.RelayURL = *relayURL
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "voiceclient: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.SlogLevel()})))

	// ── Audio devices ─────────────────────────────────────────────────────────
	terminate, err := portaudio.Init()
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer terminate()
	if !portaudio.Available {
		slog.Warn("built without the portaudio tag; recording and playback will report unavailable")
	}

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})
	engine, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		slog.Error("failed to build VAD", "engine", cfg.VAD.Engine, "err", err)
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	ctl, err := session.New(session.Config{
		Dial: func(ctx context.Context) (channel.Channel, error) {
			return channel.Dial(ctx, cfg.Client.RelayURL, channel.WithQueueSize(cfg.Client.SendQueue))
		},
		Capture: portaudio.NewCapture(),
		Output:  portaudio.OpenOutput,
		VAD:     engine,
		VADConfig: vad.Config{
			SampleRate: cfg.Audio.CaptureSampleRate,
			Threshold:  cfg.VAD.Threshold,
			Hold:       cfg.VAD.Hold(),
		},
		SampleRate:         cfg.Audio.CaptureSampleRate,
		BlockSize:          cfg.Audio.BlockSize,
		PlaybackSampleRate: cfg.Audio.PlaybackSampleRate,
		TurnMode:           cfg.Client.TurnMode,
		CommitOnStop:       cfg.Client.CommitsOnStop(),
	})
	if err != nil {
		slog.Error("invalid session configuration", "err", err)
		return 1
	}
	defer ctl.Close()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("connecting to %s…\n", cfg.Client.RelayURL)
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = ctl.Connect(dialCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceclient: %v\n", err)
		return 1
	}

	go printEvents(os.Stdout, ctl.Events(), ctl.Done())
	fmt.Println("press Enter to start/stop recording, r to retry playback, q then Enter to quit")

	quit := make(chan struct{})
	go func() {
		commandLoop(os.Stdin, os.Stdout, ctl)
		close(quit)
	}()

	select {
	case <-ctx.Done():
	case <-quit:
	case <-ctl.Done():
	}

	if err := ctl.Close(); err != nil {
		slog.Warn("close error", "err", err)
	}
	if err := ctl.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "voiceclient: session ended: %v\n", err)
		return 1
	}
	return 0
}
