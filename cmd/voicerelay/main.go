// Command voicerelay serves the websocket voice relay: each client connection
// is bridged to its own upstream realtime speech session.
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
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/mattn/go-runewidth"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/provider/s2s"
	"github.com/MrWong99/voicerelay/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/voicerelay/pkg/provider/s2s/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file with provider API keys")
	watch := flag.Bool("watch", true, "reload voice, instructions and log level when the config changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voicerelay: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicerelay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voicerelay starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"upstream", cfg.Upstream.Name,
		"fallbacks", len(cfg.Fallbacks),
	)
	for _, entry := range append([]config.ProviderEntry{cfg.Upstream}, cfg.Fallbacks...) {
		if entry.ResolvedAPIKey() == "" {
			slog.Warn("no api key configured; set api_key or "+entry.APIKeyEnv(), "provider", entry.Name)
		}
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	upstreams := []string{cfg.Upstream.Name}
	for _, fb := range cfg.Fallbacks {
		upstreams = append(upstreams, fb.Name)
	}
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicerelay",
		Upstreams:   upstreams,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateS2S(cfg.Upstream)
	if err != nil {
		slog.Error("failed to build upstream provider", "name", cfg.Upstream.Name, "err", err)
		return 1
	}

	appOpts := []app.Option{
		app.WithMetricsHandler(promhttp.Handler()),
		app.WithLevelVar(level),
		app.WithCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Shutdown(ctx)
		}),
	}
	for _, entry := range cfg.Fallbacks {
		fb, err := reg.CreateS2S(entry)
		if err != nil {
			slog.Error("failed to build fallback provider", "name", entry.Name, "err", err)
			return 1
		}
		appOpts = append(appOpts, app.WithFallback(entry.Name, fb))
	}

	application, err := app.New(cfg, provider, appOpts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the upstream providers that ship with
// voicerelay into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{
			oais2s.WithModel(entry.Model),
			oais2s.WithBaseURL(entry.BaseURL),
		}
		if _, ok := entry.Options["transcription_model"]; ok {
			opts = append(opts, oais2s.WithTranscriptionModel(entry.StringOption("transcription_model")))
		}
		return oais2s.New(entry.ResolvedAPIKey(), opts...), nil
	})
	slog.Debug("registered provider", "kind", "s2s", "name", "openai-realtime")

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []gemini.Option{
			gemini.WithModel(entry.Model),
			gemini.WithBaseURL(entry.BaseURL),
		}
		if v, ok := entry.Options["transcription"].(bool); ok {
			opts = append(opts, gemini.WithTranscription(v))
		}
		return gemini.New(entry.ResolvedAPIKey(), opts...), nil
	})
	slog.Debug("registered provider", "kind", "s2s", "name", "gemini-live")
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicerelay: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Upstream", cfg.Upstream.Name+modelSuffix(cfg.Upstream.Model))
	for _, fb := range cfg.Fallbacks {
		printRow("Fallback", fb.Name+modelSuffix(fb.Model))
	}
	printRow("Voice", orDefault(cfg.Upstream.StringOption("voice"), "(provider default)"))
	printRow("Instructions", fmt.Sprintf("%d chars", utf8.RuneCountInString(cfg.Instructions())))
	printRow("Capture rate", fmt.Sprintf("%d Hz", cfg.Audio.CaptureSampleRate))
	printRow("Playback rate", fmt.Sprintf("%d Hz", cfg.Audio.PlaybackSampleRate))
	printRow("Breaker", fmt.Sprintf("%d fails / %s", cfg.Resilience.MaxFailures, cfg.Resilience.ResetTimeout))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	fmt.Printf("║  %-13s  : %s ║\n", kind, fitCell(value, 19))
}

// cellWidth measures terminal columns independent of the locale, so
// ambiguous-width runes such as the ellipsis count as one.
var cellWidth = &runewidth.Condition{StrictEmojiNeutral: true}

// fitCell truncates s to w terminal columns, marking the cut with an
// ellipsis, and pads it to exactly w.
func fitCell(s string, w int) string {
	return cellWidth.FillRight(cellWidth.Truncate(s, w, "…"), w)
}

func modelSuffix(model string) string {
	if model == "" {
		return ""
	}
	return " / " + model
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
