// Package app wires the relay server subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the HTTP surface (relay
// websocket, health probes, metrics), Run serves until the context ends, and
// Shutdown drains connections and runs closers in order. Reload applies a
// changed configuration to the parts that support it.
//
// For testing, inject test doubles via functional options (WithMetrics,
// WithListener, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/internal/channel"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
	"github.com/MrWong99/voicerelay/internal/resilience"
	"github.com/MrWong99/voicerelay/pkg/provider/s2s"
)

// App owns all subsystem lifetimes of the relay server.
type App struct {
	cfg       *config.Config
	provider  s2s.Provider
	fallbacks []relay.Option

	// Subsystems, initialised in New.
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	relay          *relay.Server
	health         *health.Handler
	server         *http.Server
	listener       net.Listener

	// baseCtx parents every request context; cancelling it ends bridged
	// websocket sessions, which http.Server.Shutdown does not track.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics sink instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets Reload change the log level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithFallback registers a provider the relay dials when the primary (and
// every earlier fallback) is failing.
func WithFallback(name string, p s2s.Provider) Option {
	return func(a *App) { a.fallbacks = append(a.fallbacks, relay.WithFallback(name, p)) }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithCloser registers fn to run during Shutdown after the HTTP server stops.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App serving provider through a relay configured from cfg.
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	if cfg == nil || provider == nil {
		return nil, errors.New("app: config and provider are required")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Relay ─────────────────────────────────────────────────────────
	relayOpts := []relay.Option{
		relay.WithSessionConfig(sessionConfig(cfg)),
		relay.WithProviderName(cfg.Upstream.Name),
		relay.WithCaptureSampleRate(cfg.Audio.CaptureSampleRate),
		relay.WithUpstreamSampleRate(cfg.Audio.UpstreamSampleRate),
		relay.WithPlaybackSampleRate(cfg.Audio.PlaybackSampleRate),
		relay.WithBreakerConfig(resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
		}),
		relay.WithMetrics(a.metrics),
		relay.WithChannelOptions(channel.WithQueueSize(cfg.Server.ClientQueue)),
	}
	a.relay = relay.New(provider, append(relayOpts, a.fallbacks...)...)

	// ── 2. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.APIKeyChecker(cfg.Upstream.ResolvedAPIKey),
		health.BreakerChecker(a.relay.Breakers()...),
	)

	// ── 3. HTTP server ───────────────────────────────────────────────────
	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return a, nil
}

// Handler returns the full HTTP surface wrapped in the observe middleware:
// GET /ws upgrades to the relay, /healthz and /readyz report health, and
// /metrics serves the metrics handler when one was supplied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.relay)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Relay returns the websocket relay.
func (a *App) Relay() *relay.Server { return a.relay }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause);
// the caller then calls Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next: the log level and the
// session settings of upstream sessions opened from now on. Changes that need
// a restart are logged.
func (a *App) Reload(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.relay.SetSessionConfig(sessionConfig(next))
		slog.Info("upstream session settings reloaded", "voice", next.Upstream.StringOption("voice"))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, waits for in-flight requests within
// ctx, then runs closers in order. If ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		a.cancelBase()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func sessionConfig(cfg *config.Config) s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:        cfg.Upstream.StringOption("voice"),
		Instructions: cfg.Instructions(),
	}
}
