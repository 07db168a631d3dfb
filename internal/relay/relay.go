// Package relay bridges voice clients to a realtime speech provider.
//
// Each WebSocket accepted by [Server] gets its own upstream
// [s2s.SessionHandle], dialled from the first healthy provider in a
// [resilience.FallbackGroup]. Client PCM16 frames are converted to the provider's
// input rate and appended to the pending turn; commit_audio ends the turn.
// Reply audio flows back as binary frames and transcripts as status lines.
// The bridge ends when either side goes away.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicerelay/internal/channel"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/protocol"
	"github.com/MrWong99/voicerelay/internal/resilience"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/s2s"
)

const defaultConnectTimeout = 15 * time.Second

var (
	errClientClosed   = errors.New("relay: client closed")
	errUpstreamClosed = errors.New("relay: upstream closed")
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithSessionConfig sets the voice and instructions for every upstream session.
func WithSessionConfig(cfg s2s.SessionConfig) Option {
	return func(s *Server) { s.session.Store(&cfg) }
}

// WithProviderName labels the primary provider in metrics and logs.
// Default: "upstream".
func WithProviderName(name string) Option {
	return func(s *Server) { s.providerName = name }
}

// WithFallback registers a provider dialled when every earlier one fails or
// has an open breaker. Fallbacks are tried in the order given.
func WithFallback(name string, p s2s.Provider) Option {
	return func(s *Server) { s.fallbacks = append(s.fallbacks, namedProvider{name, p}) }
}

// WithCaptureSampleRate declares the rate of client PCM16 frames.
// Default: [audio.CaptureSampleRate].
func WithCaptureSampleRate(rate int) Option {
	return func(s *Server) { s.captureRate = rate }
}

// WithUpstreamSampleRate sets the rate client audio is converted to for
// providers whose capabilities leave the input rate unset. Default: the
// capture rate, i.e. no conversion.
func WithUpstreamSampleRate(rate int) Option {
	return func(s *Server) { s.upstreamRate = rate }
}

// WithPlaybackSampleRate sets the PCM16 rate clients play reply audio at.
// Reply audio is resampled when the provider's output rate differs.
// Default: the provider's output rate.
func WithPlaybackSampleRate(rate int) Option {
	return func(s *Server) { s.playbackRate = rate }
}

// WithBreakerConfig tunes the circuit breaker created for each provider.
// Zero fields take the [resilience.NewCircuitBreaker] defaults.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(s *Server) { s.breakerCfg = cfg }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracerProvider records session and connect spans on tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp.Tracer(observe.TracerName) }
}

// WithConnectTimeout bounds each upstream dial. Default: 15s.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) { s.connectTimeout = d }
}

// WithChannelOptions passes opts to [channel.Wrap] for every client.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(s *Server) { s.channelOpts = append(s.channelOpts, opts...) }
}

// WithAcceptOptions passes opts to [websocket.Accept].
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(s *Server) { s.accept = opts }
}

// ── Server ─────────────────────────────────────────────────────────────────────

type namedProvider struct {
	name     string
	provider s2s.Provider
}

// upstream is a dialled session together with the provider it came from.
type upstream struct {
	s2s.SessionHandle
	name string
	caps s2s.Capabilities
}

// Server is an [http.Handler] that upgrades requests to WebSockets and
// relays each one to its own upstream session.
type Server struct {
	session        atomic.Pointer[s2s.SessionConfig]
	providerName   string
	fallbacks      []namedProvider
	group          *resilience.FallbackGroup[s2s.Provider]
	captureRate    int
	upstreamRate   int
	playbackRate   int
	breakerCfg     resilience.CircuitBreakerConfig
	metrics        *observe.Metrics
	tracer         trace.Tracer
	candidates     []string
	connectTimeout time.Duration
	channelOpts    []channel.Option
	accept         *websocket.AcceptOptions
}

// New creates a Server relaying to provider, then to any fallbacks.
func New(provider s2s.Provider, opts ...Option) *Server {
	s := &Server{
		providerName:   "upstream",
		captureRate:    audio.CaptureSampleRate,
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.group = resilience.NewFallbackGroup(provider, s.providerName, resilience.FallbackConfig{CircuitBreaker: s.breakerCfg})
	s.candidates = []string{s.providerName}
	for _, f := range s.fallbacks {
		s.group.AddFallback(f.name, f.provider)
		s.candidates = append(s.candidates, f.name)
	}
	return s
}

// Breakers returns the circuit breaker of every provider, primary first.
func (s *Server) Breakers() []*resilience.CircuitBreaker {
	return s.group.Breakers()
}

// SetSessionConfig replaces the voice and instructions used for upstream
// sessions opened from now on. Bridges already running keep theirs.
func (s *Server) SetSessionConfig(cfg s2s.SessionConfig) {
	s.session.Store(&cfg)
}

// SessionConfig returns the settings the next upstream session will use.
func (s *Server) SessionConfig() s2s.SessionConfig {
	if p := s.session.Load(); p != nil {
		return *p
	}
	return s2s.SessionConfig{}
}

// ServeHTTP accepts the WebSocket and runs the bridge until either side ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, s.accept)
	if err != nil {
		observe.Logger(r.Context()).Warn("relay: websocket accept failed", "err", err)
		return
	}
	client := channel.Wrap(ws, s.channelOpts...)
	s.serve(r.Context(), client, r.RemoteAddr)
}

// Serve bridges an established client channel to a new upstream session and
// returns when the bridge ends. client is closed on return.
func (s *Server) Serve(ctx context.Context, client channel.Channel) {
	s.serve(ctx, client, "")
}

func (s *Server) serve(ctx context.Context, client channel.Channel, clientAddr string) {
	ctx, span := observe.StartSessionSpan(ctx, s.tracer, clientAddr)
	defer span.End()
	log := observe.Logger(ctx)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)
	defer client.Close()

	up, err := s.connect(ctx)
	if err != nil {
		log.Warn("relay: upstream unavailable", "err", err)
		observe.FailSpan(span, nil, "upstream connect failed")
		_ = client.SendText(protocol.UpstreamFailureStatus(err))
		return
	}
	defer up.Close()
	observe.SetProvider(span, up.name)

	up.OnError(func(err error) {
		log.Warn("relay: upstream error event", "provider", up.name, "err", err)
		s.metrics.RecordUpstreamError(ctx, up.name, "event")
		_ = client.SendText(protocol.ErrorStatus(err))
	})
	if err := client.SendText(protocol.ReadyStatus()); err != nil {
		log.Warn("relay: failed to send ready", "err", err)
		return
	}
	log.Info("relay: session ready", "provider", up.name)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpClient(gctx, client, up) })
	g.Go(func() error { return s.pumpUpstream(gctx, client, up) })

	switch err := g.Wait(); {
	case err == nil, errors.Is(err, errClientClosed), errors.Is(err, errUpstreamClosed):
		log.Info("relay: session ended")
	default:
		log.Warn("relay: session ended with error", "err", err)
		observe.FailSpan(span, err, "bridge failed")
		_ = client.SendText(protocol.ErrorStatus(err))
	}
}

// connect dials the first provider whose breaker admits the call and that
// accepts the session. Each dial is bounded by the connect timeout.
func (s *Server) connect(ctx context.Context) (*upstream, error) {
	ctx, span := observe.StartConnectSpan(ctx, s.tracer, s.candidates)
	defer span.End()

	cfg := s.SessionConfig()
	start := time.Now()
	up, name, err := resilience.Call(ctx, s.group, func(ctx context.Context, p s2s.Provider) (*upstream, error) {
		ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
		h, err := p.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &upstream{SessionHandle: h, caps: p.Capabilities()}, nil
	})
	if name == "" {
		name = s.providerName
	}
	s.metrics.UpstreamConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", name)))

	if err != nil {
		kind := "connect"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			kind = "circuit_open"
		}
		s.metrics.RecordUpstreamError(ctx, name, kind)
		observe.FailSpan(span, err, kind)
		return nil, err
	}
	observe.SetProvider(span, name)
	up.name = name
	return up, nil
}

// pumpClient forwards client audio and commands upstream.
func (s *Server) pumpClient(ctx context.Context, client channel.Channel, upstream *upstream) error {
	log := observe.Logger(ctx)
	inRate := upstream.caps.InputSampleRate
	if inRate <= 0 {
		inRate = s.upstreamRate
	}
	if inRate <= 0 {
		inRate = s.captureRate
	}
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: inRate, Channels: 1}}
	msgs := client.Messages()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				if err := client.Err(); err != nil {
					return fmt.Errorf("relay: client: %w", err)
				}
				return errClientClosed
			}

			if m.Kind == channel.KindBinary {
				if len(m.Data) == 0 {
					continue
				}
				frame := conv.Convert(audio.AudioFrame{Data: m.Data, SampleRate: s.captureRate, Channels: 1})
				if frame.Data == nil {
					s.metrics.RecordFrameDropped(ctx, "odd_length")
					continue
				}
				if err := upstream.SendAudio(frame.Data); err != nil {
					return fmt.Errorf("relay: send audio upstream: %w", err)
				}
				s.metrics.RecordRelayed(ctx, "upstream")
				continue
			}

			cmd, err := protocol.ParseCommand(m.Text())
			if err != nil {
				log.Debug("relay: ignoring client text", "text", m.Text(), "err", err)
				continue
			}
			if cmd == protocol.CommandCommitAudio {
				if err := upstream.Commit(); err != nil {
					return fmt.Errorf("relay: commit upstream: %w", err)
				}
				log.Debug("relay: turn committed")
			}
		}
	}
}

// pumpUpstream forwards reply audio and transcripts to the client.
func (s *Server) pumpUpstream(ctx context.Context, client channel.Channel, upstream *upstream) error {
	log := observe.Logger(ctx)
	outRate := upstream.caps.OutputSampleRate
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: s.playbackRate, Channels: 1}}
	if s.playbackRate <= 0 || outRate <= 0 {
		conv = nil
	}

	audioCh, transcripts := upstream.Audio(), upstream.Transcripts()
	for {
		select {
		case <-ctx.Done():
			return nil

		case chunk, ok := <-audioCh:
			if !ok {
				if err := upstream.Err(); err != nil {
					s.metrics.RecordUpstreamError(ctx, upstream.name, "session")
					return fmt.Errorf("relay: upstream: %w", err)
				}
				return errUpstreamClosed
			}
			if conv != nil {
				chunk = conv.Convert(audio.AudioFrame{Data: chunk, SampleRate: outRate, Channels: 1}).Data
				if chunk == nil {
					s.metrics.RecordFrameDropped(ctx, "odd_length")
					continue
				}
			}
			// Waiting here pushes back on the provider instead of cutting gaps
			// into the reply.
			if err := client.SendBinaryContext(ctx, chunk); err != nil {
				if errors.Is(err, channel.ErrClosed) {
					return errClientClosed
				}
				return nil
			}
			s.metrics.RecordRelayed(ctx, "downstream")

		case tr, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			if err := client.SendText(protocol.TranscriptStatus(tr.Role, tr.Text)); err != nil {
				log.Debug("relay: dropped transcript", "err", err)
			}
		}
	}
}
