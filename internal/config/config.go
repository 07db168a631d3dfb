// Package config provides the configuration schema, loader, and provider registry
// for the voicerelay server and client.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/voicerelay/internal/session"
)

// APIKeyEnv is consulted when upstream.api_key is empty.
const APIKeyEnv = "OPENAI_API_KEY"

// providerKeyEnvs overrides [APIKeyEnv] for providers that use another
// vendor's key.
var providerKeyEnvs = map[string]string{
	"gemini-live": "GEMINI_API_KEY",
}

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]; unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure shared by cmd/voicerelay and
// cmd/voiceclient. It is typically loaded from a YAML file using [Load] or
// [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   ProviderEntry    `yaml:"upstream"`
	Fallbacks  []ProviderEntry  `yaml:"fallbacks"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Client     ClientConfig     `yaml:"client"`
	Resilience ResilienceConfig `yaml:"resilience"`

	dir          string
	instructions string
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ClientQueue bounds reply frames queued per client connection. Reply
	// audio waits for room, so a slow client slows its upstream session
	// down rather than losing audio. Default: 256.
	ClientQueue int `yaml:"client_queue"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry is the configuration for the upstream realtime provider.
type ProviderEntry struct {
	// Name selects the provider implementation registered in the [Registry].
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. When empty, the provider's
	// key variable is consulted by [ProviderEntry.ResolvedAPIKey].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier passed to the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific settings such as voice,
	// instructions, instructions_file and transcription_model.
	Options map[string]any `yaml:"options"`
}

// ResolvedAPIKey returns APIKey, falling back to the environment variable
// named by [ProviderEntry.APIKeyEnv].
func (p ProviderEntry) ResolvedAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	return os.Getenv(p.APIKeyEnv())
}

// APIKeyEnv names the environment variable holding the key for p's provider.
func (p ProviderEntry) APIKeyEnv() string {
	if env, ok := providerKeyEnvs[p.Name]; ok {
		return env
	}
	return APIKeyEnv
}

// StringOption returns Options[key] when it is a string, or "".
func (p ProviderEntry) StringOption(key string) string {
	s, _ := p.Options[key].(string)
	return s
}

// AudioConfig holds sample rates and block sizes for both directions.
type AudioConfig struct {
	// CaptureSampleRate is the microphone rate in Hz.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// BlockSize is the number of samples per capture block.
	BlockSize int `yaml:"block_size"`

	// PlaybackSampleRate is the rate reply audio is played at.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// UpstreamSampleRate is the PCM16 rate sent to providers that do not
	// declare an input rate of their own.
	UpstreamSampleRate int `yaml:"upstream_sample_rate"`
}

// VADConfig holds voice activity detection settings.
type VADConfig struct {
	// Engine selects the VAD implementation registered in the [Registry].
	Engine string `yaml:"engine"`

	// Threshold is the RMS level in (0, 1] separating speech from silence.
	Threshold float64 `yaml:"threshold"`

	// HoldMS is the continuous-quiet time, in milliseconds, that ends an
	// utterance.
	HoldMS int `yaml:"hold_ms"`
}

// Hold returns HoldMS as a duration.
func (v VADConfig) Hold() time.Duration {
	return time.Duration(v.HoldMS) * time.Millisecond
}

// ClientConfig holds cmd/voiceclient settings.
type ClientConfig struct {
	// RelayURL is the ws:// or wss:// endpoint of the relay.
	RelayURL string `yaml:"relay_url"`

	// TurnMode selects whether recording stops after each committed
	// utterance ("single") or keeps running ("continuous").
	TurnMode session.TurnMode `yaml:"turn_mode"`

	// CommitOnStop sends commit_audio when recording is stopped with an
	// uncommitted utterance. Nil means true.
	CommitOnStop *bool `yaml:"commit_on_stop"`

	// SendQueue bounds outbound frames queued on the channel.
	SendQueue int `yaml:"send_queue"`
}

// CommitsOnStop reports the effective CommitOnStop setting.
func (c ClientConfig) CommitsOnStop() bool {
	return c.CommitOnStop == nil || *c.CommitOnStop
}

// ResilienceConfig configures the circuit breaker kept for each upstream
// provider.
type ResilienceConfig struct {
	// MaxFailures trips a provider's breaker after this many consecutive dial
	// failures. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":3000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ClientQueue == 0 {
		c.Server.ClientQueue = 256
	}
	if c.Upstream.Name == "" {
		c.Upstream.Name = "openai-realtime"
	}
	if c.Audio.CaptureSampleRate == 0 {
		c.Audio.CaptureSampleRate = 48000
	}
	if c.Audio.BlockSize == 0 {
		c.Audio.BlockSize = 4096
	}
	if c.Audio.PlaybackSampleRate == 0 {
		c.Audio.PlaybackSampleRate = 24000
	}
	if c.Audio.UpstreamSampleRate == 0 {
		c.Audio.UpstreamSampleRate = 24000
	}
	if c.VAD.Engine == "" {
		c.VAD.Engine = "energy"
	}
	if c.VAD.Threshold == 0 {
		c.VAD.Threshold = 0.01
	}
	if c.VAD.HoldMS == 0 {
		c.VAD.HoldMS = 1000
	}
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = "ws://localhost:3000/ws"
	}
	if c.Client.TurnMode == "" {
		c.Client.TurnMode = session.TurnSingle
	}
	if c.Client.SendQueue == 0 {
		c.Client.SendQueue = 64
	}
	if c.Resilience.MaxFailures == 0 {
		c.Resilience.MaxFailures = 5
	}
	if c.Resilience.ResetTimeout == 0 {
		c.Resilience.ResetTimeout = 30 * time.Second
	}
}

// Instructions returns the system prompt for upstream sessions, resolved
// when the config was loaded.
func (c *Config) Instructions() string {
	return c.instructions
}

// resolveInstructions reads the inline "instructions" option, or else the
// file named by "instructions_file".
func (c *Config) resolveInstructions() error {
	if s := c.Upstream.StringOption("instructions"); s != "" {
		c.instructions = s
		return nil
	}
	path := instructionsPath(c)
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read instructions: %w", err)
	}
	c.instructions = strings.TrimSpace(string(b))
	return nil
}
