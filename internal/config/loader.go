package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"openai-realtime", "gemini-live"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// A relative instructions_file resolves against the directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
// A relative instructions_file resolves against the working directory.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, "")
}

func load(r io.Reader, dir string) (*Config, error) {
	cfg := &Config{dir: dir}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := cfg.resolveInstructions(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ClientQueue < 0 {
		errs = append(errs, fmt.Errorf("server.client_queue %d must not be negative", cfg.Server.ClientQueue))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	validateProviderName("s2s", cfg.Upstream.Name)
	if cfg.Upstream.BaseURL != "" {
		if err := validateWebSocketURL(cfg.Upstream.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("upstream.base_url: %w", err))
		}
	}
	if cfg.Upstream.StringOption("instructions") != "" && cfg.Upstream.StringOption("instructions_file") != "" {
		slog.Warn("upstream.options sets both instructions and instructions_file; instructions wins")
	}

	// Fallbacks
	seen := map[string]bool{cfg.Upstream.Name: true}
	for i, fb := range cfg.Fallbacks {
		key := fmt.Sprintf("fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", key))
			continue
		}
		validateProviderName("s2s", fb.Name)
		if seen[fb.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is already used by another upstream", key, fb.Name))
		}
		seen[fb.Name] = true
		if fb.BaseURL != "" {
			if err := validateWebSocketURL(fb.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("%s.base_url: %w", key, err))
			}
		}
	}

	// Audio
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.capture_sample_rate", cfg.Audio.CaptureSampleRate},
		{"audio.block_size", cfg.Audio.BlockSize},
		{"audio.playback_sample_rate", cfg.Audio.PlaybackSampleRate},
		{"audio.upstream_sample_rate", cfg.Audio.UpstreamSampleRate},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.v))
		}
	}

	// VAD
	validateProviderName("vad", cfg.VAD.Engine)
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.4f is out of range (0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.HoldMS < 0 {
		errs = append(errs, fmt.Errorf("vad.hold_ms %d must not be negative", cfg.VAD.HoldMS))
	}

	// Client
	if cfg.Client.TurnMode != "" && !cfg.Client.TurnMode.IsValid() {
		errs = append(errs, fmt.Errorf("client.turn_mode %q is invalid; valid values: single, continuous", cfg.Client.TurnMode))
	}
	if cfg.Client.RelayURL != "" {
		if err := validateWebSocketURL(cfg.Client.RelayURL); err != nil {
			errs = append(errs, fmt.Errorf("client.relay_url: %w", err))
		}
	}
	if cfg.Client.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("client.send_queue %d must not be negative", cfg.Client.SendQueue))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

func validateWebSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q is invalid; valid values: ws, wss", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
