package config

import (
	"fmt"
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Fields that take effect without a restart are tracked individually; the
// rest are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when the voice or instructions for new
	// upstream sessions changed. Sessions already bridged keep theirs.
	SessionChanged bool

	// RestartRequired names the changed keys that only apply after a restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session settings
	if old.Upstream.StringOption("voice") != new.Upstream.StringOption("voice") ||
		old.Instructions() != new.Instructions() {
		d.SessionChanged = true
	}

	// Everything else is bound at startup.
	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("server.client_queue", old.Server.ClientQueue != new.Server.ClientQueue)
	restart("upstream.name", old.Upstream.Name != new.Upstream.Name)
	restart("upstream.api_key", old.Upstream.APIKey != new.Upstream.APIKey)
	restart("upstream.base_url", old.Upstream.BaseURL != new.Upstream.BaseURL)
	restart("upstream.model", old.Upstream.Model != new.Upstream.Model)
	restart("upstream.options.transcription_model",
		old.Upstream.StringOption("transcription_model") != new.Upstream.StringOption("transcription_model"))
	restart("fallbacks", !slices.EqualFunc(old.Fallbacks, new.Fallbacks, sameProvider))
	restart("audio", old.Audio != new.Audio)
	restart("resilience", old.Resilience != new.Resilience)

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameProvider compares the fields a provider is constructed from.
func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && maps.EqualFunc(a.Options, b.Options, func(x, y any) bool {
			return fmt.Sprint(x) == fmt.Sprint(y)
		})
}
