package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watcher polls a config file, and the instructions file it names, and calls
// a callback when either changes to a new valid configuration. It uses
// polling (not fsnotify) to keep dependencies minimal.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastStamp stamp
	lastHash  [sha256.Size]byte
}

// stamp is the modification time of the config file and of the instructions
// file it referenced when last loaded.
type stamp struct {
	config       time.Time
	instructions time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastStamp = w.stampFor(cfg)

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher and waits for an in-flight callback to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the config when a watched file's mtime moved and, if the
// content changed and is valid, swaps it in and calls onChange.
func (w *Watcher) check() {
	w.mu.Lock()
	cur, last := w.current, w.lastStamp
	w.mu.Unlock()

	if w.stampFor(cur) == last {
		return
	}

	cfg, hash, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}
	st := w.stampFor(cfg)

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but content is identical.
		w.lastStamp = st
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastStamp = st
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// stampFor stats the config file and the instructions file cfg references.
// Missing files yield a zero time, which still differs from a real mtime.
func (w *Watcher) stampFor(cfg *Config) stamp {
	var st stamp
	if info, err := os.Stat(w.path); err == nil {
		st.config = info.ModTime()
	}
	if p := instructionsPath(cfg); p != "" {
		if info, err := os.Stat(p); err == nil {
			st.instructions = info.ModTime()
		}
	}
	return st
}

// loadAndHash parses and validates the config file and returns it with a
// SHA-256 over the file and the resolved instructions. Invalid configs are
// returned as errors; the caller keeps the old one.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, error) {
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, err
	}
	cfg, err := load(bytes.NewReader(data), filepath.Dir(w.path))
	if err != nil {
		return nil, zeroHash, err
	}

	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(cfg.Instructions()))
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return cfg, sum, nil
}

// instructionsPath returns the resolved instructions_file of cfg, or "" when
// instructions come inline or are unset.
func instructionsPath(cfg *Config) string {
	if cfg == nil || cfg.Upstream.StringOption("instructions") != "" {
		return ""
	}
	p := cfg.Upstream.StringOption("instructions_file")
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) && cfg.dir != "" {
		p = filepath.Join(cfg.dir, p)
	}
	return p
}
