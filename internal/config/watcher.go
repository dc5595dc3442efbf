package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and reports effective changes. A reload is
// attempted when the file's size or mtime moves; the content hash and [Diff]
// then filter out touches, comment edits and reformatting, so onChange only
// sees configs that differ in a setting.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, updated *Config)

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
}

type fileStamp struct {
	mtime time.Time
	size  int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange func(old, updated *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, o := range opts {
		o(w)
	}
	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.stamp == fileStamp{mtime: info.ModTime(), size: info.Size()}
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		// Keep serving the last good config until the file is fixed.
		slog.Warn("config: reload rejected", "path", w.path, "err", err)
		w.mu.Lock()
		w.stamp = stamp
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	old := w.current
	sameBytes := sum == w.sum
	w.stamp, w.sum = stamp, sum
	if !sameBytes {
		w.current = cfg
	}
	w.mu.Unlock()

	if sameBytes {
		return
	}
	if Diff(old, cfg).Empty() {
		slog.Debug("config: file changed without effect", "path", w.path)
		return
	}
	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file. The stamp is filled in even when
// parsing fails so a broken file is not re-read on every tick.
func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, sum, err
	}
	stamp := fileStamp{mtime: info.ModTime(), size: info.Size()}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp, sum, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, sum, err
	}
	return cfg, stamp, sha256.Sum256(data), nil
}
