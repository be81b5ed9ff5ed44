// Package config reads the four properties the core subsystem consumes
// (temp-path, swap-path, tile-cache-size, num-processors) and notifies
// subscribers when the two hot-reloadable ones change (spec.md §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the resolved subsystem configuration.
type Config struct {
	TempPath      string `mapstructure:"temp-path"`
	SwapPath      string `mapstructure:"swap-path"`
	TileCacheSize int64  `mapstructure:"tile-cache-size"`
	NumProcessors int    `mapstructure:"num-processors"`
}

// Watcher wraps a viper instance, re-unmarshalling into a Config and
// invoking registered callbacks whenever tile-cache-size or
// num-processors changes on disk. temp-path and swap-path are read once
// and never re-read, matching spec.md's "hot-reload: no" column.
type Watcher struct {
	mu  sync.Mutex
	v   *viper.Viper
	cur Config

	onCacheSize  []func(int64)
	onNumThreads []func(int)
}

// Load reads configuration from path (if non-empty) plus environment
// variables prefixed PIXELCORE_, applying defaults for any property left
// unset, and starts watching the file for changes to the two
// hot-reloadable properties.
func Load(path string) (*Watcher, error) {
	v := viper.New()
	v.SetEnvPrefix("PIXELCORE")
	v.AutomaticEnv()

	v.SetDefault("temp-path", os.TempDir())
	v.SetDefault("swap-path", filepath.Join(os.TempDir(), "pixelcore-swap"))
	v.SetDefault("tile-cache-size", int64(0)) // 0 = core computes a RAM-based default
	v.SetDefault("num-processors", 0)         // 0 = core uses runtime.NumCPU

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	w := &Watcher{v: v}
	if err := v.Unmarshal(&w.cur); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if path != "" {
		v.OnConfigChange(w.reload)
		v.WatchConfig()
	}

	return w, nil
}

func (w *Watcher) reload(_ fsnotify.Event) {
	w.mu.Lock()
	var next Config
	if err := w.v.Unmarshal(&next); err != nil {
		w.mu.Unlock()
		return
	}
	prevCache, prevThreads := w.cur.TileCacheSize, w.cur.NumProcessors
	w.cur.TileCacheSize = next.TileCacheSize
	w.cur.NumProcessors = next.NumProcessors
	cacheCbs := append([]func(int64){}, w.onCacheSize...)
	threadCbs := append([]func(int){}, w.onNumThreads...)
	w.mu.Unlock()

	if next.TileCacheSize != prevCache {
		for _, fn := range cacheCbs {
			fn(next.TileCacheSize)
		}
	}
	if next.NumProcessors != prevThreads {
		for _, fn := range threadCbs {
			fn(next.NumProcessors)
		}
	}
}

// Current returns a copy of the resolved configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// OnCacheSizeChange registers a callback invoked whenever tile-cache-size
// changes after a config reload.
func (w *Watcher) OnCacheSizeChange(fn func(int64)) {
	w.mu.Lock()
	w.onCacheSize = append(w.onCacheSize, fn)
	w.mu.Unlock()
}

// OnNumProcessorsChange registers a callback invoked whenever
// num-processors changes after a config reload.
func (w *Watcher) OnNumProcessorsChange(fn func(int)) {
	w.mu.Lock()
	w.onNumThreads = append(w.onNumThreads, fn)
	w.mu.Unlock()
}
