// Package core owns the subsystem's global mutable state: the swap file,
// the tile cache, and the worker pool, each created by an explicit
// Bootstrap call and torn down by Shutdown (spec.md §9, design notes on
// singleton bootstrap). Order matters: swap, then cache, then pool at
// init; at teardown the pool is shrunk to one thread and then the swap
// file is closed. The cache has no teardown step of its own: Shutdown
// neither empties it nor stops its pre-swap agent goroutine.
package core

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pspoerri/pixelcore/internal/cache"
	"github.com/pspoerri/pixelcore/internal/config"
	"github.com/pspoerri/pixelcore/internal/parallel"
	"github.com/pspoerri/pixelcore/internal/swap"
)

// Engine bundles the three singletons a running process needs to create
// tile managers against: a swap file, a byte-budgeted cache, and a
// worker pool sized from configuration.
type Engine struct {
	mu sync.Mutex

	Swap      *swap.File
	Cache     *cache.Cache
	Processor *parallel.Processor

	watcher *config.Watcher
	metrics *metrics
}

var (
	current   *Engine
	currentMu sync.Mutex
)

// Bootstrap initialises the swap file, cache, and worker pool from cfg
// and subscribes to its hot-reloadable properties. Only one Engine may be
// bootstrapped per process at a time; call Shutdown before bootstrapping
// again.
func Bootstrap(watcher *config.Watcher) (*Engine, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current != nil {
		return nil, fmt.Errorf("core: already bootstrapped; call Shutdown first")
	}

	cfg := watcher.Current()

	sw, err := swap.Init(cfg.SwapPath)
	if err != nil {
		return nil, fmt.Errorf("core: swap init: %w", err)
	}
	if !sw.Test() {
		sw.Close()
		return nil, fmt.Errorf("core: swap path %q is not writable", cfg.SwapPath)
	}

	cacheSize := cfg.TileCacheSize
	if cacheSize <= 0 {
		cacheSize = ComputeDefaultCacheSize(DefaultCachePressurePercent, false)
		if cacheSize <= 0 {
			cacheSize = 256 * 1024 * 1024
		}
	}
	c := cache.New(cacheSize, sw)

	numThreads := cfg.NumProcessors
	if numThreads <= 0 {
		numThreads = defaultNumProcessors()
	}
	proc := parallel.New(numThreads)

	e := &Engine{
		Swap:      sw,
		Cache:     c,
		Processor: proc,
		watcher:   watcher,
		metrics:   newMetrics(),
	}

	watcher.OnCacheSizeChange(func(n int64) {
		if n > 0 {
			e.Cache.SetSize(n)
		}
	})
	watcher.OnNumProcessorsChange(func(n int) {
		if n > 0 {
			e.Processor.SetNumThreads(n)
		}
	})

	current = e
	return e, nil
}

// Shutdown shrinks the worker pool to one thread, unregisters metrics,
// and closes (and removes) the swap file, in that order. The cache is left
// as it is; tiles it still holds are not written out or freed.
func (e *Engine) Shutdown() error {
	currentMu.Lock()
	defer currentMu.Unlock()

	e.Processor.SetNumThreads(1)
	e.metrics.unregister()

	err := e.Swap.Close()

	if current == e {
		current = nil
	}
	return err
}

// UpdateMetrics refreshes the exported gauges from the engine's current
// state. Callers poll this periodically (e.g. from a /metrics scrape
// hook or a ticker in cmd/pixelcore-bench).
func (e *Engine) UpdateMetrics() {
	e.metrics.cacheBytes.Set(float64(e.Cache.CurrentBytes()))
	e.metrics.cacheDirtyBytes.Set(float64(e.Cache.DirtyBytes()))
	e.metrics.swapGapCount.Set(float64(e.Swap.GapCount()))
	e.metrics.processorInFlight.Set(float64(e.Processor.InFlight()))
}

func defaultNumProcessors() int {
	return numCPU()
}

type metrics struct {
	cacheBytes        prometheus.Gauge
	cacheDirtyBytes   prometheus.Gauge
	swapGapCount      prometheus.Gauge
	processorInFlight prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcore",
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Current bytes held in the tile cache across both clean and dirty lists.",
		}),
		cacheDirtyBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcore",
			Subsystem: "cache",
			Name:      "dirty_bytes",
			Help:      "Current bytes held on the cache's dirty list, awaiting swap-out.",
		}),
		swapGapCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcore",
			Subsystem: "swap",
			Name:      "gap_count",
			Help:      "Number of free byte ranges tracked by the swap file's gap allocator.",
		}),
		processorInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcore",
			Subsystem: "processor",
			Name:      "in_flight_portions",
			Help:      "Number of pixel-region portions currently claimed by a worker.",
		}),
	}
	prometheus.MustRegister(m.cacheBytes, m.cacheDirtyBytes, m.swapGapCount, m.processorInFlight)
	return m
}

func (m *metrics) unregister() {
	prometheus.Unregister(m.cacheBytes)
	prometheus.Unregister(m.cacheDirtyBytes)
	prometheus.Unregister(m.swapGapCount)
	prometheus.Unregister(m.processorInFlight)
}
