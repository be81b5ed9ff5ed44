// Package parallel fans a region.Iterator out to a fixed-size worker
// pool, invoking a user operator once per portion with progress reporting
// (spec.md §4.7). The worker loop mirrors the reference scheduling model:
// claim a portion under the iterator's own lock, run the operator
// unlocked, then release the portion's tiles.
package parallel

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pspoerri/pixelcore/internal/region"
	"github.com/pspoerri/pixelcore/internal/tile"
)

// Operator processes one portion of 1-4 aligned regions. Operators must
// be position-independent: the processor provides no ordering guarantee
// between portions.
type Operator func(p *region.Portion) error

// minParallelTiles is the tile-count floor below which the processor runs
// the whole traversal inline on the caller rather than paying goroutine
// dispatch overhead (spec.md §4.7: "< 8 tiles total, work is done inline").
const minParallelTiles = 8

// Processor is the fixed-size worker pool.
type Processor struct {
	mu         sync.Mutex
	numThreads int

	inFlight atomic.Int64
}

// New creates a processor with the given worker count (the default
// process-count comes from the config subsystem's num-processors
// property; see internal/config).
func New(numThreads int) *Processor {
	if numThreads < 1 {
		numThreads = 1
	}
	return &Processor{numThreads: numThreads}
}

// SetNumThreads grows or shrinks the pool. n=1 tears the pool down: later
// calls to Process run entirely on the calling goroutine.
func (p *Processor) SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.numThreads = n
	p.mu.Unlock()
}

func (p *Processor) threads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numThreads
}

// InFlight returns the number of portions currently claimed but not yet
// released, a proxy for queue depth exported via core's metrics.
func (p *Processor) InFlight() int64 {
	return p.inFlight.Load()
}

// Process registers the given regions and dispatches portions to the
// worker pool, invoking op once per portion.
func (p *Processor) Process(regions []*region.Region, op Operator) error {
	return p.ProcessProgress(regions, op, nil)
}

// ProcessProgress is Process plus a progress callback invoked
// approximately every 64ms with a fraction in [0, 1]. progress may be nil.
func (p *Processor) ProcessProgress(regions []*region.Region, op Operator, progress func(float64)) error {
	iter, ok := region.Register(regions)
	if !ok {
		return nil
	}

	rx, ry, rw, rh := iter.Bounds()
	tilesWide := (rw + tile.Width - 1) / tile.Width
	tilesHigh := (rh + tile.Height - 1) / tile.Height
	if tilesWide < 1 {
		tilesWide = 1
	}
	if tilesHigh < 1 {
		tilesHigh = 1
	}
	totalTiles := int64(tilesWide * tilesHigh)
	_ = rx
	_ = ry

	threads := p.threads()
	if threads <= 1 || totalTiles < minParallelTiles {
		return p.runInline(iter, op, totalTiles, progress)
	}
	return p.runParallel(iter, op, threads, totalTiles, progress)
}

func (p *Processor) runInline(iter *region.Iterator, op Operator, totalTiles int64, progress func(float64)) error {
	var done atomic.Int64
	stop := startProgress(&done, totalTiles, progress)
	defer stop()

	var prev *region.Portion
	for {
		next, ok := iter.Process(prev)
		if !ok {
			if prev != nil {
				iter.Finish(prev)
			}
			return nil
		}
		p.inFlight.Add(1)
		err := op(next)
		p.inFlight.Add(-1)
		if err != nil {
			iter.Release(next)
			return err
		}
		done.Add(1)
		prev = next
	}
}

func (p *Processor) runParallel(iter *region.Iterator, op Operator, threads int, totalTiles int64, progress func(float64)) error {
	var done atomic.Int64
	stop := startProgress(&done, totalTiles, progress)
	defer stop()

	var g errgroup.Group
	for w := 0; w < threads; w++ {
		g.Go(func() error {
			for {
				portion, ok := iter.Claim()
				if !ok {
					return nil
				}
				p.inFlight.Add(1)
				err := op(portion)
				p.inFlight.Add(-1)
				iter.Release(portion)
				if err != nil {
					return err
				}
				done.Add(1)
			}
		})
	}
	return g.Wait()
}

// startProgress launches a ~64ms ticker that reports done/total to
// progress until the returned stop function is called. No-op if progress
// is nil.
func startProgress(done *atomic.Int64, total int64, progress func(float64)) func() {
	if progress == nil {
		return func() {}
	}
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(64 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				frac := 0.0
				if total > 0 {
					frac = float64(done.Load()) / float64(total)
				}
				if frac > 1 {
					frac = 1
				}
				progress(frac)
			}
		}
	}()
	return func() {
		close(stopCh)
		frac := 1.0
		progress(frac)
	}
}
