package parallel

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pspoerri/pixelcore/internal/region"
	"github.com/pspoerri/pixelcore/internal/tile"
)

func TestProcessRunsInlineForSmallArea(t *testing.T) {
	// 2x2 tiles = 4, below minParallelTiles(8), so even with threads>1 the
	// whole traversal should run on the calling goroutine.
	m := tile.NewManager(tile.Width*2, tile.Height*2, tile.GRAY, nil, nil)
	defer m.Close()

	r, err := region.OverManager(m, 0, 0, tile.Width*2, tile.Height*2, true)
	if err != nil {
		t.Fatalf("OverManager: %v", err)
	}

	p := New(4)
	var portions int
	err = p.Process([]*region.Region{r}, func(portion *region.Portion) error {
		portions++ // safe without synchronization: inline execution only
		return nil
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if portions == 0 {
		t.Error("expected at least one portion processed")
	}
	if p.InFlight() != 0 {
		t.Errorf("InFlight() = %d after completion, want 0", p.InFlight())
	}
}

func TestProcessRunsParallelForLargeArea(t *testing.T) {
	// 4x4 tiles = 16, at or above minParallelTiles(8), with threads>1.
	m := tile.NewManager(tile.Width*4, tile.Height*4, tile.GRAY, nil, nil)
	defer m.Close()

	r, err := region.OverManager(m, 0, 0, tile.Width*4, tile.Height*4, true)
	if err != nil {
		t.Fatalf("OverManager: %v", err)
	}

	p := New(4)
	var portions atomic.Int64
	err = p.Process([]*region.Region{r}, func(portion *region.Portion) error {
		portions.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if portions.Load() != 16 {
		t.Errorf("portions processed = %d, want 16 (one per tile)", portions.Load())
	}
	if p.InFlight() != 0 {
		t.Errorf("InFlight() = %d after completion, want 0", p.InFlight())
	}
}

var errOperatorFailed = errors.New("operator failed")

func TestProcessPropagatesOperatorErrorInline(t *testing.T) {
	m := tile.NewManager(tile.Width*2, tile.Height*2, tile.GRAY, nil, nil)
	defer m.Close()

	r, err := region.OverManager(m, 0, 0, tile.Width*2, tile.Height*2, true)
	if err != nil {
		t.Fatalf("OverManager: %v", err)
	}

	p := New(1)
	var calls int
	err = p.Process([]*region.Region{r}, func(portion *region.Portion) error {
		calls++
		if calls == 1 {
			return errOperatorFailed
		}
		return nil
	})
	if !errors.Is(err, errOperatorFailed) {
		t.Fatalf("Process error = %v, want errOperatorFailed", err)
	}
}

func TestProcessPropagatesOperatorErrorParallel(t *testing.T) {
	m := tile.NewManager(tile.Width*4, tile.Height*4, tile.GRAY, nil, nil)
	defer m.Close()

	r, err := region.OverManager(m, 0, 0, tile.Width*4, tile.Height*4, true)
	if err != nil {
		t.Fatalf("OverManager: %v", err)
	}

	p := New(4)
	err = p.Process([]*region.Region{r}, func(portion *region.Portion) error {
		return errOperatorFailed
	})
	if !errors.Is(err, errOperatorFailed) {
		t.Fatalf("Process error = %v, want errOperatorFailed", err)
	}
}

func TestProcessProgressCallbackReachesComplete(t *testing.T) {
	m := tile.NewManager(tile.Width*2, tile.Height*2, tile.GRAY, nil, nil)
	defer m.Close()

	r, err := region.OverManager(m, 0, 0, tile.Width*2, tile.Height*2, true)
	if err != nil {
		t.Fatalf("OverManager: %v", err)
	}

	p := New(1)
	var mu sync.Mutex
	var last float64
	err = p.ProcessProgress([]*region.Region{r}, func(portion *region.Portion) error {
		return nil
	}, func(frac float64) {
		mu.Lock()
		last = frac
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("ProcessProgress: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if last != 1.0 {
		t.Errorf("final progress callback value = %v, want 1.0", last)
	}
}

func TestProcessParallelCorrectnessPairedInOut(t *testing.T) {
	// spec scenario: four workers, operator sets output = input + 1 on a
	// 512x512 RGB image. After completion every output pixel equals
	// input + 1 and no pixel is processed twice, verified via a paired
	// in/out region.
	const w, h, bpp = 512, 512, 3
	in := make([]byte, w*h*bpp)
	for i := range in {
		in[i] = byte(i % 200)
	}
	out := make([]byte, w*h*bpp)

	inRegion, err := region.OverBuffer(in, bpp, w*bpp, 0, 0, w, h)
	if err != nil {
		t.Fatalf("OverBuffer in: %v", err)
	}
	outRegion, err := region.OverBuffer(out, bpp, w*bpp, 0, 0, w, h)
	if err != nil {
		t.Fatalf("OverBuffer out: %v", err)
	}

	var touched atomic.Int64
	p := New(4)
	err = p.Process([]*region.Region{inRegion, outRegion}, func(portion *region.Portion) error {
		srcData, srcStride := portion.Data(0), portion.Stride(0)
		dstData, dstStride := portion.Data(1), portion.Stride(1)
		for row := 0; row < portion.H; row++ {
			srcRow := srcData[row*srcStride:]
			dstRow := dstData[row*dstStride:]
			for col := 0; col < portion.W*bpp; col++ {
				dstRow[col] = srcRow[col] + 1
			}
		}
		touched.Add(int64(portion.W * portion.H))
		return nil
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if touched.Load() != int64(w*h) {
		t.Errorf("pixels touched = %d, want %d (no double processing)", touched.Load(), w*h)
	}
	for i := range in {
		if out[i] != in[i]+1 {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], in[i]+1)
			break
		}
	}
}

func TestSetNumThreadsClampsToOne(t *testing.T) {
	p := New(4)
	p.SetNumThreads(0)
	if p.threads() != 1 {
		t.Errorf("threads() = %d after SetNumThreads(0), want 1", p.threads())
	}
}
