package region

import (
	"testing"

	"github.com/pspoerri/pixelcore/internal/tile"
)

func TestOverManagerBoundsCheck(t *testing.T) {
	m := tile.NewManager(100, 100, tile.RGBA, nil, nil)
	defer m.Close()

	if _, err := OverManager(m, 0, 0, 100, 100, false); err != nil {
		t.Errorf("full-extent region should be in bounds: %v", err)
	}
	if _, err := OverManager(m, 50, 50, 60, 10, false); err == nil {
		t.Error("region extending past width should error")
	}
	if _, err := OverManager(m, -1, 0, 10, 10, false); err == nil {
		t.Error("negative origin should error")
	}
}

func TestOverBufferRowstrideCheck(t *testing.T) {
	buf := make([]byte, 4*4*4)
	if _, err := OverBuffer(buf, 4, 16, 0, 0, 4, 4); err != nil {
		t.Errorf("exact rowstride should be accepted: %v", err)
	}
	if _, err := OverBuffer(buf, 4, 8, 0, 0, 4, 4); err == nil {
		t.Error("rowstride smaller than w*bpp should error")
	}
}

func TestRegionAccessors(t *testing.T) {
	m := tile.NewManager(100, 100, tile.RGB, nil, nil)
	defer m.Close()

	r, err := OverManager(m, 10, 20, 30, 40, true)
	if err != nil {
		t.Fatalf("OverManager: %v", err)
	}
	x, y, w, h := r.Bounds()
	if x != 10 || y != 20 || w != 30 || h != 40 {
		t.Errorf("Bounds() = (%d,%d,%d,%d), want (10,20,30,40)", x, y, w, h)
	}
	if r.BPP() != 3 {
		t.Errorf("BPP() = %d, want 3", r.BPP())
	}
	if !r.Writable() {
		t.Error("Writable() should be true")
	}
	if r.IsBufferBacked() {
		t.Error("IsBufferBacked() should be false for a manager-backed region")
	}

	buf := make([]byte, 10*10*4)
	br, err := OverBuffer(buf, 4, 40, 0, 0, 10, 10)
	if err != nil {
		t.Fatalf("OverBuffer: %v", err)
	}
	if !br.IsBufferBacked() {
		t.Error("IsBufferBacked() should be true for a buffer-backed region")
	}
}
