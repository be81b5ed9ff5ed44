// Package region implements the pixel-region cursor and the iterator
// that walks 1-4 overlapping regions through tile-aligned portions
// (spec.md §4.6).
package region

import (
	"fmt"

	"github.com/pspoerri/pixelcore/internal/tile"
)

// Region is a cursor over either a tile manager sub-rectangle or an
// external packed buffer.
type Region struct {
	x, y, w, h int
	bpp        int
	rowstride  int
	writable   bool

	manager *tile.Manager // nil when buffer-backed
	buf     []byte
}

// OverManager creates a region backed by on-demand tiles.
func OverManager(m *tile.Manager, x, y, w, h int, writable bool) (*Region, error) {
	if x < 0 || y < 0 || x+w > m.Width() || y+h > m.Height() {
		return nil, fmt.Errorf("region: (%d,%d,%d,%d) out of bounds for manager %dx%d", x, y, w, h, m.Width(), m.Height())
	}
	return &Region{
		x: x, y: y, w: w, h: h,
		bpp:       m.Format().BytesPerPixel(),
		rowstride: w * m.Format().BytesPerPixel(),
		writable:  writable,
		manager:   m,
	}, nil
}

// OverBuffer creates a region backed by caller-owned memory; tile locking
// is skipped entirely.
func OverBuffer(data []byte, bpp, rowstride, x, y, w, h int) (*Region, error) {
	if rowstride < w*bpp {
		return nil, fmt.Errorf("region: rowstride %d smaller than w*bpp %d", rowstride, w*bpp)
	}
	return &Region{
		x: x, y: y, w: w, h: h,
		bpp: bpp, rowstride: rowstride,
		writable: true,
		buf:      data,
	}, nil
}

func (r *Region) Bounds() (x, y, w, h int) { return r.x, r.y, r.w, r.h }
func (r *Region) BPP() int                 { return r.bpp }
func (r *Region) Writable() bool           { return r.writable }
func (r *Region) IsBufferBacked() bool     { return r.manager == nil }

func intersect(a, b [4]int) ([4]int, bool) {
	x0 := max(a[0], b[0])
	y0 := max(a[1], b[1])
	x1 := min(a[0]+a[2], b[0]+b[2])
	y1 := min(a[1]+a[3], b[1]+b[3])
	if x1 <= x0 || y1 <= y0 {
		return [4]int{}, false
	}
	return [4]int{x0, y0, x1 - x0, y1 - y0}, true
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
