package region

import (
	"fmt"
	"sync"

	"github.com/pspoerri/pixelcore/internal/tile"
)

// regionPortion is one region's view of the current portion: a data
// pointer plus the row stride needed to walk it, and (for manager-backed
// regions) the locked tile to release once the caller is done with the
// portion.
type regionPortion struct {
	data     []byte
	stride   int
	t        *tile.Tile
	writable bool
}

// Portion is one tile-aligned sub-rectangle of the registered regions'
// overlap, handed to the caller (or operator) for processing. Access a
// region's slice of the portion with Data/Stride, indexed in the same
// order the regions were passed to Register.
type Portion struct {
	X, Y, W, H int

	regions []regionPortion
}

// Data returns region i's pixel data for this portion. Reading or writing
// rows beyond the first requires advancing by Stride(i) bytes.
func (p *Portion) Data(i int) []byte { return p.regions[i].data }

// Stride returns the row-to-row byte distance for region i within this
// portion (the full backing tile width, or the region's buffer stride).
func (p *Portion) Stride(i int) int { return p.regions[i].stride }

// Count returns the number of regions in this portion.
func (p *Portion) Count() int { return len(p.regions) }

// Iterator walks the overlap of 1-4 registered regions in tile-aligned
// portions (spec.md §4.6).
type Iterator struct {
	mu sync.Mutex

	regions []*Region

	rectX, rectY, rectW, rectH int
	curX, curY                 int
	done                       bool
}

// Register computes the intersection of the given 1-4 regions (which must
// share width and height) and returns an iterator over that overlap, or
// false if the overlap is empty.
func Register(regions []*Region) (*Iterator, bool) {
	if len(regions) < 1 || len(regions) > 4 {
		return nil, false
	}
	rect := [4]int{regions[0].x, regions[0].y, regions[0].w, regions[0].h}
	for _, r := range regions[1:] {
		var ok bool
		rect, ok = intersect(rect, [4]int{r.x, r.y, r.w, r.h})
		if !ok {
			return nil, false
		}
	}
	if rect[2] <= 0 || rect[3] <= 0 {
		return nil, false
	}
	return &Iterator{
		regions: regions,
		rectX:   rect[0], rectY: rect[1], rectW: rect[2], rectH: rect[3],
		curX: rect[0], curY: rect[1],
	}, true
}

// Claim locks the tiles covering the next portion and returns it, or
// returns false once the overlap has been fully walked. Safe to call
// concurrently: callers of a shared iterator (the parallel processor)
// serialise through the iterator's own mutex, matching the GIMP scheduling
// model of claiming a portion under a lock before releasing it to run the
// operator unlocked.
func (it *Iterator) Claim() (*Portion, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.done {
		return nil, false
	}

	w := it.rectX + it.rectW - it.curX
	h := it.rectY + it.rectH - it.curY

	for _, r := range it.regions {
		if r.manager == nil {
			continue
		}
		localX := r.x + (it.curX - it.rectX)
		localY := r.y + (it.curY - it.rectY)
		maxW := ((localX/tile.Width)+1)*tile.Width - localX
		maxH := ((localY/tile.Height)+1)*tile.Height - localY
		if maxW < w {
			w = maxW
		}
		if maxH < h {
			h = maxH
		}
	}

	portion := &Portion{X: it.curX, Y: it.curY, W: w, H: h}
	for _, r := range it.regions {
		localX := r.x + (it.curX - it.rectX)
		localY := r.y + (it.curY - it.rectY)

		if r.manager == nil {
			off := localY*r.rowstride + localX*r.bpp
			portion.regions = append(portion.regions, regionPortion{
				data:     r.buf[off:],
				stride:   r.rowstride,
				writable: r.writable,
			})
			continue
		}

		col, row := localX/tile.Width, localY/tile.Height
		// wantwrite mirrors the region's own writability: a writable region
		// must never write into a tile shared with another manager, so
		// GetAt clones a private copy (copy-on-write) before locking it.
		t, err := r.manager.GetAt(col, row, true, r.writable)
		if err != nil {
			// Out of range slot: treat as an empty portion contribution.
			portion.regions = append(portion.regions, regionPortion{writable: r.writable})
			continue
		}
		tx, ty := localX%tile.Width, localY%tile.Height
		portion.regions = append(portion.regions, regionPortion{
			data:     t.DataPtr(tx, ty),
			stride:   t.EWidth() * r.bpp,
			t:        t,
			writable: r.writable,
		})
	}

	it.curX += w
	if it.curX >= it.rectX+it.rectW {
		it.curX = it.rectX
		it.curY += h
	}
	if it.curY >= it.rectY+it.rectH {
		it.done = true
	}

	return portion, true
}

// Release unlocks every tile touched by a claimed portion, marking each
// writable region's tile dirty (spec.md §3, "a region created writable
// implies later tile_release must mark tiles dirty").
func (it *Iterator) Release(p *Portion) {
	for _, r := range p.regions {
		if r.t != nil {
			r.t.Release(r.writable)
		}
	}
}

// Process is the sequential convenience wrapper: it releases the
// previously claimed portion (if any) and claims the next one in a single
// call, mirroring the reference pixel_regions_process contract.
func (it *Iterator) Process(prev *Portion) (*Portion, bool) {
	if prev != nil {
		it.Release(prev)
	}
	return it.Claim()
}

// Finish releases a final claimed portion. Call after a Process/Claim
// loop exits, to release whatever the last successful claim locked.
func (it *Iterator) Finish(last *Portion) {
	if last != nil {
		it.Release(last)
	}
}

// Bounds returns the overlap rectangle the iterator walks.
func (it *Iterator) Bounds() (x, y, w, h int) {
	return it.rectX, it.rectY, it.rectW, it.rectH
}

func (it *Iterator) String() string {
	return fmt.Sprintf("Iterator(rect=(%d,%d,%d,%d))", it.rectX, it.rectY, it.rectW, it.rectH)
}
