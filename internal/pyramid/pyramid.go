// Package pyramid implements the stack of successively halved tile
// managers ("mip levels") that back fast zoomed-out rendering of one
// layer. Upper levels are lazily materialised by downsampling the level
// below (spec.md §4.5).
package pyramid

import (
	"fmt"
	"math"
	"sync"

	"github.com/pspoerri/pixelcore/internal/tile"
)

const maxLevels = 10

// Pyramid is a stack of at most maxLevels tile managers, each half the
// linear resolution of the one below.
type Pyramid struct {
	mu sync.Mutex

	width, height int
	format        tile.Format

	levels []*tile.Manager // levels[0] is full resolution; nil until allocated

	cache tile.CacheHost
	swap  tile.SwapHost

	validate tile.ValidateFunc
}

// New builds level 0 only. kind must be one of GRAY, GRAYA, RGB, RGBA;
// indexed formats are rejected (spec.md §4.5).
func New(format tile.Format, width, height int, cache tile.CacheHost, swap tile.SwapHost) (*Pyramid, error) {
	if format.Indexed() {
		return nil, fmt.Errorf("pyramid: indexed formats are not supported")
	}
	p := &Pyramid{
		width:  width,
		height: height,
		format: format,
		levels: make([]*tile.Manager, maxLevels),
		cache:  cache,
		swap:   swap,
	}
	p.levels[0] = tile.NewManager(width, height, format, cache, swap)
	return p, nil
}

// SetValidateProc installs the validation callback on level 0 only; upper
// levels always use the internal downsample callback.
func (p *Pyramid) SetValidateProc(fn tile.ValidateFunc) {
	p.mu.Lock()
	p.validate = fn
	p.mu.Unlock()
	p.levels[0].SetValidateProc(fn)
}

// levelDims returns the pixel dimensions of level, halving width/height
// once per level relative to level 0.
func (p *Pyramid) levelDims(level int) (int, int) {
	w, h := p.width, p.height
	for i := 0; i < level; i++ {
		w = (w + 1) / 2
		h = (h + 1) / 2
	}
	return w, h
}

// TilesAt returns the tile manager for level, allocating intermediate
// levels on demand. Refuses to allocate a level whose dimensions would be
// ≤ half a tile, returning the highest allocatable level ≤ the request
// instead.
func (p *Pyramid) TilesAt(level int) (*tile.Manager, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if level >= maxLevels {
		level = maxLevels - 1
	}
	highest := 0
	for l := 1; l <= level; l++ {
		w, h := p.levelDims(l)
		if w <= tile.Width/2 && h <= tile.Height/2 {
			break
		}
		if p.levels[l] == nil {
			p.levels[l] = tile.NewManager(w, h, p.format, p.cache, p.swap)
			below := p.levels[l-1]
			above := p.levels[l]
			above.SetLevelBelow(below)
			above.SetValidateProc(p.downsampleValidate)
		}
		highest = l
	}
	return p.levels[highest], highest
}

// LevelForScale returns the level whose downsample factor is nearest to
// what scale requires, rendering as close to 1:1 as possible (a scale
// just under 1.0 still picks level 0 rather than paying for a halving).
func (p *Pyramid) LevelForScale(w, h int, scale float64) int {
	target := 1.0 / scale
	level := 0
	if target > 1 {
		level = int(math.Round(math.Log2(target)))
	}
	if level < 0 {
		level = 0
	}
	if level >= maxLevels {
		level = maxLevels - 1
	}
	lw, lh := p.levelDims(level)
	if lw <= tile.Width/2 && lh <= tile.Height/2 && level > 0 {
		level--
	}
	return level
}

// InvalidateArea marks tiles invalid on level 0, then halves the
// rectangle for each higher level and invalidates transitively.
// Rectangles smaller than one pixel at a level still count as one pixel
// wide, to guarantee propagation all the way to the top.
func (p *Pyramid) InvalidateArea(x, y, w, h int) {
	p.mu.Lock()
	levels := append([]*tile.Manager(nil), p.levels...)
	p.mu.Unlock()

	cx, cy, cw, ch := x, y, w, h
	for _, lvl := range levels {
		if lvl == nil {
			continue
		}
		if cw < 1 {
			cw = 1
		}
		if ch < 1 {
			ch = 1
		}
		lvl.InvalidateArea(cx, cy, cw, ch)
		cx, cy, cw, ch = cx/2, cy/2, cw/2, ch/2
	}
}

// downsampleValidate fills an upper-level tile by locking the four
// corresponding level-below tiles read-only and averaging them 2:1 per
// axis into quadrants of the destination (spec.md §4.5, "Downsample
// rule"). For alpha-bearing formats the average is premultiplied: each
// colour channel is weighted by its source pixel's alpha, and the sum is
// divided by the summed alphas of the contributing pixels (fully
// transparent where that sum is zero). Formats without alpha take a
// straight arithmetic mean.
func (p *Pyramid) downsampleValidate(m *tile.Manager, t *tile.Tile, col, row int) error {
	p.mu.Lock()
	below := m.LevelBelow()
	p.mu.Unlock()
	if below == nil {
		return nil
	}

	bpp := t.Format().BytesPerPixel()
	hasAlpha := t.Format().HasAlpha()

	srcCol0, srcRow0 := col*2, row*2
	for dy := 0; dy < t.EHeight(); dy++ {
		for dx := 0; dx < t.EWidth(); dx++ {
			sx, sy := dx*2, dy*2
			var px [4][4]int // up to 4 samples, up to 4 channels each
			var valid [4]bool
			for i, off := range [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
				bx, by := sx+off[0], sy+off[1]
				gcol := srcCol0 + bx/tile.Width
				grow := srcRow0 + by/tile.Height
				lx, ly := bx%tile.Width, by%tile.Height
				bt, err := below.GetAt(gcol, grow, true, false)
				if err != nil {
					continue
				}
				if lx < bt.EWidth() && ly < bt.EHeight() {
					pix := bt.DataPtr(lx, ly)
					for c := 0; c < bpp; c++ {
						px[i][c] = int(pix[c])
					}
					valid[i] = true
				}
				bt.Release(false)
			}

			dst := t.DataPtr(dx, dy)
			if hasAlpha {
				alphaIdx := bpp - 1
				var sumAlpha int
				var sumCh [4]int
				for i := 0; i < 4; i++ {
					if !valid[i] {
						continue
					}
					a := px[i][alphaIdx]
					sumAlpha += a
					for c := 0; c < alphaIdx; c++ {
						sumCh[c] += px[i][c] * a
					}
				}
				if sumAlpha == 0 {
					for c := 0; c < bpp; c++ {
						dst[c] = 0
					}
				} else {
					for c := 0; c < alphaIdx; c++ {
						dst[c] = byte(sumCh[c] / sumAlpha)
					}
					dst[alphaIdx] = byte(sumAlpha / 4)
				}
			} else {
				count := 0
				var sumCh [4]int
				for i := 0; i < 4; i++ {
					if !valid[i] {
						continue
					}
					count++
					for c := 0; c < bpp; c++ {
						sumCh[c] += px[i][c]
					}
				}
				if count == 0 {
					count = 1
				}
				for c := 0; c < bpp; c++ {
					dst[c] = byte(sumCh[c] / count)
				}
			}
		}
	}
	return nil
}
