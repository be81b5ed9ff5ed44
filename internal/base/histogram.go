package base

import (
	"github.com/pspoerri/pixelcore/internal/region"
	"github.com/pspoerri/pixelcore/internal/tile"
)

// Histogram is a per-channel intensity count, one bucket per byte value.
// It stands in for the histogram/LUT consumers spec.md §2 names as
// callers of the pixel-region contract without specifying their math.
type Histogram struct {
	Channels [][256]int64
}

// Compute walks the w x h rectangle at (x, y) of m through a read-only
// PixelRegion, accumulating one histogram bucket set per channel.
func Compute(m *tile.Manager, x, y, w, h int) (*Histogram, error) {
	r, err := region.OverManager(m, x, y, w, h, false)
	if err != nil {
		return nil, err
	}
	iter, ok := region.Register([]*region.Region{r})
	bpp := m.Format().BytesPerPixel()
	hist := &Histogram{Channels: make([][256]int64, bpp)}
	if !ok {
		return hist, nil
	}

	var prev *region.Portion
	for {
		p, more := iter.Process(prev)
		if !more {
			break
		}
		data := p.Data(0)
		stride := p.Stride(0)
		for row := 0; row < p.H; row++ {
			rowData := data[row*stride:]
			for col := 0; col < p.W; col++ {
				px := rowData[col*bpp : col*bpp+bpp]
				for c := 0; c < bpp; c++ {
					hist.Channels[c][px[c]]++
				}
			}
		}
		prev = p
	}
	return hist, nil
}

// Mean returns the arithmetic mean of channel c.
func (h *Histogram) Mean(c int) float64 {
	if c < 0 || c >= len(h.Channels) {
		return 0
	}
	var sum, count int64
	for v, n := range h.Channels[c] {
		sum += int64(v) * n
		count += n
	}
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}
