// Package base holds representative callers of the pixel-region
// contract, spec'd only at their interface (spec.md §2, "Base/histogram/
// LUT utilities built on pixel regions"). ExportPNG/ExportWebP render a
// tile manager's pixels out through a PixelRegion the way a histogram or
// scaling consumer would read them, giving the region/iterator code a
// realistic non-core caller and exercising the teacher's image codec
// stack (gen2brain/webp over wazero) from the new domain.
package base

import (
	"bytes"
	"image"
	"image/color"

	"github.com/pspoerri/pixelcore/internal/encode"
	"github.com/pspoerri/pixelcore/internal/region"
	"github.com/pspoerri/pixelcore/internal/tile"
)

// ToImage reads the w x h rectangle at (x, y) out of m through a
// read-only PixelRegion and returns it as a standard image.Image. Only
// RGB/RGBA/GRAY/GRAYA managers are supported; indexed managers have no
// direct colour mapping at this layer.
func ToImage(m *tile.Manager, x, y, w, h int) (image.Image, error) {
	r, err := region.OverManager(m, x, y, w, h, false)
	if err != nil {
		return nil, err
	}
	iter, ok := region.Register([]*region.Region{r})
	if !ok {
		return image.NewRGBA(image.Rect(0, 0, w, h)), nil
	}

	format := m.Format()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	var prev *region.Portion
	for {
		p, more := iter.Process(prev)
		if !more {
			break
		}
		writePortion(dst, p, x, y, format)
		prev = p
	}
	return dst, nil
}

func writePortion(dst *image.RGBA, p *region.Portion, originX, originY int, format tile.Format) {
	bpp := format.BytesPerPixel()
	data := p.Data(0)
	stride := p.Stride(0)
	for row := 0; row < p.H; row++ {
		rowData := data[row*stride:]
		for col := 0; col < p.W; col++ {
			px := rowData[col*bpp : col*bpp+bpp]
			c := pixelToColor(px, format)
			dst.Set(p.X-originX+col, p.Y-originY+row, c)
		}
	}
}

func pixelToColor(px []byte, format tile.Format) color.Color {
	switch format {
	case tile.GRAY:
		return color.Gray{Y: px[0]}
	case tile.GRAYA:
		return color.GrayAlpha16{Y: uint16(px[0]) << 8, A: uint16(px[1]) << 8}
	case tile.RGB:
		return color.RGBA{R: px[0], G: px[1], B: px[2], A: 255}
	case tile.RGBA:
		return color.RGBA{R: px[0], G: px[1], B: px[2], A: px[3]}
	default:
		return color.RGBA{}
	}
}

// ExportPNG renders the w x h rectangle at (x, y) of m to PNG bytes.
func ExportPNG(m *tile.Manager, x, y, w, h int) ([]byte, error) {
	return export(m, x, y, w, h, "png", 0)
}

// ExportWebP renders the w x h rectangle at (x, y) of m to WebP bytes at
// the given quality (1-100).
func ExportWebP(m *tile.Manager, x, y, w, h, quality int) ([]byte, error) {
	return export(m, x, y, w, h, "webp", quality)
}

func export(m *tile.Manager, x, y, w, h int, format string, quality int) ([]byte, error) {
	img, err := ToImage(m, x, y, w, h)
	if err != nil {
		return nil, err
	}
	enc, err := encode.NewEncoder(format, quality)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	data, err := enc.Encode(img)
	if err != nil {
		return nil, err
	}
	buf.Write(data)
	return buf.Bytes(), nil
}
