package base

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/pspoerri/pixelcore/internal/tile"
)

func TestToImageTranslatesRGBAPixels(t *testing.T) {
	m := tile.NewManager(tile.Width, tile.Height, tile.RGBA, nil, nil)
	defer m.Close()

	src := make([]byte, tile.Width*tile.Height*4)
	for i := 0; i < tile.Width*tile.Height; i++ {
		src[i*4], src[i*4+1], src[i*4+2], src[i*4+3] = 10, 20, 30, 255
	}
	if err := m.WritePixelData(0, 0, tile.Width, tile.Height, src, tile.Width*4); err != nil {
		t.Fatalf("WritePixelData: %v", err)
	}

	img, err := ToImage(m, 0, 0, tile.Width, tile.Height)
	if err != nil {
		t.Fatalf("ToImage: %v", err)
	}
	r, g, b, a := img.At(0, 0).RGBA()
	if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 || a>>8 != 255 {
		t.Errorf("At(0,0) = (%d,%d,%d,%d), want (10,20,30,255)", r>>8, g>>8, b>>8, a>>8)
	}
}

func TestToImageTranslatesGrayPixels(t *testing.T) {
	m := tile.NewManager(tile.Width, tile.Height, tile.GRAY, nil, nil)
	defer m.Close()

	src := make([]byte, tile.Width*tile.Height)
	for i := range src {
		src[i] = 128
	}
	if err := m.WritePixelData(0, 0, tile.Width, tile.Height, src, tile.Width); err != nil {
		t.Fatalf("WritePixelData: %v", err)
	}

	img, err := ToImage(m, 0, 0, tile.Width, tile.Height)
	if err != nil {
		t.Fatalf("ToImage: %v", err)
	}
	gr, _, _, _ := img.At(5, 5).RGBA()
	if gr>>8 != 128 {
		t.Errorf("gray value at (5,5) = %d, want 128", gr>>8)
	}
}

func TestExportPNGRoundTrips(t *testing.T) {
	m := tile.NewManager(tile.Width, tile.Height, tile.RGB, nil, nil)
	defer m.Close()

	src := make([]byte, tile.Width*tile.Height*3)
	for i := 0; i < tile.Width*tile.Height; i++ {
		src[i*3], src[i*3+1], src[i*3+2] = 5, 6, 7
	}
	if err := m.WritePixelData(0, 0, tile.Width, tile.Height, src, tile.Width*3); err != nil {
		t.Fatalf("WritePixelData: %v", err)
	}

	data, err := ExportPNG(m, 0, 0, tile.Width, tile.Height)
	if err != nil {
		t.Fatalf("ExportPNG: %v", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding exported PNG: %v", err)
	}
	if decoded.Bounds().Dx() != tile.Width || decoded.Bounds().Dy() != tile.Height {
		t.Errorf("decoded image bounds = %v, want %dx%d", decoded.Bounds(), tile.Width, tile.Height)
	}
	r, g, b, _ := decoded.At(0, 0).RGBA()
	if r>>8 != 5 || g>>8 != 6 || b>>8 != 7 {
		t.Errorf("decoded PNG pixel (0,0) = (%d,%d,%d), want (5,6,7)", r>>8, g>>8, b>>8)
	}
}

func TestComputeHistogramCountsAndMean(t *testing.T) {
	m := tile.NewManager(tile.Width, tile.Height, tile.GRAY, nil, nil)
	defer m.Close()

	src := make([]byte, tile.Width*tile.Height)
	half := len(src) / 2
	for i := 0; i < half; i++ {
		src[i] = 10
	}
	for i := half; i < len(src); i++ {
		src[i] = 30
	}
	if err := m.WritePixelData(0, 0, tile.Width, tile.Height, src, tile.Width); err != nil {
		t.Fatalf("WritePixelData: %v", err)
	}

	hist, err := Compute(m, 0, 0, tile.Width, tile.Height)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if hist.Channels[0][10] != int64(half) {
		t.Errorf("bucket[10] = %d, want %d", hist.Channels[0][10], half)
	}
	if hist.Channels[0][30] != int64(len(src)-half) {
		t.Errorf("bucket[30] = %d, want %d", hist.Channels[0][30], len(src)-half)
	}

	want := 20.0 // mean of an even 10/30 split
	if got := hist.Mean(0); got != want {
		t.Errorf("Mean(0) = %v, want %v", got, want)
	}
}

func TestHistogramMeanOutOfRangeChannel(t *testing.T) {
	h := &Histogram{Channels: make([][256]int64, 1)}
	if got := h.Mean(5); got != 0 {
		t.Errorf("Mean(5) on a 1-channel histogram = %v, want 0", got)
	}
}
