// Command pixelcore-bench is a small host-process harness that exercises
// the tile/cache/swap/parallel engine end to end: it bootstraps an Engine
// from configuration, builds a tile manager, fills it through the
// parallel pixel-region processor, and reports cache/swap statistics.
// It is a consumer of the engine, not part of it — the engine package
// itself exposes no CLI.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pspoerri/pixelcore/internal/base"
	"github.com/pspoerri/pixelcore/internal/config"
	"github.com/pspoerri/pixelcore/internal/core"
	"github.com/pspoerri/pixelcore/internal/pyramid"
	"github.com/pspoerri/pixelcore/internal/region"
	"github.com/pspoerri/pixelcore/internal/tile"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "pixelcore-bench",
		Short: "Exercise the pixelcore tile engine end to end",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (optional)")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("pixelcore-bench %s (commit %s)\n", version, commit)
			return nil
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		width  int
		height int
		format string
		levels int
		out    string
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a tile pyramid, fill it in parallel, and report engine stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(*configPath, width, height, format, levels, out, quiet)
		},
	}
	cmd.Flags().IntVar(&width, "width", 4096, "Image width in pixels")
	cmd.Flags().IntVar(&height, "height", 4096, "Image height in pixels")
	cmd.Flags().StringVar(&format, "format", "rgba", "Pixel format: gray, graya, rgb, rgba")
	cmd.Flags().IntVar(&levels, "levels", 0, "Pyramid levels to allocate above the base (0 = base only)")
	cmd.Flags().StringVar(&out, "out", "", "Write a PNG export of the base level to this path")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress progress output")

	return cmd
}

func runBench(configPath string, width, height int, formatName string, levels int, out string, quiet bool) error {
	format, err := parseFormat(formatName)
	if err != nil {
		return err
	}

	watcher, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	engine, err := core.Bootstrap(watcher)
	if err != nil {
		return fmt.Errorf("bootstrapping engine: %w", err)
	}
	defer engine.Shutdown()

	pyr, err := pyramid.New(format, width, height, engine.Cache, engine.Swap)
	if err != nil {
		return fmt.Errorf("creating pyramid: %w", err)
	}

	base0, _ := pyr.TilesAt(0)

	r, err := region.OverManager(base0, 0, 0, width, height, true)
	if err != nil {
		return fmt.Errorf("creating region: %w", err)
	}

	bpp := format.BytesPerPixel()
	start := time.Now()
	var lastPct float64
	op := func(p *region.Portion) error {
		checkerboardFill(p, bpp)
		return nil
	}
	progress := func(pct float64) {
		if quiet {
			return
		}
		if pct-lastPct < 0.1 && pct < 1.0 {
			return
		}
		lastPct = pct
		fmt.Printf("\rfilling base level: %5.1f%%", pct*100)
	}
	if err := engine.Processor.ProcessProgress([]*region.Region{r}, op, progress); err != nil {
		return fmt.Errorf("processing base level: %w", err)
	}
	if !quiet {
		fmt.Println()
	}

	for l := 1; l <= levels; l++ {
		if _, highest := pyr.TilesAt(l); highest < l {
			break
		}
	}
	pyr.InvalidateArea(0, 0, width, height)

	engine.UpdateMetrics()

	if !quiet {
		fmt.Printf("pixelcore-bench %s (commit %s)\n", version, commit)
		fmt.Printf("  %-16s %dx%d %s\n", "Image:", width, height, format)
		fmt.Printf("  %-16s %v\n", "Fill time:", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  %-16s %s\n", "Cache usage:", humanSize(engine.Cache.CurrentBytes()))
		fmt.Printf("  %-16s %s\n", "Swap file:", engine.Swap.Path())
	}

	if out != "" {
		png, err := base.ExportPNG(base0, 0, 0, width, height)
		if err != nil {
			return fmt.Errorf("exporting PNG: %w", err)
		}
		if err := os.WriteFile(out, png, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		if !quiet {
			fmt.Printf("  %-16s %s\n", "Exported:", out)
		}
	}

	hist, err := base.Compute(base0, 0, 0, width, height)
	if err != nil {
		return fmt.Errorf("computing histogram: %w", err)
	}
	if !quiet {
		for c := 0; c < bpp; c++ {
			fmt.Printf("  channel %d mean: %.2f\n", c, hist.Mean(c))
		}
	}

	return nil
}

// checkerboardFill writes a deterministic 8x8 checkerboard into every
// pixel of the portion, the way a synthetic benchmark fills tiles
// without needing real source imagery.
func checkerboardFill(p *region.Portion, bpp int) {
	data := p.Data(0)
	stride := p.Stride(0)
	for row := 0; row < p.H; row++ {
		rowData := data[row*stride:]
		y := p.Y + row
		for col := 0; col < p.W; col++ {
			x := p.X + col
			var v byte = 32
			if ((x/8)+(y/8))%2 == 0 {
				v = 224
			}
			px := rowData[col*bpp : col*bpp+bpp]
			for c := 0; c < bpp; c++ {
				px[c] = v
			}
			if bpp == 2 || bpp == 4 {
				px[bpp-1] = 255
			}
		}
	}
}

func parseFormat(s string) (tile.Format, error) {
	switch s {
	case "gray":
		return tile.GRAY, nil
	case "graya":
		return tile.GRAYA, nil
	case "rgb":
		return tile.RGB, nil
	case "rgba":
		return tile.RGBA, nil
	default:
		return 0, fmt.Errorf("unsupported format %q (supported: gray, graya, rgb, rgba)", s)
	}
}

func humanSize(n int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(GB))
	case n >= MB:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(MB))
	case n >= KB:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(KB))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
