package core

import (
	"log"
	"runtime"
)

// DefaultCachePressurePercent is the fraction of total RAM the tile cache
// is allowed to claim when tile-cache-size is left at its zero value.
const DefaultCachePressurePercent = 0.50

// ComputeDefaultCacheSize returns the byte budget the tile cache should
// use when no explicit tile-cache-size is configured: a fraction of total
// system RAM, minus current Go heap usage and a fixed headroom for
// non-tile allocations.
//
// Returns 0 if RAM detection fails or the computed limit is unreasonably
// small, in which case the caller should fall back to a conservative
// fixed default rather than disabling the cache.
func ComputeDefaultCacheSize(fraction float64, verbose bool) int64 {
	totalRAM, err := totalSystemRAM()
	if err != nil {
		if verbose {
			log.Printf("pixelcore: cannot detect system RAM: %v; using fallback cache size", err)
		}
		return 0
	}

	if verbose {
		log.Printf("pixelcore: system RAM: %.1f GB", float64(totalRAM)/(1024*1024*1024))
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	overhead := m.Sys + 512*1024*1024

	limit := int64(float64(totalRAM)*fraction) - int64(overhead)
	if limit < 64*1024*1024 {
		if verbose {
			log.Printf("pixelcore: computed cache size too small (%.0f MB); using fallback", float64(limit)/(1024*1024))
		}
		return 0
	}

	if verbose {
		log.Printf("pixelcore: tile cache size: %.1f GB (%.0f%% of RAM minus %.1f GB overhead)",
			float64(limit)/(1024*1024*1024), fraction*100, float64(overhead)/(1024*1024*1024))
	}

	return limit
}
