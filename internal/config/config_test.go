package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithNoPath(t *testing.T) {
	w, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cur := w.Current()
	if cur.TileCacheSize != 0 {
		t.Errorf("TileCacheSize = %d, want 0 (core computes default)", cur.TileCacheSize)
	}
	if cur.NumProcessors != 0 {
		t.Errorf("NumProcessors = %d, want 0 (core uses NumCPU)", cur.NumProcessors)
	}
	if cur.TempPath == "" {
		t.Error("TempPath should default to os.TempDir()")
	}
}

func TestLoadReadsFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pixelcore.yaml")
	contents := "tile-cache-size: 1048576\nnum-processors: 3\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cur := w.Current()
	if cur.TileCacheSize != 1048576 {
		t.Errorf("TileCacheSize = %d, want 1048576", cur.TileCacheSize)
	}
	if cur.NumProcessors != 3 {
		t.Errorf("NumProcessors = %d, want 3", cur.NumProcessors)
	}
}

func TestReloadFiresCallbacksOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pixelcore.yaml")
	if err := os.WriteFile(path, []byte("tile-cache-size: 1000\nnum-processors: 1\n"), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sizeCh := make(chan int64, 1)
	threadsCh := make(chan int, 1)
	w.OnCacheSizeChange(func(n int64) { sizeCh <- n })
	w.OnNumProcessorsChange(func(n int) { threadsCh <- n })

	if err := os.WriteFile(path, []byte("tile-cache-size: 2000\nnum-processors: 4\n"), 0644); err != nil {
		t.Fatalf("rewriting config file: %v", err)
	}

	select {
	case n := <-sizeCh:
		if n != 2000 {
			t.Errorf("cache size callback got %d, want 2000", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cache-size change callback")
	}

	select {
	case n := <-threadsCh:
		if n != 4 {
			t.Errorf("num-processors callback got %d, want 4", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for num-processors change callback")
	}
}

func TestReloadIgnoresUnchangedValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pixelcore.yaml")
	if err := os.WriteFile(path, []byte("tile-cache-size: 1000\nnum-processors: 1\n"), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var calls int
	w.OnCacheSizeChange(func(int64) { calls++ })

	// Rewriting temp-path/swap-path (non-hot-reloadable) should not fire
	// the cache-size callback since tile-cache-size itself is unchanged.
	if err := os.WriteFile(path, []byte("tile-cache-size: 1000\nnum-processors: 1\ntemp-path: /tmp/other\n"), 0644); err != nil {
		t.Fatalf("rewriting config file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if calls != 0 {
		t.Errorf("cache-size callback fired %d times for an unchanged value, want 0", calls)
	}
}
