// Package swap implements the append-extend backing file tiles are paged
// out to when the cache evicts them, and the gap allocator that recycles
// freed byte ranges.
package swap

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/pspoerri/pixelcore/internal/tile"
)

// gap is a free byte range [start, end) in the swap file.
type gap struct {
	start, end int64
}

// File is the on-disk paging store for evicted tile bytes (spec.md §4.4).
// It implements tile.SwapHost. Writes are single-writer through fd;
// concurrent readers use ReadAt (pread), which needs no lock.
type File struct {
	mu   sync.Mutex
	fd   *os.File
	path string

	gaps []gap // sorted, non-overlapping, merged

	loggedRead  bool
	loggedWrite bool
	loggedSeek  bool
}

// registry enforces the process-wide 16-open-swap-file limit (spec.md
// §4.4, "Open-file limit").
var (
	registryMu sync.Mutex
	registry   []*File
)

const maxOpenSwapFiles = 16

// swapGrowIncrement is how much the gap allocator extends the file by when
// no existing gap can satisfy a request (spec.md §4.4, "Gap allocator"),
// so a run of small allocations doesn't each pay for its own extend.
const swapGrowIncrement int64 = 16 * 1024 * 1024

// Init expands path, ensures the directory exists, unlinks stray swap
// files left behind by dead processes, and returns a File that will open
// its backing file lazily on first write.
func Init(path string) (*File, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("swap: resolve path: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("swap: create directory: %w", err)
	}
	cleanStrays(dir)

	f := &File{path: filepath.Join(dir, fmt.Sprintf("pixelcore-swap.%d", os.Getpid()))}

	registryMu.Lock()
	if len(registry) >= maxOpenSwapFiles {
		oldest := registry[0]
		registry = registry[1:]
		oldest.closeFD()
	}
	registry = append(registry, f)
	registryMu.Unlock()

	return f, nil
}

// cleanStrays removes gimpswap-style files left by processes that are no
// longer alive, probed via a zero-signal (spec.md §6.3).
func cleanStrays(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		var pid int
		if _, err := fmt.Sscanf(e.Name(), "pixelcore-swap.%d", &pid); err != nil {
			continue
		}
		if pid == os.Getpid() {
			continue
		}
		if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// Test opens and closes a throwaway probe file alongside the swap file to
// confirm the backing path is writable, without disturbing any tile data
// (spec.md §4.4, "open-and-close a probe to ensure the path is writable").
func (f *File) Test() bool {
	probe := fmt.Sprintf("%s.test.%d", f.path, os.Getpid())
	fd, err := os.OpenFile(probe, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return false
	}
	fd.Close()
	os.Remove(probe)
	return true
}

func (f *File) ensureOpenLocked() error {
	if f.fd != nil {
		return nil
	}
	fd, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	f.fd = fd
	return nil
}

func (f *File) closeFD() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd != nil {
		f.fd.Close()
		f.fd = nil
	}
}

// SwapIn reads t.Size() bytes from t's swap offset into a freshly
// allocated buffer. The slot is not freed — the bytes may be reused if
// the tile is immediately dirtied again.
func (f *File) SwapIn(t *tile.Tile) error {
	off := t.SwapOffset()
	if off < 0 {
		return fmt.Errorf("swap: tile has no swap slot")
	}
	buf := make([]byte, t.Size())

	f.mu.Lock()
	err := f.ensureOpenLocked()
	fd := f.fd
	f.mu.Unlock()
	if err != nil {
		f.logOnce(&f.loggedRead, "open", err)
		return err
	}

	if _, err := fd.ReadAt(buf, off); err != nil {
		f.logOnce(&f.loggedRead, "read", err)
		return err
	}
	t.SetRawData(buf)
	return nil
}

// SwapOut writes t's buffer to its existing slot, or allocates a new one
// via the gap allocator, then clears dirty and records the offset.
func (f *File) SwapOut(t *tile.Tile) error {
	data := t.RawData()
	if data == nil {
		return nil
	}
	size := int64(len(data))

	f.mu.Lock()
	if err := f.ensureOpenLocked(); err != nil {
		f.mu.Unlock()
		f.logOnce(&f.loggedWrite, "open", err)
		return err
	}
	off := t.SwapOffset()
	if off < 0 {
		off = f.allocLocked(size)
	}
	fd := f.fd
	f.mu.Unlock()

	if _, err := fd.WriteAt(data, off); err != nil {
		f.logOnce(&f.loggedWrite, "write", err)
		return err
	}
	t.SetSwapOffset(off)
	t.ClearDirty()
	t.ClearRawData()
	return nil
}

// SwapDelete returns a tile's slot to the gap list, merging with
// neighbours, and truncates the file if the freed range now reaches EOF.
func (f *File) SwapDelete(t *tile.Tile) {
	off := t.SwapOffset()
	if off < 0 {
		return
	}
	size := int64(0)
	if d := t.RawData(); d != nil {
		size = int64(len(d))
	} else {
		size = int64(t.Size())
	}

	f.mu.Lock()
	f.freeLocked(off, off+size)
	f.mu.Unlock()
	t.SetSwapOffset(-1)
}

// allocLocked finds or creates a gap of at least size bytes and removes
// it from the free list. When no gap fits, the file is grown by
// swapGrowIncrement (or by size, if that's larger), and whatever the
// increment doesn't use immediately becomes a new trailing gap, so a run
// of small allocations doesn't each pay for its own extend. Caller must
// hold f.mu and have already called ensureOpenLocked.
func (f *File) allocLocked(size int64) int64 {
	for i, g := range f.gaps {
		if g.end-g.start >= size {
			start := g.start
			if g.end-g.start == size {
				f.gaps = append(f.gaps[:i], f.gaps[i+1:]...)
			} else {
				f.gaps[i].start += size
			}
			return start
		}
	}
	var end int64
	if n := len(f.gaps); n > 0 && f.gaps[n-1].end > end {
		end = f.gaps[n-1].end
	}
	if f.fd != nil {
		if fi, err := f.fd.Stat(); err == nil && fi.Size() > end {
			end = fi.Size()
		}
	}
	grow := swapGrowIncrement
	if size > grow {
		grow = size
	}
	if f.fd != nil {
		if err := f.fd.Truncate(end + grow); err != nil {
			f.logOnce(&f.loggedSeek, "ftruncate", err)
		}
	}
	if grow > size {
		f.gaps = append(f.gaps, gap{end + size, end + grow})
	}
	return end
}

// freeLocked returns [start, end) to the gap list, merging with adjacent
// gaps, and truncates the file if the trailing gap now reaches EOF.
func (f *File) freeLocked(start, end int64) {
	f.gaps = append(f.gaps, gap{start, end})
	sort.Slice(f.gaps, func(i, j int) bool { return f.gaps[i].start < f.gaps[j].start })

	merged := f.gaps[:0]
	for _, g := range f.gaps {
		if len(merged) > 0 && merged[len(merged)-1].end == g.start {
			merged[len(merged)-1].end = g.end
		} else {
			merged = append(merged, g)
		}
	}
	f.gaps = merged

	if n := len(f.gaps); n > 0 {
		last := f.gaps[n-1]
		var fileSize int64
		if f.fd != nil {
			if fi, err := f.fd.Stat(); err == nil {
				fileSize = fi.Size()
			}
		}
		if last.end >= fileSize && f.fd != nil {
			if err := f.fd.Truncate(last.start); err != nil {
				f.logOnce(&f.loggedSeek, "ftruncate", err)
				return
			}
			f.gaps = f.gaps[:n-1]
		}
	}
}

// logOnce logs the first occurrence of each swap I/O failure class, then
// stays silent (spec.md §7, SwapIoError).
func (f *File) logOnce(flag *bool, op string, err error) {
	f.mu.Lock()
	already := *flag
	*flag = true
	f.mu.Unlock()
	if !already {
		log.Printf("pixelcore: swap %s error: %v", op, err)
	}
}

// Close removes the backing file, if it was ever opened, and drops the
// file from the open-file registry.
func (f *File) Close() error {
	registryMu.Lock()
	for i, r := range registry {
		if r == f {
			registry = append(registry[:i], registry[i+1:]...)
			break
		}
	}
	registryMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd != nil {
		name := f.fd.Name()
		f.fd.Close()
		f.fd = nil
		return os.Remove(name)
	}
	return nil
}

// Path returns the swap file's path on disk.
func (f *File) Path() string { return f.path }

// GapCount returns the number of free byte ranges tracked by the
// allocator, a fragmentation proxy exported via core's metrics.
func (f *File) GapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gaps)
}
