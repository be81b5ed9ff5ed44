package tile

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ManagerID is an opaque, process-wide handle to a Manager. Tiles store
// back-links as (ManagerID, slot index) pairs instead of raw pointers so a
// tile never holds a strong reference to the manager that owns it (design
// note: "Handle-based back-links instead of raw back-pointers").
type ManagerID uint64

var (
	nextManagerID   uint64
	managerRegistry sync.Map // ManagerID -> *Manager
)

func registerManager(m *Manager) ManagerID {
	id := ManagerID(atomic.AddUint64(&nextManagerID, 1))
	managerRegistry.Store(id, m)
	return id
}

func lookupManager(id ManagerID) *Manager {
	v, ok := managerRegistry.Load(id)
	if !ok {
		return nil
	}
	return v.(*Manager)
}

func unregisterManager(id ManagerID) {
	managerRegistry.Delete(id)
}

// ValidateFunc fills in the data of an invalid tile before it is handed to
// a caller, e.g. to render it from a lower pyramid level or an external
// source. It must write t's full buffer and must not itself call Lock or
// Release on t.
type ValidateFunc func(m *Manager, tile *Tile, col, row int) error

// Manager is the 2-D grid of tile slots backing one drawable layer
// (spec.md §3, "Tile manager"). It owns a CacheHost and SwapHost pair
// that every tile it creates shares.
type Manager struct {
	mu sync.Mutex

	id ManagerID

	width, height int
	format        Format
	cols, rows    int

	slots []*Tile // cols*rows, row-major; nil entries are unallocated

	cache CacheHost
	swap  SwapHost

	validate ValidateFunc

	refCount int // spec.md §3: lets several higher-level objects share a manager

	// levelBelow is the next finer pyramid level, if any. The manager does
	// not read it itself; a validation callback (the pyramid's downsample)
	// fetches it through LevelBelow.
	levelBelow *Manager
}

// NewManager creates a manager over a width x height pixel area in the
// given format, backed by cache and swap. swap may be nil for
// memory-only managers (spec.md §6: "a manager may run with no swap
// backing, e.g. scratch buffers").
func NewManager(width, height int, format Format, cache CacheHost, swap SwapHost) *Manager {
	cols := (width + Width - 1) / Width
	rows := (height + Height - 1) / Height
	m := &Manager{
		width:    width,
		height:   height,
		format:   format,
		cols:     cols,
		rows:     rows,
		slots:    make([]*Tile, cols*rows),
		cache:    cache,
		swap:     swap,
		refCount: 1,
	}
	m.id = registerManager(m)
	return m
}

// Ref increments the manager's reference count so another owner can share
// it safely (spec.md §3, §4.3).
func (m *Manager) Ref() {
	m.mu.Lock()
	m.refCount++
	m.mu.Unlock()
}

// Unref decrements the reference count. When it reaches zero, every slot
// is detached and the slot array is freed (spec.md §4.3, "ref/unref").
func (m *Manager) Unref() {
	m.mu.Lock()
	m.refCount--
	zero := m.refCount <= 0
	var slots []*Tile
	if zero {
		slots = m.slots
		m.slots = nil
	}
	m.mu.Unlock()
	if !zero {
		return
	}
	for idx, t := range slots {
		if t == nil {
			continue
		}
		t.Detach(m.id, idx)
	}
	unregisterManager(m.id)
}

// ID returns the manager's process-wide handle.
func (m *Manager) ID() ManagerID { return m.id }

// Width, Height, Format, Cols, Rows expose the manager's geometry.
func (m *Manager) Width() int    { return m.width }
func (m *Manager) Height() int   { return m.height }
func (m *Manager) Format() Format { return m.format }
func (m *Manager) Cols() int     { return m.cols }
func (m *Manager) Rows() int     { return m.rows }

// SetValidateProc installs the callback invoked to fill invalid tiles.
func (m *Manager) SetValidateProc(fn ValidateFunc) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// SetLevelBelow wires this manager to the next-finer pyramid level; a
// validation callback that wants to downsample from below can read it via
// Manager.LevelBelow.
func (m *Manager) SetLevelBelow(below *Manager) {
	m.mu.Lock()
	m.levelBelow = below
	m.mu.Unlock()
}

func (m *Manager) LevelBelow() *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levelBelow
}

// tileGeometry returns the effective (clipped) size of the tile at
// (col, row) and reports whether the coordinates are in range.
func (m *Manager) tileGeometry(col, row int) (ew, eh int, ok bool) {
	if col < 0 || col >= m.cols || row < 0 || row >= m.rows {
		return 0, 0, false
	}
	ew = Width
	if (col+1)*Width > m.width {
		ew = m.width - col*Width
	}
	eh = Height
	if (row+1)*Height > m.height {
		eh = m.height - row*Height
	}
	return ew, eh, true
}

func (m *Manager) slotIndex(col, row int) int {
	return row*m.cols + col
}

// ensureSlot returns the tile occupying (col, row) and its slot index,
// allocating and attaching a fresh tile if the slot has never been
// touched. Does not lock the returned tile.
func (m *Manager) ensureSlot(col, row int) (*Tile, int, error) {
	ew, eh, ok := m.tileGeometry(col, row)
	if !ok {
		return nil, 0, fmt.Errorf("tile: slot (%d,%d) out of range for manager %dx%d tiles", col, row, m.cols, m.rows)
	}
	idx := m.slotIndex(col, row)

	m.mu.Lock()
	t := m.slots[idx]
	if t != nil {
		m.mu.Unlock()
		return t, idx, nil
	}
	t = newTile(ew, eh, m.format, m.cache, m.swap)
	m.slots[idx] = t
	m.mu.Unlock()
	if err := t.Attach(m.id, idx); err != nil {
		return nil, idx, err
	}
	return t, idx, nil
}

// GetAt returns the tile for slot (col, row), matching the reference
// get_at(col, row, wantread, wantwrite) contract: if the slot is empty and
// either want flag is set, a tile is allocated; otherwise a bare lookup is
// returned (nil if the slot was never touched). The tile is locked before
// it is returned whenever wantread or wantwrite is set. A wantwrite call
// against a tile shared with another manager (share_count > 1) clones a
// private copy first — copy-on-write — validating an invalid shared tile
// before cloning so the copy never captures stale bytes. wantwrite
// increments the tile's write count.
func (m *Manager) GetAt(col, row int, wantread, wantwrite bool) (*Tile, error) {
	if !wantread && !wantwrite {
		if _, _, ok := m.tileGeometry(col, row); !ok {
			return nil, fmt.Errorf("tile: slot (%d,%d) out of range for manager %dx%d tiles", col, row, m.cols, m.rows)
		}
		return m.MapTile(col, row), nil
	}

	t, idx, err := m.ensureSlot(col, row)
	if err != nil {
		return nil, err
	}
	if wantwrite {
		if t, err = m.detachOwnCopy(idx, col, row, t); err != nil {
			return nil, err
		}
	}
	if err := t.Lock(); err != nil {
		return nil, err
	}
	if wantwrite {
		t.incWriteCount()
	}
	return t, nil
}

// validateSlot is called by Tile.Lock/Attach when a tile needs its data
// filled in. index is this manager's slot index for the tile.
func (m *Manager) validateSlot(index int, t *Tile) error {
	m.mu.Lock()
	fn := m.validate
	cols := m.cols
	m.mu.Unlock()
	if fn == nil {
		t.markValid()
		return nil
	}
	col, row := index%cols, index/cols
	if err := fn(m, t, col, row); err != nil {
		return err
	}
	t.markValid()
	return nil
}

// shareFrom attaches col,row of m to the same underlying tile another
// manager already holds at (srcCol, srcRow), implementing the
// copy-on-write clone described in spec.md §3 ("Manager cloning shares
// tile buffers until either side writes").
func (m *Manager) shareFrom(col, row int, src *Manager, srcCol, srcRow int) error {
	srcIdx := src.slotIndex(srcCol, srcRow)
	src.mu.Lock()
	t := src.slots[srcIdx]
	src.mu.Unlock()
	if t == nil {
		var err error
		t, _, err = src.ensureSlot(srcCol, srcRow)
		if err != nil {
			return err
		}
	}

	idx := m.slotIndex(col, row)
	m.mu.Lock()
	m.slots[idx] = t
	m.mu.Unlock()
	return t.Attach(m.id, idx)
}

// CloneFrom creates a copy-on-write clone of src into a freshly created
// manager with the same geometry: every slot is shared rather than
// copied, so the clone is O(cols*rows) handle attaches, not a pixel copy.
func CloneFrom(src *Manager) *Manager {
	dst := NewManager(src.width, src.height, src.format, src.cache, src.swap)
	for row := 0; row < src.rows; row++ {
		for col := 0; col < src.cols; col++ {
			if src.slots[src.slotIndex(col, row)] == nil {
				continue
			}
			_ = dst.shareFrom(col, row, src, col, row)
		}
	}
	return dst
}

// detachOwnCopy replaces the slot at idx (col,row) with a private tile when
// a write is about to land on a shared (share_count > 1) tile, preserving
// copy-on-write semantics. t must be the tile currently occupying idx.
func (m *Manager) detachOwnCopy(idx, col, row int, t *Tile) (*Tile, error) {
	if t.ShareCount() <= 1 {
		return t, nil
	}

	if err := t.Lock(); err != nil {
		return nil, err
	}
	ew, eh, _ := m.tileGeometry(col, row)
	clone := newTile(ew, eh, m.format, m.cache, m.swap)
	copy(clone.data, t.RawData())
	clone.valid = true
	t.Release(false)

	t.Detach(m.id, idx)
	m.mu.Lock()
	m.slots[idx] = clone
	m.mu.Unlock()
	if err := clone.Attach(m.id, idx); err != nil {
		return nil, err
	}
	return clone, nil
}

// ReadPixelData copies the w x h pixel rectangle at (x, y) out of the
// manager's tiles into dst, whose rows are stride bytes apart. It spans
// tile boundaries transparently.
func (m *Manager) ReadPixelData(x, y, w, h int, dst []byte, stride int) error {
	bpp := m.format.BytesPerPixel()
	for row := 0; row < h; row++ {
		py := y + row
		col0 := x / Width
		colEnd := (x + w - 1) / Width
		destOff := row * stride
		remaining := w
		srcX := x
		for col := col0; col <= colEnd; col++ {
			tcol, trow := col, py/Height
			t, err := m.GetAt(tcol, trow, true, false)
			if err != nil {
				return err
			}
			localX := srcX - tcol*Width
			localY := py - trow*Height
			n := Width - localX
			if n > remaining {
				n = remaining
			}
			src := t.DataPtr(localX, localY)
			copy(dst[destOff:destOff+n*bpp], src[:n*bpp])
			t.Release(false)

			destOff += n * bpp
			srcX += n
			remaining -= n
		}
	}
	return nil
}

// WritePixelData copies a w x h pixel rectangle from src (rows stride bytes
// apart) into the manager's tiles at (x, y), cloning away shared tiles first so the write
// never perturbs another manager's view (copy-on-write).
func (m *Manager) WritePixelData(x, y, w, h int, src []byte, stride int) error {
	bpp := m.format.BytesPerPixel()
	for row := 0; row < h; row++ {
		py := y + row
		col0 := x / Width
		colEnd := (x + w - 1) / Width
		srcOff := row * stride
		remaining := w
		dstX := x
		for col := col0; col <= colEnd; col++ {
			tcol, trow := col, py/Height
			t, err := m.GetAt(tcol, trow, false, true)
			if err != nil {
				return err
			}
			localX := dstX - tcol*Width
			localY := py - trow*Height
			n := Width - localX
			if n > remaining {
				n = remaining
			}
			dst := t.DataPtr(localX, localY)
			copy(dst[:n*bpp], src[srcOff:srcOff+n*bpp])
			t.SetRowHint(localY, HintUnknown)
			t.Release(true)

			srcOff += n * bpp
			dstX += n
			remaining -= n
		}
	}
	return nil
}

// ReadPixel1 reads a single pixel's bytes at (x, y).
func (m *Manager) ReadPixel1(x, y int, dst []byte) error {
	return m.ReadPixelData(x, y, 1, 1, dst, m.format.BytesPerPixel())
}

// WritePixel1 writes a single pixel's bytes at (x, y).
func (m *Manager) WritePixel1(x, y int, src []byte) error {
	return m.WritePixelData(x, y, 1, 1, src, m.format.BytesPerPixel())
}

// InvalidateArea marks every tile overlapping [x,y,w,h) invalid, forcing
// the next lock/attach on each to re-run the validation callback. Used by
// the pyramid to propagate an edit up through coarser levels.
func (m *Manager) InvalidateArea(x, y, w, h int) {
	col0, colEnd := x/Width, (x+w-1)/Width
	row0, rowEnd := y/Height, (y+h-1)/Height
	for row := row0; row <= rowEnd; row++ {
		for col := col0; col <= colEnd; col++ {
			if col < 0 || col >= m.cols || row < 0 || row >= m.rows {
				continue
			}
			idx := m.slotIndex(col, row)
			m.mu.Lock()
			t := m.slots[idx]
			m.mu.Unlock()
			if t == nil {
				continue
			}
			t.mu.Lock()
			t.valid = false
			t.mu.Unlock()
		}
	}
}

// MapTile returns the tile that currently occupies (col, row) without
// locking it, or nil if the slot has never been touched. Intended for
// diagnostics and for GetAt's peek path (wantread=wantwrite=false).
func (m *Manager) MapTile(col, row int) *Tile {
	idx := m.slotIndex(col, row)
	if idx < 0 || idx >= len(m.slots) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[idx]
}

// Close releases this manager's own reference; equivalent to Unref. Kept
// as the familiar name for callers that only ever hold a single reference.
// Callers must ensure no tile is locked at the time the refcount reaches
// zero and teardown actually runs.
func (m *Manager) Close() {
	m.Unref()
}
