package tile

import (
	"fmt"
	"sync"
)

// CacheHost is the subset of the tile cache a Tile needs: list membership
// changes on lock/release transitions. Defined here (not in package cache)
// so tile has no import-time dependency on the cache implementation —
// cache.Cache satisfies this interface.
type CacheHost interface {
	// Insert is called when a tile transitions from locked to unlocked.
	Insert(t *Tile)
	// Flush removes a tile from whichever cache list it is on (used when
	// the tile is re-locked or destroyed).
	Flush(t *Tile)
}

// SwapHost is the subset of the swap file a Tile needs to page its bytes
// in and out. swap.File satisfies this interface.
type SwapHost interface {
	SwapIn(t *Tile) error
	SwapOut(t *Tile) error
	SwapDelete(t *Tile)
}

// link is a back-reference from a tile to one manager slot that holds it.
// Per the design notes, this is a lightweight (ManagerID, SlotIndex) handle
// rather than a raw pointer, so a tile holds no strong reference to its
// managers and no ownership cycle exists; the manager registry resolves
// the handle back to a live *Manager only when needed (validation on Lock
// and on Attach).
type link struct {
	manager ManagerID
	index   int
}

// Tile is one fixed-size rectangular page of pixel data (spec.md §3, §4.1).
type Tile struct {
	mu sync.Mutex

	ewidth, eheight int
	format          Format

	data []byte // nil when swapped out

	dirty bool
	valid bool

	refCount   int
	writeCount int
	shareCount int

	rowHints []RowHint // lazily allocated to eheight entries

	swapOffset int64 // -1 if never swapped

	links []link

	cache CacheHost
	swap  SwapHost
}

// newTile allocates a fresh, dirty, invalid tile of the given effective
// size. Never-yet-swapped tiles count as dirty for eviction purposes
// (spec.md §3, Tile cache invariants).
func newTile(ewidth, eheight int, format Format, cache CacheHost, swap SwapHost) *Tile {
	return &Tile{
		ewidth:     ewidth,
		eheight:    eheight,
		format:     format,
		data:       getBuffer(ewidth * eheight * format.BytesPerPixel()),
		dirty:      true,
		valid:      false,
		swapOffset: -1,
		cache:      cache,
		swap:       swap,
	}
}

// Size returns the tile's buffer size in bytes.
func (t *Tile) Size() int {
	return t.ewidth * t.eheight * t.format.BytesPerPixel()
}

// EWidth and EHeight are the tile's effective (possibly edge-clipped)
// dimensions.
func (t *Tile) EWidth() int  { return t.ewidth }
func (t *Tile) EHeight() int { return t.eheight }
func (t *Tile) Format() Format { return t.format }

// Dirty, Valid, ShareCount, RefCount, SwapOffset are read-only observers
// used by the cache and by tests validating the invariants of spec.md §8.
func (t *Tile) Dirty() bool       { t.mu.Lock(); defer t.mu.Unlock(); return t.dirty }
func (t *Tile) Valid() bool       { t.mu.Lock(); defer t.mu.Unlock(); return t.valid }
func (t *Tile) ShareCount() int   { t.mu.Lock(); defer t.mu.Unlock(); return t.shareCount }
func (t *Tile) RefCount() int     { t.mu.Lock(); defer t.mu.Unlock(); return t.refCount }
func (t *Tile) SwapOffset() int64 { t.mu.Lock(); defer t.mu.Unlock(); return t.swapOffset }
func (t *Tile) HasData() bool     { t.mu.Lock(); defer t.mu.Unlock(); return t.data != nil }

// Lock increments the total ref count and, if this is the first ref,
// removes the tile from the cache lists and (if the data buffer is
// absent) pulls it from swap. If the tile is invalid, the first attached
// manager's validation callback is invoked. Returns once data is readable.
func (t *Tile) Lock() error {
	t.mu.Lock()
	first := t.refCount == 0
	t.refCount++
	cache := t.cache
	mgr, idx := t.firstLinkLocked()
	t.mu.Unlock()

	// cache.Flush takes the cache's mutex; it must never be called while
	// t.mu is held, or eviction (which locks cache-then-tile) can deadlock
	// against this path.
	if first && cache != nil {
		cache.Flush(t)
	}

	if first {
		if err := t.ensureDataLocked(); err != nil {
			return err
		}
	}

	if !t.Valid() && mgr != nil {
		if err := mgr.validateSlot(idx, t); err != nil {
			return err
		}
	}
	return nil
}

// ensureDataLocked pulls the tile's bytes from swap if the buffer is absent.
func (t *Tile) ensureDataLocked() error {
	t.mu.Lock()
	needsSwapIn := t.data == nil
	swapper := t.swap
	t.mu.Unlock()

	if !needsSwapIn {
		return nil
	}
	if swapper == nil {
		return fmt.Errorf("tile: data absent and no swap backing configured")
	}
	return swapper.SwapIn(t)
}

// incWriteCount records an additional in-flight write acquired via
// Manager.GetAt(..., wantwrite=true); Release(true) balances it.
func (t *Tile) incWriteCount() {
	t.mu.Lock()
	t.writeCount++
	t.mu.Unlock()
}

// Release decrements the ref count. If dirty, decrements the write count
// and resets all row hints to Unknown. On refs reaching zero the tile is
// destroyed (if share_count is also zero) or handed to the cache.
func (t *Tile) Release(dirty bool) {
	t.mu.Lock()
	if dirty {
		if t.writeCount > 0 {
			t.writeCount--
		}
		t.dirty = true
		for i := range t.rowHints {
			t.rowHints[i] = HintUnknown
		}
	}
	if t.refCount > 0 {
		t.refCount--
	}
	refsZero := t.refCount == 0
	sharesZero := t.shareCount == 0
	cache := t.cache
	swap := t.swap
	t.mu.Unlock()

	if !refsZero {
		return
	}
	if sharesZero {
		t.destroy(swap)
		return
	}
	if cache != nil {
		cache.Insert(t)
	}
}

// destroy frees the tile's swap slot, if any. Called only once share_count
// and ref_count both reach zero.
func (t *Tile) destroy(swap SwapHost) {
	t.mu.Lock()
	hadSlot := t.swapOffset >= 0
	t.mu.Unlock()
	if hadSlot && swap != nil {
		swap.SwapDelete(t)
	}
}

// Attach adds a back-link to (manager, index) and bumps the share count.
// Sharing an invalid tile triggers validation first, making a later clone
// safe to copy from.
func (t *Tile) Attach(managerID ManagerID, index int) error {
	t.mu.Lock()
	t.links = append(t.links, link{manager: managerID, index: index})
	t.shareCount++
	needsValidate := !t.valid
	t.mu.Unlock()

	if needsValidate {
		if mgr := lookupManager(managerID); mgr != nil {
			return mgr.validateSlot(index, t)
		}
	}
	return nil
}

// Detach removes the matching back-link and decrements the share count.
// Destroys the tile if both share and ref counts are now zero.
func (t *Tile) Detach(managerID ManagerID, index int) {
	t.mu.Lock()
	for i, l := range t.links {
		if l.manager == managerID && l.index == index {
			t.links = append(t.links[:i], t.links[i+1:]...)
			break
		}
	}
	if t.shareCount > 0 {
		t.shareCount--
	}
	refsZero := t.refCount == 0
	sharesZero := t.shareCount == 0
	swap := t.swap
	t.mu.Unlock()

	if refsZero && sharesZero {
		t.destroy(swap)
	}
}

// firstLinkLocked returns the first attached manager and slot index.
// Caller must hold t.mu.
func (t *Tile) firstLinkLocked() (*Manager, int) {
	if len(t.links) == 0 {
		return nil, 0
	}
	l := t.links[0]
	return lookupManager(l.manager), l.index
}

// DataPtr returns the tile's buffer sliced from the first byte of pixel
// (x, y) to the end. The caller must hold a lock on the tile.
func (t *Tile) DataPtr(x, y int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	bpp := t.format.BytesPerPixel()
	off := (y*t.ewidth + x) * bpp
	return t.data[off:]
}

// RowHint returns the hint opcode for row y (Unknown if never set).
func (t *Tile) RowHint(y int) RowHint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if y < 0 || y >= len(t.rowHints) {
		return HintUnknown
	}
	return t.rowHints[y]
}

// SetRowHint sets the hint opcode for row y, lazily allocating the hint
// array to eheight entries on first use.
func (t *Tile) SetRowHint(y int, hint RowHint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rowHints == nil {
		t.rowHints = make([]RowHint, t.eheight)
	}
	if y >= 0 && y < len(t.rowHints) {
		t.rowHints[y] = hint
	}
}

// markValid is used by Manager.validateSlot once the callback has filled
// in the tile's data. It takes t.mu itself.
func (t *Tile) markValid() {
	t.mu.Lock()
	t.valid = true
	t.mu.Unlock()
}

// --- accessors used by swap and cache packages ---

// RawData exposes the underlying buffer (nil if swapped out) for the swap
// package to read from / write to directly. The caller must coordinate
// with the tile's lock state (swap only touches tiles it owns via
// SwapIn/SwapOut/SwapDelete, which are themselves called while the cache
// or tile holds the necessary invariant).
func (t *Tile) RawData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

func (t *Tile) SetRawData(data []byte) {
	t.mu.Lock()
	t.data = data
	t.mu.Unlock()
}

func (t *Tile) ClearRawData() {
	t.mu.Lock()
	buf := t.data
	t.data = nil
	t.mu.Unlock()
	putBuffer(buf)
}

func (t *Tile) SetSwapOffset(off int64) {
	t.mu.Lock()
	t.swapOffset = off
	t.mu.Unlock()
}

func (t *Tile) ClearDirty() {
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()
}
