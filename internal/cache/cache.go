// Package cache implements the bounded in-memory tile pool: a two-list
// (clean/dirty) LRU with a byte budget and a background pre-swap agent.
package cache

import (
	"log"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/pspoerri/pixelcore/internal/tile"
)

// Cache is the bounded pool of unlocked, materialised tiles (spec.md
// §4.2, "Tile cache"). It implements tile.CacheHost. Ordering within each
// list is kept with simplelru.LRU for O(1) "move to tail" / "take head"
// operations; eviction policy (which list, how much) is driven by our own
// byte-budget logic rather than simplelru's own capacity-based eviction,
// so each list is created with an effectively unbounded entry capacity.
type Cache struct {
	mu sync.Mutex

	clean *simplelru.LRU[*tile.Tile, int64]
	dirty *simplelru.LRU[*tile.Tile, int64]

	cleanBytes int64
	dirtyBytes int64
	maxBytes   int64

	swap tile.SwapHost

	agentCh   chan struct{}
	agentOnce sync.Once
}

// New creates a cache with the given byte budget, backed by swap for
// writing out dirty tiles evicted under pressure. swap may be nil, in
// which case dirty tiles cannot be evicted and the cache may exceed its
// budget under sustained write pressure (documented in spec.md §7 as
// acceptable degraded behaviour).
func New(maxBytes int64, swap tile.SwapHost) *Cache {
	clean, _ := simplelru.NewLRU[*tile.Tile, int64](math.MaxInt32, nil)
	dirty, _ := simplelru.NewLRU[*tile.Tile, int64](math.MaxInt32, nil)
	c := &Cache{
		clean:    clean,
		dirty:    dirty,
		maxBytes: maxBytes,
		swap:     swap,
		agentCh:  make(chan struct{}, 1),
	}
	if swap != nil {
		go c.preSwapAgent()
	}
	return c
}

// SetSize changes the cache's byte budget, evicting immediately if the
// new budget is smaller than the current footprint.
func (c *Cache) SetSize(maxBytes int64) {
	c.mu.Lock()
	c.maxBytes = maxBytes
	c.evictLocked(0)
	c.mu.Unlock()
}

// MaxSize returns the cache's current byte budget.
func (c *Cache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBytes
}

// CurrentBytes returns the total bytes currently held across both lists.
func (c *Cache) CurrentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanBytes + c.dirtyBytes
}

// DirtyBytes returns the bytes currently held on the dirty list.
func (c *Cache) DirtyBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirtyBytes
}

// Insert is called when a tile transitions from locked to unlocked
// (tile.CacheHost). It removes the tile from whichever list it was
// previously on, evicts from the clean list then the dirty list until
// the new tile fits the budget, then appends the tile to the tail of
// the dirty list (if dirty or never swapped) or the clean list.
func (c *Cache) Insert(t *tile.Tile) {
	size := int64(t.Size())

	c.mu.Lock()
	c.removeLocked(t)
	c.evictLocked(size)

	if t.Dirty() || t.SwapOffset() < 0 {
		c.dirty.Add(t, size)
		c.dirtyBytes += size
	} else {
		c.clean.Add(t, size)
		c.cleanBytes += size
	}
	wake := c.dirtyBytes > c.maxBytes/2
	c.mu.Unlock()

	if wake {
		select {
		case c.agentCh <- struct{}{}:
		default:
		}
	}
}

// Flush removes a tile from whichever cache list it is on, e.g. because
// it is about to be locked again.
func (c *Cache) Flush(t *tile.Tile) {
	c.mu.Lock()
	c.removeLocked(t)
	c.mu.Unlock()
}

func (c *Cache) removeLocked(t *tile.Tile) {
	if size, ok := c.clean.Peek(t); ok {
		c.clean.Remove(t)
		c.cleanBytes -= size
	}
	if size, ok := c.dirty.Peek(t); ok {
		c.dirty.Remove(t)
		c.dirtyBytes -= size
	}
}

// evictLocked evicts from the clean-list head, then the dirty-list head,
// until current_bytes + incoming ≤ max_bytes. Caller holds c.mu.
func (c *Cache) evictLocked(incoming int64) {
	for c.cleanBytes+c.dirtyBytes+incoming > c.maxBytes {
		if c.clean.Len() > 0 {
			t, size, _ := c.clean.RemoveOldest()
			c.cleanBytes -= size
			t.ClearRawData()
			continue
		}
		if c.dirty.Len() > 0 {
			if c.swap == nil {
				// No swap backing: dirty tiles cannot be written out, so
				// they stay in-core and the cache runs over budget.
				return
			}
			t, size, _ := c.dirty.RemoveOldest()
			c.dirtyBytes -= size
			if err := c.swap.SwapOut(t); err != nil {
				// Write failed: tile remains in-core, return to its list
				// (spec.md §4.2, "On write failure the tile remains
				// in-core and is returned to its list").
				c.dirty.Add(t, size)
				c.dirtyBytes += size
				return
			}
			t.ClearRawData()
			continue
		}
		// Nothing left to evict; every remaining tile is locked.
		return
	}
}

// preSwapAgent runs in the background for as long as swap is available.
// It wakes on signal and, while dirty bytes exceed half the budget, walks
// the dirty list head writing tiles to swap and moving them to the clean
// tail (spec.md §4.2, "Pre-swap agent").
func (c *Cache) preSwapAgent() {
	for range c.agentCh {
		for {
			c.mu.Lock()
			if c.dirtyBytes <= c.maxBytes/2 || c.dirty.Len() == 0 {
				c.mu.Unlock()
				break
			}
			t, size, _ := c.dirty.RemoveOldest()
			c.dirtyBytes -= size
			c.mu.Unlock()

			if err := c.swap.SwapOut(t); err != nil {
				log.Printf("pixelcore: pre-swap agent: %v", err)
				c.mu.Lock()
				c.dirty.Add(t, size)
				c.dirtyBytes += size
				c.mu.Unlock()
				break
			}

			c.mu.Lock()
			c.clean.Add(t, size)
			c.cleanBytes += size
			c.mu.Unlock()
		}
	}
}
