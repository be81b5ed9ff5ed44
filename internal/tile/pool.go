package tile

import "sync"

// bufferPools maps a buffer size to a *sync.Pool of []byte, so tiles of
// the common interior size (64*64*bpp) recycle their backing storage
// instead of allocating on every fresh tile creation. Buffers return to
// the pool when a tile's data is dropped (ClearRawData); swap-in buffers
// are allocated by the swap package and do not come from the pool.
// In practice only a handful of distinct sizes exist per process (one per
// format in use, plus edge-tile remainders), so the map stays tiny.
var bufferPools sync.Map // int -> *sync.Pool

func getBuffer(size int) []byte {
	if p, ok := bufferPools.Load(size); ok {
		if v := p.(*sync.Pool).Get(); v != nil {
			buf := v.([]byte)
			clear(buf)
			return buf
		}
	}
	return make([]byte, size)
}

func putBuffer(buf []byte) {
	if buf == nil {
		return
	}
	size := len(buf)
	p, _ := bufferPools.LoadOrStore(size, &sync.Pool{})
	p.(*sync.Pool).Put(buf)
}
