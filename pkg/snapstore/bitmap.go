package snapstore

import (
	"fmt"

	"github.com/ddsnap/ddsnap/pkg/metrics"
)

// Allocator is a bitmap chunk allocator over one of the two chunk spaces
// (metadata or snapshot-data). One bit per chunk; a set bit means
// allocated. The bitmap itself lives in chunks of the space it describes
// and is read/written through the same Cache as everything else, so
// allocator state participates in the journal like any other metadata
// change.
type Allocator struct {
	space      Space
	cache      *Cache
	baseChunk  uint64 // first chunk of the bitmap region
	totalBits  uint64 // total chunks the bitmap covers
	chunkSize  uint64
	lastAlloc  uint64 // cursor: next bit to try first
	collector  metrics.Collector
}

// NewAllocator constructs an Allocator describing totalChunks chunks of
// space, whose bitmap begins at baseChunk.
func NewAllocator(space Space, cache *Cache, baseChunk, totalChunks, chunkSize uint64, collector metrics.Collector) *Allocator {
	if collector == nil {
		collector = metrics.Noop()
	}
	return &Allocator{
		space:     space,
		cache:     cache,
		baseChunk: baseChunk,
		totalBits: totalChunks,
		chunkSize: chunkSize,
		collector: collector,
	}
}

// BitmapChunks returns how many chunks a bitmap covering totalChunks needs,
// at 8 bits per byte.
func BitmapChunks(totalChunks, chunkSize uint64) uint64 {
	bytesNeeded := (totalChunks + 7) / 8
	return (bytesNeeded + chunkSize - 1) / chunkSize
}

func (a *Allocator) bitChunkAndOffset(bit uint64) (chunk uint64, byteOff uint64, mask byte) {
	byteIdx := bit / 8
	chunk = a.baseChunk + byteIdx/a.chunkSize
	byteOff = byteIdx % a.chunkSize
	mask = 1 << (bit % 8)
	return
}

func (a *Allocator) testBit(bit uint64) (bool, error) {
	chunk, off, mask := a.bitChunkAndOffset(bit)
	buf, err := a.cache.Bread(chunk)
	if err != nil {
		return false, err
	}
	defer a.cache.Brelse(buf)
	return buf.Data[off]&mask != 0, nil
}

func (a *Allocator) setBit(bit uint64, val bool) error {
	chunk, off, mask := a.bitChunkAndOffset(bit)
	buf, err := a.cache.Bread(chunk)
	if err != nil {
		return err
	}
	if val {
		buf.Data[off] |= mask
	} else {
		buf.Data[off] &^= mask
	}
	a.cache.BrelseDirty(buf)
	return nil
}

// AllocChunk finds and marks allocated a single free chunk, starting the
// scan from the last-allocated cursor and wrapping once. Returns
// ErrNoSpace if the space is exhausted.
func (a *Allocator) AllocChunk() (uint64, error) {
	start := a.lastAlloc
	for i := uint64(0); i < a.totalBits; i++ {
		bit := (start + i) % a.totalBits
		used, err := a.testBit(bit)
		if err != nil {
			return 0, err
		}
		if !used {
			if err := a.setBit(bit, true); err != nil {
				return 0, err
			}
			a.lastAlloc = (bit + 1) % a.totalBits
			return bit, nil
		}
	}
	a.collector.AllocFailure(a.space.String())
	return 0, ErrNoSpace
}

// AllocChunkRange attempts to find `count` contiguous free chunks starting
// at or after the cursor, falling back to the first single free chunk if
// no run of that length exists.
func (a *Allocator) AllocChunkRange(count uint64) (uint64, uint64, error) {
	if count <= 1 {
		bit, err := a.AllocChunk()
		return bit, 1, err
	}

	start := a.lastAlloc
	run := uint64(0)
	runStart := uint64(0)
	for i := uint64(0); i < a.totalBits; i++ {
		bit := (start + i) % a.totalBits
		used, err := a.testBit(bit)
		if err != nil {
			return 0, 0, err
		}
		if used || (run > 0 && bit != runStart+run) {
			run = 0
		}
		if !used {
			if run == 0 {
				runStart = bit
			}
			run++
		}
		if run == count {
			for b := runStart; b < runStart+count; b++ {
				if err := a.setBit(b, true); err != nil {
					return 0, 0, err
				}
			}
			a.lastAlloc = (runStart + count) % a.totalBits
			return runStart, count, nil
		}
	}

	// No contiguous run of the requested length; the caller falls back
	// to allocating chunks one at a time.
	bit, err := a.AllocChunk()
	return bit, 1, err
}

// FreeChunk marks bit free again.
func (a *Allocator) FreeChunk(bit uint64) error {
	if bit >= a.totalBits {
		return fmt.Errorf("snapstore: free of out-of-range %s chunk %d (space has %d)", a.space, bit, a.totalBits)
	}
	return a.setBit(bit, false)
}

// FreeChunks marks the contiguous range [first, first+count) free.
func (a *Allocator) FreeChunks(first, count uint64) error {
	for b := first; b < first+count; b++ {
		if err := a.FreeChunk(b); err != nil {
			return err
		}
	}
	return nil
}

// UsedChunks scans the whole bitmap and counts set bits. O(n); intended for
// STATUS responses and tests, not the allocation hot path.
func (a *Allocator) UsedChunks() (uint64, error) {
	var used uint64
	for bit := uint64(0); bit < a.totalBits; bit++ {
		set, err := a.testBit(bit)
		if err != nil {
			return 0, err
		}
		if set {
			used++
		}
	}
	return used, nil
}
