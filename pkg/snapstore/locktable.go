package snapstore

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ddsnap/ddsnap/pkg/metrics"
)

// lockEntry tracks one chunk's in-flight snapshot readers and any origin
// write parked behind them.
type lockEntry struct {
	holders int
	pending []func() // deferred origin-write continuations, run when holders hits 0
}

// LockTable serializes origin writes against in-flight snapshot reads of
// the same origin chunk: a snapshot read holds the chunk for its
// duration; an origin write that needs to copy out that chunk's data must
// wait for every outstanding read to finish first, so it never overwrites
// data a reader is still copying. Chunks are hashed into a fixed number
// of buckets (each independently locked) rather than keeping one entry
// per ever-read chunk indefinitely.
type LockTable struct {
	buckets   []sync.Mutex
	entries   []map[uint64]*lockEntry
	collector metrics.Collector

	mu     sync.Mutex // protects depth bookkeeping reported to metrics
	depth  int
}

// NewLockTable builds a LockTable with 1<<hashBits buckets.
func NewLockTable(hashBits uint8, collector metrics.Collector) *LockTable {
	if collector == nil {
		collector = metrics.Noop()
	}
	n := 1 << hashBits
	lt := &LockTable{
		buckets:   make([]sync.Mutex, n),
		entries:   make([]map[uint64]*lockEntry, n),
		collector: collector,
	}
	for i := range lt.entries {
		lt.entries[i] = make(map[uint64]*lockEntry)
	}
	return lt
}

func (lt *LockTable) bucket(chunk uint64) int {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], chunk)
	return int(xxhash.Sum64(key[:]) % uint64(len(lt.buckets)))
}

// ReadlockChunk registers one snapshot read against chunk. Must be paired
// with ReleaseChunk once the read completes.
func (lt *LockTable) ReadlockChunk(chunk uint64) {
	b := lt.bucket(chunk)
	lt.buckets[b].Lock()
	defer lt.buckets[b].Unlock()

	e, ok := lt.entries[b][chunk]
	if !ok {
		e = &lockEntry{}
		lt.entries[b][chunk] = e
	}
	e.holders++
	lt.touchDepth(1)
}

// ReleaseChunk ends one snapshot read against chunk, running any origin
// write that was waiting for the chunk to become free once the last
// holder leaves.
func (lt *LockTable) ReleaseChunk(chunk uint64) {
	b := lt.bucket(chunk)
	lt.buckets[b].Lock()
	e, ok := lt.entries[b][chunk]
	if !ok {
		lt.buckets[b].Unlock()
		return
	}
	e.holders--
	lt.touchDepth(-1)
	var pending []func()
	if e.holders <= 0 {
		pending = e.pending
		delete(lt.entries[b], chunk)
	}
	lt.buckets[b].Unlock()

	for _, fn := range pending {
		fn()
	}
}

// WaitForChunk runs ready immediately if chunk has no outstanding
// snapshot readers, or parks it to run once the last reader releases the
// chunk. Used by the origin-write path: it must not copy out or overwrite
// a chunk while a snapshot read is still in flight against it.
func (lt *LockTable) WaitForChunk(chunk uint64, ready func()) {
	b := lt.bucket(chunk)
	lt.buckets[b].Lock()
	e, ok := lt.entries[b][chunk]
	if !ok || e.holders == 0 {
		lt.buckets[b].Unlock()
		ready()
		return
	}
	e.pending = append(e.pending, ready)
	lt.buckets[b].Unlock()
}

func (lt *LockTable) touchDepth(delta int) {
	lt.mu.Lock()
	lt.depth += delta
	lt.collector.SnapLockDepth(lt.depth)
	lt.mu.Unlock()
}

// Depth returns the number of outstanding snapshot-read holds (one per
// ReadlockChunk not yet released), for STATUS responses.
func (lt *LockTable) Depth() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.depth
}
