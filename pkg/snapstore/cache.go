package snapstore

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/ddsnap/ddsnap/pkg/metrics"
)

// Buffer is one resident metadata chunk: either a B-tree node, a bitmap
// chunk, or a journal block. The cache hands out pinned buffers; callers
// must Brelse or BrelseDirty exactly once per Bread/GetBlk.
type Buffer struct {
	Chunk    uint64
	Data     []byte
	dirty    bool
	refCount int32
}

// Dirty reports whether the buffer has unflushed modifications.
func (b *Buffer) Dirty() bool { return b.dirty }

// Cache is the buffered, dirty-tracked block cache fronting the metadata
// device. Clean, unpinned buffers are scored for eviction by a ristretto
// cache keyed on chunk number; dirty buffers are pinned in memory until the
// journal commits them and FlushBuffers clears the dirty bit.
type Cache struct {
	dev       BlockDevice
	chunkSize uint64
	collector metrics.Collector

	mu      sync.Mutex
	buffers map[uint64]*Buffer
	dirty   map[uint64]*Buffer
	clean   *ristretto.Cache[uint64, *Buffer]
}

// NewCache constructs a Cache over dev, evicting clean buffers once
// approximately maxBuffers are resident.
func NewCache(dev BlockDevice, chunkSize uint64, maxBuffers int, collector metrics.Collector) (*Cache, error) {
	if collector == nil {
		collector = metrics.Noop()
	}
	if maxBuffers < 16 {
		maxBuffers = 16
	}
	c := &Cache{
		dev:       dev,
		chunkSize: chunkSize,
		collector: collector,
		buffers:   make(map[uint64]*Buffer),
		dirty:     make(map[uint64]*Buffer),
	}
	clean, err := ristretto.NewCache(&ristretto.Config[uint64, *Buffer]{
		NumCounters: int64(maxBuffers) * 10,
		MaxCost:     int64(maxBuffers),
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[*Buffer]) {
			c.reclaim(item.Value)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("snapstore: constructing cache: %w", err)
	}
	c.clean = clean
	return c, nil
}

// reclaim drops a clean, unpinned buffer evicted by ristretto. Called from
// ristretto's eviction goroutine, so it takes the lock itself.
func (c *Cache) reclaim(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.buffers[buf.Chunk]; ok && cur == buf && !buf.dirty && buf.refCount == 0 {
		delete(c.buffers, buf.Chunk)
	}
}

// GetBlk returns the buffer for chunk, creating a zero-filled one if it is
// not resident, without reading the device. Used when the caller is about
// to overwrite the entire block (e.g. formatting a fresh B-tree leaf).
func (c *Cache) GetBlk(chunk uint64) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[chunk]; ok {
		b.refCount++
		c.clean.Del(chunk)
		return b
	}
	b := &Buffer{Chunk: chunk, Data: make([]byte, c.chunkSize), refCount: 1}
	c.buffers[chunk] = b
	return b
}

// Bread returns the buffer for chunk, reading it from the device if it is
// not already resident.
func (c *Cache) Bread(chunk uint64) (*Buffer, error) {
	c.mu.Lock()
	if b, ok := c.buffers[chunk]; ok {
		b.refCount++
		c.clean.Del(chunk)
		c.mu.Unlock()
		c.collector.CacheHit()
		return b, nil
	}
	c.mu.Unlock()

	c.collector.CacheMiss()
	data := make([]byte, c.chunkSize)
	if err := c.dev.ReadChunk(chunk, data); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[chunk]; ok {
		// Lost a race with a concurrent Bread/GetBlk of the same chunk.
		b.refCount++
		c.clean.Del(chunk)
		return b, nil
	}
	b := &Buffer{Chunk: chunk, Data: data, refCount: 1}
	c.buffers[chunk] = b
	return b, nil
}

// SetBufferDirty marks buf modified and pins it in the dirty set; it will
// not be considered for eviction until FlushBuffers writes it back.
func (c *Cache) SetBufferDirty(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !buf.dirty {
		buf.dirty = true
		c.dirty[buf.Chunk] = buf
		c.collector.DirtyBuffers(len(c.dirty))
	}
}

// Brelse unpins buf. If it is clean, it becomes eligible for eviction.
func (c *Cache) Brelse(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf.refCount--
	if buf.refCount < 0 {
		buf.refCount = 0
	}
	if !buf.dirty && buf.refCount == 0 {
		c.clean.Set(buf.Chunk, buf, 1)
	}
}

// BrelseDirty marks buf dirty and unpins it in one step — the common case
// of "I modified this block and I'm done with it for now".
func (c *Cache) BrelseDirty(buf *Buffer) {
	c.SetBufferDirty(buf)
	c.Brelse(buf)
}

// DirtyBufferCount returns the number of buffers awaiting flush. The
// journal's commit back-pressure rule (spec §5) checks this against its
// configured transaction size.
func (c *Cache) DirtyBufferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// DirtyChunks returns the chunk numbers of every currently dirty buffer, in
// no particular order. Used by the journal to build a commit block.
func (c *Cache) DirtyChunks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	chunks := make([]uint64, 0, len(c.dirty))
	for chunk := range c.dirty {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// WriteBuffer writes buf to the device synchronously without clearing its
// dirty bit.
func (c *Cache) WriteBuffer(buf *Buffer) error {
	return c.dev.WriteChunk(buf.Chunk, buf.Data)
}

// FlushBuffers writes every dirty buffer to the device and clears the
// dirty set. Journal.Commit calls it before writing the commit block that
// names those chunks.
func (c *Cache) FlushBuffers() error {
	c.mu.Lock()
	dirty := make([]*Buffer, 0, len(c.dirty))
	for _, b := range c.dirty {
		dirty = append(dirty, b)
	}
	c.mu.Unlock()

	for _, b := range dirty {
		if err := c.dev.WriteChunk(b.Chunk, b.Data); err != nil {
			return fmt.Errorf("snapstore: flushing chunk %d: %w", b.Chunk, err)
		}
	}

	c.mu.Lock()
	for _, b := range dirty {
		b.dirty = false
		delete(c.dirty, b.Chunk)
		if b.refCount == 0 {
			c.clean.Set(b.Chunk, b, 1)
		}
	}
	c.collector.DirtyBuffers(len(c.dirty))
	c.mu.Unlock()
	return nil
}

// EvictBuffer drops chunk from the cache immediately if it is resident,
// clean, and unpinned. Used by space-pressure paths that want a specific
// chunk's memory back rather than waiting on ristretto's own scoring.
func (c *Cache) EvictBuffer(chunk uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[chunk]
	if !ok || b.dirty || b.refCount != 0 {
		return false
	}
	delete(c.buffers, chunk)
	c.clean.Del(chunk)
	return true
}
