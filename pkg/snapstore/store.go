package snapstore

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ddsnap/ddsnap/internal/logger"
	"github.com/ddsnap/ddsnap/pkg/config"
	"github.com/ddsnap/ddsnap/pkg/metrics"
)

func newStatusNonce() uuid.UUID { return uuid.New() }

// Store wires together every component described in this package: the
// superblock, the metadata and snapshot-data block caches and their
// bitmap allocators, the write-ahead journal, the exception B-tree, the
// snapshot registry, the snap-read lock table, and the copyout engine.
// server.go drives it from the wire protocol; nothing here depends on the
// transport.
type Store struct {
	cfg *config.Config

	metaDev  *FileBlockDevice
	dataDev  BlockDevice
	originDev *FileBlockDevice

	cache     *Cache
	dataCache *Cache // nil when the snapshot-data space coincides with metadata, in which case dataAlloc shares cache
	metaAlloc *Allocator
	dataAlloc *Allocator
	journal   *Journal
	tree      *Tree
	registry  *Registry
	locks     *LockTable
	copyout   *Engine

	sb        *Superblock
	collector metrics.Collector
}

// Format initializes a brand new metadata device: superblock, bitmap
// regions, journal region, and an empty exception B-tree root.
func Format(cfg *config.Config) error {
	chunkSize := cfg.Metadata.ChunkSize()

	metaDev, err := OpenFileBlockDevice(cfg.Metadata.Path, chunkSize, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer metaDev.Close()

	metadataChunks := cfg.Metadata.SizeChunks
	bitmapChunks := BitmapChunks(metadataChunks, chunkSize)

	snapDataChunks := metadataChunks
	coincides := cfg.SnapshotData.Path == cfg.Metadata.Path
	if !coincides {
		snapDataChunks = cfg.SnapshotData.SizeChunks
	}

	sb := NewSuperblock(cfg.Metadata.ChunkSizeBits, metadataChunks, snapDataChunks, cfg.Origin.SizeSectors, cfg.Journal.SizeChunks)
	sb.BitmapBaseChunk = 1
	sb.JournalBaseChunk = sb.BitmapBaseChunk + bitmapChunks

	collector := metrics.NewCollector()
	cache, err := NewCache(metaDev, chunkSize, cfg.Cache.MaxBuffers, collector)
	if err != nil {
		return err
	}
	metaAlloc := NewAllocator(SpaceMetadata, cache, sb.BitmapBaseChunk, metadataChunks, chunkSize, collector)

	reserved := 1 + bitmapChunks + uint64(sb.JournalChunks)
	for c := uint64(0); c < reserved; c++ {
		if _, err := metaAlloc.AllocChunk(); err != nil {
			return fmt.Errorf("snapstore: reserving superblock/bitmap/journal region: %w", err)
		}
	}

	if !coincides {
		sb.SnapBitmapBase = 0
		dataDev, err := OpenFileBlockDevice(cfg.SnapshotData.Path, chunkSize, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		defer dataDev.Close()
		dataCache, err := NewCache(dataDev, chunkSize, cfg.Cache.MaxBuffers, collector)
		if err != nil {
			return err
		}
		dataBitmapChunks := BitmapChunks(snapDataChunks, chunkSize)
		dataAlloc := NewAllocator(SpaceSnapData, dataCache, 0, snapDataChunks, chunkSize, collector)
		for c := uint64(0); c < dataBitmapChunks; c++ {
			if _, err := dataAlloc.AllocChunk(); err != nil {
				return fmt.Errorf("snapstore: reserving snapshot-data bitmap region: %w", err)
			}
		}
		if err := dataCache.FlushBuffers(); err != nil {
			return err
		}
	}

	rootChunk, err := FormatTree(cache, metaAlloc, chunkSize)
	if err != nil {
		return err
	}
	sb.RootChunk = rootChunk

	if err := cache.FlushBuffers(); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	if err := sb.MarshalBinary(buf); err != nil {
		return err
	}
	if err := metaDev.WriteChunk(0, buf); err != nil {
		return err
	}
	return metaDev.Sync()
}

// Open reads an existing metadata device, recovers the journal, and
// wires up every component for service.
func Open(cfg *config.Config) (*Store, error) {
	chunkSize := cfg.Metadata.ChunkSize()

	metaDev, err := OpenFileBlockDevice(cfg.Metadata.Path, chunkSize, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	sbBuf := make([]byte, chunkSize)
	if err := metaDev.ReadChunk(0, sbBuf); err != nil {
		metaDev.Close()
		return nil, err
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(sbBuf); err != nil {
		metaDev.Close()
		return nil, fmt.Errorf("snapstore: reading superblock: %w", err)
	}
	sb.StatusNonce = newStatusNonce()

	var dataDev BlockDevice = metaDev
	if cfg.SnapshotData.Path != cfg.Metadata.Path {
		dataDev, err = OpenFileBlockDevice(cfg.SnapshotData.Path, chunkSize, os.O_RDWR, 0o644)
		if err != nil {
			metaDev.Close()
			return nil, err
		}
	}

	originDev, err := OpenFileBlockDevice(cfg.Origin.Path, chunkSize, os.O_RDWR, 0o644)
	if err != nil {
		metaDev.Close()
		return nil, err
	}

	collector := metrics.NewCollector()
	cache, err := NewCache(metaDev, chunkSize, cfg.Cache.MaxBuffers, collector)
	if err != nil {
		return nil, err
	}

	metaAlloc := NewAllocator(SpaceMetadata, cache, sb.BitmapBaseChunk, sb.MetadataChunks, chunkSize, collector)
	var dataAlloc *Allocator
	var dataCache *Cache
	if cfg.SnapshotData.Path != cfg.Metadata.Path {
		var err error
		dataCache, err = NewCache(dataDev, chunkSize, cfg.Cache.MaxBuffers, collector)
		if err != nil {
			return nil, err
		}
		dataAlloc = NewAllocator(SpaceSnapData, dataCache, 0, sb.SnapDataChunks, chunkSize, collector)
	} else {
		dataAlloc = metaAlloc
	}

	journal := NewJournal(cache, metaDev, sb.JournalBaseChunk, sb.JournalChunks, chunkSize, sb.JournalSequence, collector)
	if err := journal.Recover(); err != nil {
		return nil, err
	}

	tree := OpenTree(cache, metaAlloc, chunkSize, sb.RootChunk)
	registry := NewRegistry(sb, collector)
	locks := NewLockTable(cfg.SnapLock.HashBits, collector)
	engine := NewEngine(originDev, dataDev, chunkSize)

	tree.SetPressureEvictor(func() (bool, error) {
		bit, ok := registry.EvictPressureVictim()
		if !ok {
			return false, nil
		}
		if err := tree.DeleteSnapshotRange(bit, dataAlloc.FreeChunk); err != nil {
			return false, err
		}
		return true, nil
	})

	logger.Info("snapshot store opened",
		logger.Sequence(journal.Sequence()),
		"live_snapshots", len(registry.List()))

	return &Store{
		cfg:       cfg,
		metaDev:   metaDev,
		dataDev:   dataDev,
		originDev: originDev,
		cache:     cache,
		dataCache: dataCache,
		metaAlloc: metaAlloc,
		dataAlloc: dataAlloc,
		journal:   journal,
		tree:      tree,
		registry:  registry,
		locks:     locks,
		copyout:   engine,
		sb:        sb,
		collector: collector,
	}, nil
}

// Close flushes and closes every underlying device.
func (s *Store) Close() error {
	if _, err := s.journal.Commit(); err != nil {
		return err
	}
	if s.dataCache != nil {
		if err := s.dataCache.FlushBuffers(); err != nil {
			return err
		}
	}
	if err := s.persistSuperblock(); err != nil {
		return err
	}
	if s.dataCache != nil {
		if err := s.dataDev.Close(); err != nil {
			return err
		}
	}
	if err := s.originDev.Close(); err != nil {
		return err
	}
	return s.metaDev.Close()
}

func (s *Store) persistSuperblock() error {
	s.sb.RootChunk = s.tree.Root()
	s.sb.JournalSequence = s.journal.Sequence()
	buf := make([]byte, s.cache.chunkSize)
	if err := s.sb.MarshalBinary(buf); err != nil {
		return err
	}
	if err := s.metaDev.WriteChunk(0, buf); err != nil {
		return err
	}
	return s.metaDev.Sync()
}

// maybeCommit runs the journal's back-pressure rule after a mutation, and
// rewrites the superblock after every commit it makes. A
// snapshot-data device that doesn't coincide with the metadata device
// keeps its own allocator bitmap outside the journal entirely, so its
// dirty buffers are flushed alongside every commit rather than replayed
// on recovery; DESIGN.md records this as a deliberate scope cut.
func (s *Store) maybeCommit() error {
	if !s.journal.NeedsCommit() {
		return nil
	}
	if _, err := s.journal.Commit(); err != nil {
		return err
	}
	if s.dataCache != nil {
		if err := s.dataCache.FlushBuffers(); err != nil {
			return err
		}
	}
	return s.persistSuperblock()
}

// QueryWrite is the QUERY_WRITE handler. An origin write (snapTag ==
// OriginTag) must give every live snapshot its own copy of originChunk
// before the origin may be overwritten. A snapshot write instead only
// needs snapTag's own bit to be private: if it's still sharing an
// exception with other snapshots, MakeUnique unshares it rather than
// silently treating the chunk as already protected.
func (s *Store) QueryWrite(originChunk uint64, snapTag uint32) ([]CopyRange, error) {
	snap := int32(OriginBit)
	activeMask := s.registry.LiveMask()
	if snapTag != OriginTag {
		rec := s.sb.FindSnapshot(snapTag)
		if rec == nil {
			return nil, ErrSnapshotMissing
		}
		snap = int32(rec.Bit)
	}

	// A snapshot read in flight against this chunk must finish before the
	// copyout below can safely read the origin's current contents.
	done := make(chan struct{})
	s.locks.WaitForChunk(originChunk, func() { close(done) })
	<-done

	if _, err := s.tree.MakeUnique(originChunk, snap, activeMask, s.copyout.Copy); err != nil {
		return nil, err
	}
	if err := s.maybeCommit(); err != nil {
		return nil, err
	}
	// MakeUnique performs its own copyout synchronously, so by the time
	// QueryWrite returns the write is already safe to issue; callers get
	// an empty range list rather than data to copy themselves.
	return nil, nil
}

// QuerySnapshotRead is the QUERY_SNAPSHOT_READ handler: it locks
// originChunk against concurrent origin writes and reports whether tag's
// view reads the origin directly or a snapshot-data chunk.
func (s *Store) QuerySnapshotRead(originChunk uint64, tag uint32) (chunk uint64, fromOrigin bool, err error) {
	rec := s.sb.FindSnapshot(tag)
	if rec == nil {
		return 0, false, ErrSnapshotMissing
	}
	excs, err := s.tree.Probe(originChunk)
	if err != nil {
		return 0, false, err
	}
	bit := uint64(1) << uint(rec.Bit)
	s.locks.ReadlockChunk(originChunk)
	for _, e := range excs {
		if e.Share&bit != 0 {
			return e.Chunk, false, nil
		}
	}
	return originChunk, true, nil
}

// FinishSnapshotRead releases the lock QuerySnapshotRead took.
func (s *Store) FinishSnapshotRead(originChunk uint64) {
	s.locks.ReleaseChunk(originChunk)
}

// CreateSnapshot is the CREATE_SNAPSHOT handler.
func (s *Store) CreateSnapshot(tag uint32, priority int8) error {
	_, err := s.registry.Create(tag, priority, time.Now().Unix(), func(bit int32) error {
		return s.tree.DeleteSnapshotRange(bit, s.freeSnapDataChunk)
	})
	if err != nil {
		return err
	}
	return s.maybeCommit()
}

// DeleteSnapshot is the DELETE_SNAPSHOT handler.
func (s *Store) DeleteSnapshot(tag uint32) error {
	bit, err := s.registry.Delete(tag)
	if err != nil {
		return err
	}
	if err := s.tree.DeleteSnapshotRange(int32(bit), s.freeSnapDataChunk); err != nil {
		return err
	}
	return s.maybeCommit()
}

func (s *Store) freeSnapDataChunk(chunk uint64) error {
	return s.dataAlloc.FreeChunk(chunk)
}

// ListSnapshots is the LIST_SNAPSHOTS handler.
func (s *Store) ListSnapshots() []SnapshotRecord {
	return s.registry.List()
}

// SetPriority is the PRIORITY handler.
func (s *Store) SetPriority(tag uint32, priority int8) error {
	return s.registry.SetPriority(tag, priority)
}

// SetUsecount is the USECOUNT handler.
func (s *Store) SetUsecount(tag uint32, count uint32) error {
	return s.registry.SetUseCount(tag, count)
}

// Status is the STATUS handler.
func (s *Store) Status() (metaUsed, metaTotal, dataUsed, dataTotal uint64, err error) {
	metaUsed, err = s.metaAlloc.UsedChunks()
	if err != nil {
		return
	}
	metaTotal = s.sb.MetadataChunks
	dataUsed, err = s.dataAlloc.UsedChunks()
	if err != nil {
		return
	}
	dataTotal = s.sb.SnapDataChunks
	if dataTotal == 0 {
		dataTotal = s.sb.MetadataChunks
	}
	return
}

// StreamChangelist is the STREAM_CHANGELIST handler: it reports every
// origin chunk whose on-disk contents differ between tag1 and tag2.
func (s *Store) StreamChangelist(tag1, tag2 uint32) ([]ChangeEntry, error) {
	rec1 := s.sb.FindSnapshot(tag1)
	if rec1 == nil {
		return nil, ErrSnapshotMissing
	}
	rec2 := s.sb.FindSnapshot(tag2)
	if rec2 == nil {
		return nil, ErrSnapshotMissing
	}
	return s.tree.GenChangelist(int32(rec1.Bit), int32(rec2.Bit))
}

// OriginSectors is the REQUEST_ORIGIN_SECTORS handler.
func (s *Store) OriginSectors() uint64 {
	return s.sb.OriginSectors
}

// DirtyBufferCount and JournalSequence feed the STATUS reply.
func (s *Store) DirtyBufferCount() int     { return s.cache.DirtyBufferCount() }
func (s *Store) JournalSequence() int64    { return s.journal.Sequence() }
func (s *Store) SnapLockDepth() int        { return s.locks.Depth() }
