package snapstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ddsnap/ddsnap/internal/logger"
	"github.com/ddsnap/ddsnap/pkg/metrics"
)

// journalMagic marks a valid commit block. A slot whose first four bytes
// don't match this is either unused journal space or a torn write; either
// way Recover skips it.
const journalMagic uint32 = 0x4a524e4c // "JRNL"

// journalCommitHeaderSize covers magic(4) + sum(4) + sequence(8) +
// count(4) before the target-chunk list.
const journalCommitHeaderSize = 4 + 4 + 8 + 4

// Journal is the write-ahead log protecting the exception B-tree, bitmap
// allocators, and superblock against torn writes: a transaction's dirty
// data blocks are written to their home locations, followed by a commit
// block recorded in the journal region naming exactly which chunks just
// landed. Recovery does not replay transactions: it restores the sequence
// number and next slot from the newest commit block whose checksum
// verifies, and ignores slots that fail the check.
type Journal struct {
	cache     *Cache
	dev       BlockDevice
	baseChunk uint64
	size      uint32 // journal region size, in chunks
	chunkSize uint64
	collector metrics.Collector

	nextSlot uint32 // next commit-block slot to write, wraps mod size
	sequence int64  // last committed sequence number
}

// NewJournal constructs a Journal over the size-chunk ring starting at
// baseChunk, resuming at sequence (the superblock's last committed value).
func NewJournal(cache *Cache, dev BlockDevice, baseChunk uint64, size uint32, chunkSize uint64, sequence int64, collector metrics.Collector) *Journal {
	if collector == nil {
		collector = metrics.Noop()
	}
	return &Journal{
		cache:     cache,
		dev:       dev,
		baseChunk: baseChunk,
		size:      size,
		chunkSize: chunkSize,
		collector: collector,
		sequence:  sequence,
	}
}

// NeedsCommit reports whether the back-pressure rule (spec §5: commit once
// dirty_buffer_count >= journal_size - 1) requires a commit before any more
// writes are accepted. The threshold depends only on the journal size;
// Commit returns an error if the dirty set holds more chunks than one
// commit block can list.
func (j *Journal) NeedsCommit() bool {
	return j.cache.DirtyBufferCount() >= int(j.size)-1
}

// Commit writes every currently dirty buffer to its home location, then
// appends a commit block recording them, then flushes the dirty set.
// Returns the committed sequence number.
func (j *Journal) Commit() (int64, error) {
	start := time.Now()
	chunks := j.cache.DirtyChunks()
	if len(chunks) == 0 {
		return j.sequence, nil
	}

	if err := j.cache.FlushBuffers(); err != nil {
		return 0, fmt.Errorf("snapstore: journal commit: writing data blocks: %w", err)
	}

	j.sequence++
	block := make([]byte, j.chunkSize)
	if err := encodeCommitBlock(block, j.sequence, chunks); err != nil {
		j.sequence--
		return 0, err
	}

	slotChunk := j.baseChunk + uint64(j.nextSlot)
	if err := j.dev.WriteChunk(slotChunk, block); err != nil {
		j.sequence--
		return 0, fmt.Errorf("snapstore: writing commit block: %w", err)
	}
	if err := j.dev.Sync(); err != nil {
		j.sequence--
		return 0, fmt.Errorf("snapstore: syncing commit block: %w", err)
	}

	j.nextSlot = (j.nextSlot + 1) % j.size
	j.collector.JournalCommit(len(chunks), time.Since(start).Seconds())
	logger.Debug("journal commit",
		logger.Sequence(j.sequence), logger.DirtyBuffers(len(chunks)))
	return j.sequence, nil
}

// encodeCommitBlock lays out a commit block: magic, checksum (the 32-bit
// sum-complement of every other word in the block), sequence number, and
// the list of chunks the preceding writes touched.
func encodeCommitBlock(buf []byte, sequence int64, chunks []uint64) error {
	need := journalCommitHeaderSize + 8*len(chunks)
	if need > len(buf) {
		return fmt.Errorf("snapstore: commit block too small for %d chunks (need %d, have %d)", len(chunks), need, len(buf))
	}
	binary.LittleEndian.PutUint32(buf[0:], journalMagic)
	// sum placeholder written last, once the rest of the block is final.
	binary.LittleEndian.PutUint64(buf[8:], uint64(sequence))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(chunks)))
	o := journalCommitHeaderSize
	for _, c := range chunks {
		binary.LittleEndian.PutUint64(buf[o:], c)
		o += 8
	}
	binary.LittleEndian.PutUint32(buf[4:], commitChecksum(buf))
	return nil
}

// commitChecksum is the 32-bit sum of every 4-byte word in the block other
// than the checksum field itself, complemented — so a correctly computed
// checksum makes the whole-block word sum equal zero, the classic
// self-checking trick used by on-disk journal formats.
func commitChecksum(buf []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(buf); i += 4 {
		if i == 4 {
			continue // skip the checksum field itself
		}
		sum += binary.LittleEndian.Uint32(buf[i:])
	}
	return ^sum + 1
}

func verifyCommitChecksum(buf []byte) bool {
	var sum uint32
	for i := 0; i+4 <= len(buf); i += 4 {
		sum += binary.LittleEndian.Uint32(buf[i:])
	}
	return sum == 0
}

// decodeCommitBlock parses a commit block, returning its sequence number
// and target chunk list. Returns false if the block doesn't carry the
// journal magic or fails its checksum — either an unused slot or a torn
// write, both of which Recover skips.
func decodeCommitBlock(buf []byte) (sequence int64, chunks []uint64, ok bool) {
	if len(buf) < journalCommitHeaderSize {
		return 0, nil, false
	}
	if binary.LittleEndian.Uint32(buf[0:]) != journalMagic {
		return 0, nil, false
	}
	if !verifyCommitChecksum(buf) {
		return 0, nil, false
	}
	sequence = int64(binary.LittleEndian.Uint64(buf[8:]))
	count := binary.LittleEndian.Uint32(buf[16:])
	need := journalCommitHeaderSize + 8*int(count)
	if need > len(buf) {
		return 0, nil, false
	}
	chunks = make([]uint64, count)
	o := journalCommitHeaderSize
	for i := range chunks {
		chunks[i] = binary.LittleEndian.Uint64(buf[o:])
		o += 8
	}
	return sequence, chunks, true
}

// Recover scans the journal ring on startup: it reads every slot,
// verifies each commit block's checksum, skips slots that fail, and moves
// the in-memory sequence cursor and next slot past the highest valid
// sequence found. Because the data blocks a commit names were already
// durable on disk before the commit block landed (Commit's write-then-sync
// order), no transaction is replayed; there is no redo work to perform
// against the data blocks themselves.
func (j *Journal) Recover() error {
	best := j.sequence
	bestSlot := uint32(0)
	found := false

	for slot := uint32(0); slot < j.size; slot++ {
		buf := make([]byte, j.chunkSize)
		if err := j.dev.ReadChunk(j.baseChunk+uint64(slot), buf); err != nil {
			return fmt.Errorf("snapstore: reading journal slot %d: %w", slot, err)
		}
		seq, _, ok := decodeCommitBlock(buf)
		if !ok {
			continue
		}
		if !found || seq > best {
			best = seq
			bestSlot = slot
			found = true
		}
	}

	if !found {
		return nil
	}

	j.sequence = best
	j.nextSlot = (bestSlot + 1) % j.size
	logger.Info("journal recovered", logger.Sequence(j.sequence))
	return nil
}

// Sequence returns the last committed transaction sequence number.
func (j *Journal) Sequence() int64 { return j.sequence }
