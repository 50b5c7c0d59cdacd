package snapstore

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// superblockMagic identifies the metadata device's block 0. Chosen to be
// unmistakable in a hex dump.
const superblockMagic uint32 = 0x44445350 // "DDSP"

const superblockVersion uint16 = 1

// SnapshotRecord is one row of the superblock's snapshot table: everything
// needed to answer LIST_SNAPSHOTS and to drive priority eviction without
// walking the B-tree.
type SnapshotRecord struct {
	Tag      uint32
	Bit      int8 // index into the 64-bit share masks, or -1 if slot is free
	Priority int8
	UseCount uint32
	CTime    int64 // unix seconds
}

// Superblock is the fixed-layout block 0 of the metadata device: device
// geometry, chunk size, allocator cursors, the journal's replay sequence,
// and the snapshot table. It is rewritten only on journal commit, never
// touched mid-transaction.
type Superblock struct {
	ChunkSizeBits    uint8
	MetadataChunks   uint64 // size of the metadata device, in chunks
	SnapDataChunks   uint64 // size of the snapshot-data device, in chunks
	OriginSectors    uint64
	RootChunk        uint64 // root of the exception B-tree
	BitmapBaseChunk  uint64 // first chunk of the metadata-space bitmap
	SnapBitmapBase   uint64 // first chunk of the snapdata-space bitmap
	JournalBaseChunk uint64
	JournalChunks    uint32
	JournalSequence  int64 // last committed transaction sequence number
	Snapshots        [MaxSnapshots]SnapshotRecord
	StatusNonce      uuid.UUID // regenerated each time the store is opened
}

// ChunkSize returns the metadata/snapdata chunk size in bytes.
func (s *Superblock) ChunkSize() uint64 { return 1 << s.ChunkSizeBits }

// NewSuperblock builds a fresh superblock for Format, with every snapshot
// slot marked free (Bit == -1).
func NewSuperblock(chunkSizeBits uint8, metadataChunks, snapDataChunks, originSectors uint64, journalChunks uint32) *Superblock {
	sb := &Superblock{
		ChunkSizeBits:  chunkSizeBits,
		MetadataChunks: metadataChunks,
		SnapDataChunks: snapDataChunks,
		OriginSectors:  originSectors,
		JournalChunks:  journalChunks,
		StatusNonce:    uuid.New(),
	}
	for i := range sb.Snapshots {
		sb.Snapshots[i].Bit = -1
	}
	return sb
}

// superblockRecordSize is the encoded byte width of one SnapshotRecord:
// tag(4) + bit(1) + priority(1) + usecount(4) + ctime(8).
const superblockRecordSize = 18

// superblockFixedSize covers everything ahead of the snapshot table:
// magic(4) + version(2) + chunkSizeBits(1) + pad(1) + metadataChunks(8) +
// snapDataChunks(8) + originSectors(8) + rootChunk(8) + bitmapBase(8) +
// snapBitmapBase(8) + journalBase(8) + journalChunks(4) + journalSeq(8) +
// nonce(16).
const superblockFixedSize = 4 + 2 + 1 + 1 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 4 + 8 + 16

// EncodedSize is the total number of bytes a Superblock occupies, which
// must be <= the configured chunk size.
func EncodedSize() int {
	return superblockFixedSize + MaxSnapshots*superblockRecordSize
}

// MarshalBinary encodes the superblock into buf, which must be at least
// EncodedSize() bytes (callers pass a full chunk-sized buffer; the tail is
// left zeroed).
func (s *Superblock) MarshalBinary(buf []byte) error {
	if len(buf) < EncodedSize() {
		return fmt.Errorf("snapstore: superblock buffer too small: %d < %d", len(buf), EncodedSize())
	}
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], superblockMagic)
	o += 4
	binary.LittleEndian.PutUint16(buf[o:], superblockVersion)
	o += 2
	buf[o] = s.ChunkSizeBits
	o++
	o++ // pad
	binary.LittleEndian.PutUint64(buf[o:], s.MetadataChunks)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], s.SnapDataChunks)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], s.OriginSectors)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], s.RootChunk)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], s.BitmapBaseChunk)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], s.SnapBitmapBase)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], s.JournalBaseChunk)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], s.JournalChunks)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(s.JournalSequence))
	o += 8
	nonce, _ := s.StatusNonce.MarshalBinary()
	copy(buf[o:o+16], nonce)
	o += 16

	for i := range s.Snapshots {
		rec := &s.Snapshots[i]
		binary.LittleEndian.PutUint32(buf[o:], rec.Tag)
		o += 4
		buf[o] = byte(rec.Bit)
		o++
		buf[o] = byte(rec.Priority)
		o++
		binary.LittleEndian.PutUint32(buf[o:], rec.UseCount)
		o += 4
		binary.LittleEndian.PutUint64(buf[o:], uint64(rec.CTime))
		o += 8
	}
	return nil
}

// UnmarshalBinary decodes a superblock previously written by MarshalBinary.
func (s *Superblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < EncodedSize() {
		return fmt.Errorf("snapstore: superblock buffer too small: %d < %d", len(buf), EncodedSize())
	}
	o := 0
	magic := binary.LittleEndian.Uint32(buf[o:])
	if magic != superblockMagic {
		return ErrBadMagic
	}
	o += 4
	o += 2 // version, ignored for now: only one on-disk layout exists
	s.ChunkSizeBits = buf[o]
	o++
	o++ // pad
	s.MetadataChunks = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.SnapDataChunks = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.OriginSectors = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.RootChunk = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.BitmapBaseChunk = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.SnapBitmapBase = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.JournalBaseChunk = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.JournalChunks = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	s.JournalSequence = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	if err := s.StatusNonce.UnmarshalBinary(buf[o : o+16]); err != nil {
		return fmt.Errorf("snapstore: decoding status nonce: %w", err)
	}
	o += 16

	for i := range s.Snapshots {
		rec := &s.Snapshots[i]
		rec.Tag = binary.LittleEndian.Uint32(buf[o:])
		o += 4
		rec.Bit = int8(buf[o])
		o++
		rec.Priority = int8(buf[o])
		o++
		rec.UseCount = binary.LittleEndian.Uint32(buf[o:])
		o += 4
		rec.CTime = int64(binary.LittleEndian.Uint64(buf[o:]))
		o += 8
	}
	return nil
}

// FindSnapshot returns the record for tag, or nil if no live snapshot
// carries it.
func (s *Superblock) FindSnapshot(tag uint32) *SnapshotRecord {
	for i := range s.Snapshots {
		if s.Snapshots[i].Bit >= 0 && s.Snapshots[i].Tag == tag {
			return &s.Snapshots[i]
		}
	}
	return nil
}

// FreeSnapshotSlot returns the first unused snapshot table slot, or nil if
// the table is full (MaxSnapshots live snapshots).
func (s *Superblock) FreeSnapshotSlot() *SnapshotRecord {
	for i := range s.Snapshots {
		if s.Snapshots[i].Bit < 0 {
			return &s.Snapshots[i]
		}
	}
	return nil
}

// LiveSnapshots returns pointers to every occupied snapshot slot.
func (s *Superblock) LiveSnapshots() []*SnapshotRecord {
	out := make([]*SnapshotRecord, 0, MaxSnapshots)
	for i := range s.Snapshots {
		if s.Snapshots[i].Bit >= 0 {
			out = append(out, &s.Snapshots[i])
		}
	}
	return out
}
