package snapstore

import (
	"encoding/binary"
	"fmt"
)

// leafMagic identifies an exception-B-tree leaf block.
const leafMagic uint16 = 0x1eaf

const leafVersion uint16 = 1

// leafHeaderSize: magic(2) + version(2) + count(4) + baseChunk(8) +
// usingMask(8) + upperBound(8).
const leafHeaderSize = 2 + 2 + 4 + 8 + 8 + 8

// leafDirEntrySize: offset(4) + rchunk delta from BaseChunk(8).
const leafDirEntrySize = 4 + 8

// exceptionSize: share bitmap(8) + snapshot-data chunk(8).
const exceptionSize = 8 + 8

// exception is one copy-on-write record: which live snapshots still see
// the pre-write data (Share, a bitmap over snapshot bit indices) and where
// that data was copied to (Chunk, in the snapshot-data space).
type exception struct {
	Share uint64
	Chunk uint64
}

// leafEntry is one origin chunk's exception list within a leaf, kept
// sorted ascending by RChunk (the origin chunk number relative to the
// leaf's BaseChunk).
type leafEntry struct {
	RChunk     uint64
	Exceptions []exception
}

// Leaf is the decoded, in-memory form of a packed exception-B-tree leaf
// block. Mutation happens on this structured representation; Marshal
// re-lays the whole block out from scratch rather than patching bytes in
// place, which is simpler to get right than maintaining the two
// free-space regions of the on-disk format incrementally and costs
// nothing extra since a leaf is always read and rewritten as a whole unit
// through the block cache anyway.
type Leaf struct {
	BaseChunk  uint64
	UsingMask  uint64 // snapmask active when the leaf was last written
	UpperBound uint64 // exclusive upper bound of origin chunks this leaf may hold
	Entries    []leafEntry
}

// NewLeaf returns an empty leaf covering [baseChunk, upperBound).
func NewLeaf(baseChunk, upperBound, usingMask uint64) *Leaf {
	return &Leaf{BaseChunk: baseChunk, UsingMask: usingMask, UpperBound: upperBound}
}

// EncodedSize returns how many bytes Marshal would need for the leaf's
// current contents.
func (l *Leaf) EncodedSize() int {
	n := leafHeaderSize + (len(l.Entries)+1)*leafDirEntrySize
	for _, e := range l.Entries {
		n += len(e.Exceptions) * exceptionSize
	}
	return n
}

// Freespace returns how many bytes remain in a block of the given size
// before the leaf would overflow it.
func (l *Leaf) Freespace(blockSize uint64) int {
	return int(blockSize) - l.EncodedSize()
}

// Marshal encodes the leaf into buf, which must be exactly blockSize
// bytes. Returns ErrLeafFull if the leaf's contents don't fit.
func (l *Leaf) Marshal(buf []byte, blockSize uint64) error {
	need := l.EncodedSize()
	if need > len(buf) || uint64(need) > blockSize {
		return ErrLeafFull
	}
	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint16(buf[0:], leafMagic)
	binary.LittleEndian.PutUint16(buf[2:], leafVersion)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(l.Entries)))
	binary.LittleEndian.PutUint64(buf[8:], l.BaseChunk)
	binary.LittleEndian.PutUint64(buf[16:], l.UsingMask)
	binary.LittleEndian.PutUint64(buf[24:], l.UpperBound)

	dirOff := leafHeaderSize
	excOff := int(blockSize)
	// Pack the exception area against the end of the block, entries in
	// directory order (entry 0's records first, the last entry's records
	// ending at the block end), so the free gap lands between the
	// directory and the exception area, matching the packed-leaf invariant that
	// directory size + exception payload + header == block size.
	for i := len(l.Entries) - 1; i >= 0; i-- {
		excOff -= len(l.Entries[i].Exceptions) * exceptionSize
	}
	cursor := excOff
	for i, ent := range l.Entries {
		binary.LittleEndian.PutUint32(buf[dirOff:], uint32(cursor))
		binary.LittleEndian.PutUint64(buf[dirOff+4:], ent.RChunk-l.BaseChunk)
		dirOff += leafDirEntrySize
		for _, e := range ent.Exceptions {
			binary.LittleEndian.PutUint64(buf[cursor:], e.Share)
			binary.LittleEndian.PutUint64(buf[cursor+8:], e.Chunk)
			cursor += exceptionSize
		}
		_ = i
	}
	// Sentinel: offset == blockSize (end of block), rchunk delta == the
	// upper bound, giving delete_tree_range and probe a clean exclusive
	// stop without special-casing the last real entry.
	binary.LittleEndian.PutUint32(buf[dirOff:], uint32(blockSize))
	binary.LittleEndian.PutUint64(buf[dirOff+4:], l.UpperBound-l.BaseChunk)
	return nil
}

// UnmarshalLeaf decodes a leaf previously written by Marshal.
func UnmarshalLeaf(buf []byte) (*Leaf, error) {
	if len(buf) < leafHeaderSize {
		return nil, fmt.Errorf("snapstore: leaf block too small")
	}
	if binary.LittleEndian.Uint16(buf[0:]) != leafMagic {
		return nil, ErrBadMagic
	}
	count := binary.LittleEndian.Uint32(buf[4:])
	l := &Leaf{
		BaseChunk: binary.LittleEndian.Uint64(buf[8:]),
		UsingMask: binary.LittleEndian.Uint64(buf[16:]),
	}
	l.UpperBound = binary.LittleEndian.Uint64(buf[24:]) + l.BaseChunk

	dirOff := leafHeaderSize
	l.Entries = make([]leafEntry, count)
	offsets := make([]uint32, count+1)
	for i := uint32(0); i <= count; i++ {
		offsets[i] = binary.LittleEndian.Uint32(buf[dirOff:])
		if i < count {
			l.Entries[i].RChunk = binary.LittleEndian.Uint64(buf[dirOff+4:]) + l.BaseChunk
		} else {
			l.UpperBound = binary.LittleEndian.Uint64(buf[dirOff+4:]) + l.BaseChunk
		}
		dirOff += leafDirEntrySize
	}
	for i := uint32(0); i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if end < start || int(end) > len(buf) {
			return nil, fmt.Errorf("snapstore: corrupt leaf directory entry %d", i)
		}
		n := (end - start) / exceptionSize
		excs := make([]exception, n)
		o := start
		for j := range excs {
			excs[j].Share = binary.LittleEndian.Uint64(buf[o:])
			excs[j].Chunk = binary.LittleEndian.Uint64(buf[o+8:])
			o += exceptionSize
		}
		l.Entries[i].Exceptions = excs
	}
	return l, nil
}

// find returns the index of the entry with the given RChunk, or -1.
func (l *Leaf) find(rchunk uint64) int {
	lo, hi := 0, len(l.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.Entries[mid].RChunk < rchunk {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(l.Entries) && l.Entries[lo].RChunk == rchunk {
		return lo
	}
	return -1
}

// insertPoint returns the index at which an entry for rchunk would be
// inserted to keep Entries sorted ascending.
func (l *Leaf) insertPoint(rchunk uint64) int {
	lo, hi := 0, len(l.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.Entries[mid].RChunk < rchunk {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
