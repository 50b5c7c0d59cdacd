package snapstore

import (
	"encoding/binary"
	"fmt"
)

// indexMagic identifies an exception-B-tree index (branch) block, as
// opposed to a leaf block (leafMagic). Both sit in a block's first two
// bytes, so blockKind can dispatch on those bytes alone.
const indexMagic uint16 = 0x1e1d

// IndexNode is a branch of the exception B-tree. Children[i] is the chunk
// of the subtree holding origin chunks in [bound(i), bound(i+1)), where
// bound(0) is the tree's overall lower bound and bound(len(Keys)+1) is its
// upper bound; Keys holds the len(Children)-1 interior boundaries.
//
// The tree built here is capped at two levels: a single index node
// fanning out directly to leaves. Exception density per origin chunk is
// low enough in practice that one index block's fan-out comfortably
// covers a metadata device's worth of leaves; DESIGN.md records this as a
// deliberate scope cut rather than an oversight.
type IndexNode struct {
	Keys     []uint64
	Children []uint64
}

const nodeHeaderSize = 2 + 2 + 4 // magic + version + count

func (n *IndexNode) EncodedSize() int {
	return nodeHeaderSize + len(n.Keys)*8 + len(n.Children)*8
}

// Marshal encodes n into buf (exactly blockSize bytes).
func (n *IndexNode) Marshal(buf []byte, blockSize uint64) error {
	need := n.EncodedSize()
	if uint64(need) > blockSize {
		return ErrLeafFull
	}
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint16(buf[0:], indexMagic)
	binary.LittleEndian.PutUint16(buf[2:], leafVersion)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(n.Keys)))
	o := nodeHeaderSize
	for _, k := range n.Keys {
		binary.LittleEndian.PutUint64(buf[o:], k)
		o += 8
	}
	for _, c := range n.Children {
		binary.LittleEndian.PutUint64(buf[o:], c)
		o += 8
	}
	return nil
}

// UnmarshalIndexNode decodes an index node previously written by Marshal.
func UnmarshalIndexNode(buf []byte) (*IndexNode, error) {
	if len(buf) < nodeHeaderSize {
		return nil, fmt.Errorf("snapstore: index block too small")
	}
	if binary.LittleEndian.Uint16(buf[0:]) != indexMagic {
		return nil, ErrBadMagic
	}
	count := binary.LittleEndian.Uint32(buf[4:])
	n := &IndexNode{Keys: make([]uint64, count), Children: make([]uint64, count+1)}
	o := nodeHeaderSize
	for i := range n.Keys {
		n.Keys[i] = binary.LittleEndian.Uint64(buf[o:])
		o += 8
	}
	for i := range n.Children {
		n.Children[i] = binary.LittleEndian.Uint64(buf[o:])
		o += 8
	}
	return n, nil
}

// childFor returns the index into Children holding origin chunk rchunk.
func (n *IndexNode) childFor(rchunk uint64) int {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if n.Keys[mid] <= rchunk {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// blockKind distinguishes a decoded block's type without fully parsing it,
// by peeking at the shared magic-number position.
func blockKind(buf []byte) (isIndex bool, ok bool) {
	if len(buf) < 2 {
		return false, false
	}
	switch binary.LittleEndian.Uint16(buf[0:]) {
	case indexMagic:
		return true, true
	case leafMagic:
		return false, true
	default:
		return false, false
	}
}
