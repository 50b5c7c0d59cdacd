package snapstore

import (
	"fmt"
)

// Tree is the persistent exception B-tree: one record per origin chunk
// that has diverged from the live origin for at least one snapshot,
// holding the set of (snapshot-bit-mask, snapshot-data-chunk) copies that
// back it. It is capped at two on-disk levels (an optional single index
// node fanning out to leaves; see IndexNode's doc comment) and every
// mutation goes through the shared block Cache, so tree changes are
// captured by the journal like any other metadata write.
type Tree struct {
	cache     *Cache
	nodes     *Allocator // metadata-space allocator, for leaf/index chunk allocation
	chunkSize uint64
	root      uint64

	// evictPressure relieves exception-chunk allocation pressure by
	// deleting one live snapshot (lowest priority, zero usecount) and
	// freeing its chunks, per spec.md §4.5. Nil in tests that don't wire
	// a registry. See SetPressureEvictor.
	evictPressure func() (evicted bool, err error)
}

// OpenTree wraps an already-formatted root.
func OpenTree(cache *Cache, nodes *Allocator, chunkSize, root uint64) *Tree {
	return &Tree{cache: cache, nodes: nodes, chunkSize: chunkSize, root: root}
}

// SetPressureEvictor wires the pressure-eviction retry path: when
// allocating an exception chunk fails with ErrNoSpace, evict is called to
// delete the lowest-priority, zero-usecount live snapshot and reclaim its
// chunks. evict returns evicted=false when no snapshot is eligible, at
// which point the original ErrNoSpace is returned to the caller.
func (t *Tree) SetPressureEvictor(evict func() (bool, error)) {
	t.evictPressure = evict
}

// allocExceptionChunk allocates a snapshot-data exception chunk, retrying
// through the pressure evictor on exhaustion (spec.md §4.5 "pressure
// eviction": alloc_chunk on the snapshot-data space fails, the lowest
// priority zero-usecount snapshot is evicted, and the allocation is
// retried).
func (t *Tree) allocExceptionChunk() (uint64, error) {
	for {
		dest, err := t.nodes.AllocChunk()
		if err == nil {
			return dest, nil
		}
		if err != ErrNoSpace || t.evictPressure == nil {
			return 0, err
		}
		evicted, evErr := t.evictPressure()
		if evErr != nil {
			return 0, evErr
		}
		if !evicted {
			return 0, err
		}
	}
}

// FormatTree allocates and writes a single empty root leaf spanning the
// full origin address space, returning its chunk number for the
// superblock's RootChunk field.
func FormatTree(cache *Cache, nodes *Allocator, chunkSize uint64) (uint64, error) {
	rootChunk, err := nodes.AllocChunk()
	if err != nil {
		return 0, fmt.Errorf("snapstore: allocating tree root: %w", err)
	}
	leaf := NewLeaf(0, ^uint64(0), 0)
	buf := cache.GetBlk(rootChunk)
	if err := leaf.Marshal(buf.Data, chunkSize); err != nil {
		cache.Brelse(buf)
		return 0, err
	}
	cache.BrelseDirty(buf)
	return rootChunk, nil
}

// Root returns the tree's current root chunk, for persisting into the
// superblock after a split changes it.
func (t *Tree) Root() uint64 { return t.root }

func (t *Tree) readLeaf(chunk uint64) (*Buffer, *Leaf, error) {
	buf, err := t.cache.Bread(chunk)
	if err != nil {
		return nil, nil, err
	}
	leaf, err := UnmarshalLeaf(buf.Data)
	if err != nil {
		t.cache.Brelse(buf)
		return nil, nil, err
	}
	return buf, leaf, nil
}

func (t *Tree) readIndex(chunk uint64) (*Buffer, *IndexNode, error) {
	buf, err := t.cache.Bread(chunk)
	if err != nil {
		return nil, nil, err
	}
	node, err := UnmarshalIndexNode(buf.Data)
	if err != nil {
		t.cache.Brelse(buf)
		return nil, nil, err
	}
	return buf, node, nil
}

// locate descends from the root to the leaf responsible for origin. If
// the root is itself an index node, parentChunk/parentPos describe where
// the leaf is referenced from, for split propagation.
func (t *Tree) locate(origin uint64) (leafChunk uint64, parentChunk uint64, parentPos int, hasParent bool, err error) {
	rootBuf, err := t.cache.Bread(t.root)
	if err != nil {
		return 0, 0, 0, false, err
	}
	defer t.cache.Brelse(rootBuf)

	isIndex, ok := blockKind(rootBuf.Data)
	if !ok {
		return 0, 0, 0, false, ErrBadMagic
	}
	if !isIndex {
		return t.root, 0, 0, false, nil
	}
	node, err := UnmarshalIndexNode(rootBuf.Data)
	if err != nil {
		return 0, 0, 0, false, err
	}
	pos := node.childFor(origin)
	return node.Children[pos], t.root, pos, true, nil
}

// Probe returns the leaf entry (a copy) for origin, or nil if the origin
// chunk has no exceptions recorded.
func (t *Tree) Probe(origin uint64) ([]exception, error) {
	leafChunk, _, _, _, err := t.locate(origin)
	if err != nil {
		return nil, err
	}
	buf, leaf, err := t.readLeaf(leafChunk)
	if err != nil {
		return nil, err
	}
	defer t.cache.Brelse(buf)

	idx := leaf.find(origin)
	if idx < 0 {
		return nil, nil
	}
	out := make([]exception, len(leaf.Entries[idx].Exceptions))
	copy(out, leaf.Entries[idx].Exceptions)
	return out, nil
}

// TestUnique reports whether c already satisfies the uniqueness rule for
// snapBit, per spec.md §4.4:
//
//   - snapBit < 0 (origin write): c is unique iff the union of every
//     exception's share recorded for c is a superset of activeMask (the
//     live snapmask) — i.e. every live snapshot already has its own copy
//     of c, so none would be corrupted by overwriting the origin. With no
//     exception recorded at all, c is unique iff activeMask == 0.
//   - snapBit >= 0 (snapshot write): snapBit is unique at c iff some
//     exception's share contains 1<<snapBit and no other bit — the
//     snapshot already has a private copy, unshared with any other
//     snapshot.
func (t *Tree) TestUnique(origin uint64, snapBit int32, activeMask uint64) (bool, error) {
	excs, err := t.Probe(origin)
	if err != nil {
		return false, err
	}
	if snapBit < 0 {
		var union uint64
		for _, e := range excs {
			union |= e.Share
		}
		return union&activeMask == activeMask, nil
	}
	bit := uint64(1) << uint(snapBit)
	for _, e := range excs {
		if e.Share == bit {
			return true, nil
		}
	}
	return false, nil
}

// CopyoutFunc copies chunk source into freshly allocated chunk dest.
// source ordinarily names an origin chunk; when copyoutSnapDataBit is set
// it instead names a snapshot-data chunk (the current holder of an
// exception being unshared). Supplied by the caller so Tree stays
// independent of the copyout engine's I/O details.
type CopyoutFunc func(source, dest uint64) error

// copyoutSnapDataBit flags a CopyoutFunc source chunk as living in the
// snapshot-data space rather than on the origin device, per spec.md §4.6
// ("read count chunks from source, distinguished by the high bit of
// source_chunk").
const copyoutSnapDataBit = uint64(1) << 63

// MakeUnique establishes a private exception for origin, per spec.md §4.4
// leaf-insertion rules.
//
// For an origin write (snap < 0), every bit set in activeMask that isn't
// yet covered by an existing exception gets a freshly copied-out chunk
// sharing one new exception record (the origin-coverage case).
//
// For a snapshot write (snap >= 0), the writing snapshot must end up with
// a private exception for origin:
//   - if no exception yet contains 1<<snap, one is created by copying out
//     the live origin contents (same as the origin-coverage case, with
//     activeMask == 1<<snap);
//   - if an exception already contains 1<<snap together with other bits
//     (the chunk is shared with other snapshots), that bit is cleared
//     from the shared exception's mask and a brand-new exception holding
//     just 1<<snap is inserted, copied from the shared exception's
//     current contents rather than the origin (the "unshare" path, per
//     spec.md §3 and scenario S3);
//   - if an exception already contains exactly 1<<snap, the snapshot
//     already has a private copy and this is a no-op.
//
// Returns created=false when no new exception was needed.
func (t *Tree) MakeUnique(origin uint64, snap int32, activeMask uint64, copyout CopyoutFunc) (created bool, err error) {
	leafChunk, parentChunk, parentPos, hasParent, err := t.locate(origin)
	if err != nil {
		return false, err
	}
	buf, leaf, err := t.readLeaf(leafChunk)
	if err != nil {
		return false, err
	}

	idx := leaf.find(origin)

	var newExc exception
	if snap >= 0 {
		bit := uint64(1) << uint(snap)
		if idx >= 0 {
			matched := -1
			for i, e := range leaf.Entries[idx].Exceptions {
				if e.Share&bit != 0 {
					matched = i
					break
				}
			}
			if matched >= 0 {
				m := leaf.Entries[idx].Exceptions[matched]
				if m.Share == bit {
					// Already private: nothing to do.
					t.cache.Brelse(buf)
					return false, nil
				}
				// Shared: clear our bit from the existing exception and
				// copy its current contents into a new private one.
				dest, err := t.allocExceptionChunk()
				if err != nil {
					t.cache.Brelse(buf)
					return false, err
				}
				if err := copyout(m.Chunk|copyoutSnapDataBit, dest); err != nil {
					_ = t.nodes.FreeChunk(dest)
					t.cache.Brelse(buf)
					return false, fmt.Errorf("snapstore: unshare copyout chunk %d: %w", m.Chunk, err)
				}
				leaf.Entries[idx].Exceptions[matched].Share &^= bit
				leaf.Entries[idx].Exceptions = append(leaf.Entries[idx].Exceptions, exception{Share: bit, Chunk: dest})
				return t.commitLeaf(buf, leaf, leafChunk, parentChunk, parentPos, hasParent)
			}
		}
		// No exception covers this snapshot yet: fall through to the
		// origin-coverage path with activeMask == bit.
		activeMask = bit
	}

	var existing uint64
	if idx >= 0 {
		for _, e := range leaf.Entries[idx].Exceptions {
			existing |= e.Share
		}
	}
	uncovered := activeMask &^ existing
	if uncovered == 0 {
		t.cache.Brelse(buf)
		return false, nil
	}

	dest, err := t.allocExceptionChunk()
	if err != nil {
		t.cache.Brelse(buf)
		return false, err
	}
	if err := copyout(origin, dest); err != nil {
		_ = t.nodes.FreeChunk(dest)
		t.cache.Brelse(buf)
		return false, fmt.Errorf("snapstore: copyout origin chunk %d: %w", origin, err)
	}
	newExc = exception{Share: uncovered, Chunk: dest}

	if idx >= 0 {
		leaf.Entries[idx].Exceptions = append(leaf.Entries[idx].Exceptions, newExc)
	} else {
		idx = leaf.insertPoint(origin)
		entry := leafEntry{RChunk: origin, Exceptions: []exception{newExc}}
		leaf.Entries = append(leaf.Entries, leafEntry{})
		copy(leaf.Entries[idx+1:], leaf.Entries[idx:])
		leaf.Entries[idx] = entry
	}

	return t.commitLeaf(buf, leaf, leafChunk, parentChunk, parentPos, hasParent)
}

// commitLeaf marshals a mutated leaf back into its buffer, splitting it
// into two leaves if the mutation pushed it over the chunk size.
func (t *Tree) commitLeaf(buf *Buffer, leaf *Leaf, leafChunk, parentChunk uint64, parentPos int, hasParent bool) (bool, error) {
	if leaf.EncodedSize() <= int(t.chunkSize) {
		if err := leaf.Marshal(buf.Data, t.chunkSize); err != nil {
			t.cache.Brelse(buf)
			return false, err
		}
		t.cache.BrelseDirty(buf)
		return true, nil
	}

	// Leaf overflowed: split it and propagate the new sibling into the
	// parent index (creating one if this leaf was the root).
	t.cache.Brelse(buf)
	if err := t.splitLeaf(leaf, leafChunk, parentChunk, parentPos, hasParent); err != nil {
		return false, err
	}
	return true, nil
}

// splitLeaf divides a leaf's entries roughly in half, writes the lower
// half back to leafChunk and the upper half to a newly allocated chunk,
// and inserts a pointer to the new chunk into the parent index (building
// a fresh root index node if leafChunk was previously the whole tree).
func (t *Tree) splitLeaf(leaf *Leaf, leafChunk, parentChunk uint64, parentPos int, hasParent bool) error {
	mid := len(leaf.Entries) / 2
	if mid == 0 {
		return ErrLeafFull // a single oversized entry can't be split further
	}
	splitKey := leaf.Entries[mid].RChunk

	left := &Leaf{BaseChunk: leaf.BaseChunk, UsingMask: leaf.UsingMask, UpperBound: splitKey, Entries: leaf.Entries[:mid]}
	right := &Leaf{BaseChunk: splitKey, UsingMask: leaf.UsingMask, UpperBound: leaf.UpperBound, Entries: leaf.Entries[mid:]}

	rightChunk, err := t.nodes.AllocChunk()
	if err != nil {
		return fmt.Errorf("snapstore: allocating split leaf: %w", err)
	}

	leftBuf := t.cache.GetBlk(leafChunk)
	if err := left.Marshal(leftBuf.Data, t.chunkSize); err != nil {
		t.cache.Brelse(leftBuf)
		return err
	}
	t.cache.BrelseDirty(leftBuf)

	rightBuf := t.cache.GetBlk(rightChunk)
	if err := right.Marshal(rightBuf.Data, t.chunkSize); err != nil {
		t.cache.Brelse(rightBuf)
		return err
	}
	t.cache.BrelseDirty(rightBuf)

	if hasParent {
		pbuf, node, err := t.readIndex(parentChunk)
		if err != nil {
			return err
		}
		node.Keys = append(node.Keys, 0)
		copy(node.Keys[parentPos+1:], node.Keys[parentPos:])
		node.Keys[parentPos] = splitKey
		node.Children = append(node.Children, 0)
		copy(node.Children[parentPos+2:], node.Children[parentPos+1:])
		node.Children[parentPos+1] = rightChunk
		if err := node.Marshal(pbuf.Data, t.chunkSize); err != nil {
			t.cache.Brelse(pbuf)
			return err
		}
		t.cache.BrelseDirty(pbuf)
		return nil
	}

	// The split leaf was the whole tree: build a new root index node.
	newRootChunk, err := t.nodes.AllocChunk()
	if err != nil {
		return fmt.Errorf("snapstore: allocating new root: %w", err)
	}
	root := &IndexNode{Keys: []uint64{splitKey}, Children: []uint64{leafChunk, rightChunk}}
	rootBuf := t.cache.GetBlk(newRootChunk)
	if err := root.Marshal(rootBuf.Data, t.chunkSize); err != nil {
		t.cache.Brelse(rootBuf)
		return err
	}
	t.cache.BrelseDirty(rootBuf)
	t.root = newRootChunk
	return nil
}
