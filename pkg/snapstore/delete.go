package snapstore

import "fmt"

// leafChunks returns every leaf chunk number in the tree, in ascending
// origin-chunk order.
func (t *Tree) leafChunks() ([]uint64, error) {
	rootBuf, err := t.cache.Bread(t.root)
	if err != nil {
		return nil, err
	}
	defer t.cache.Brelse(rootBuf)

	isIndex, ok := blockKind(rootBuf.Data)
	if !ok {
		return nil, ErrBadMagic
	}
	if !isIndex {
		return []uint64{t.root}, nil
	}
	node, err := UnmarshalIndexNode(rootBuf.Data)
	if err != nil {
		return nil, err
	}
	return append([]uint64(nil), node.Children...), nil
}

// DeleteSnapshotRange walks every leaf and, for each exception record,
// clears bit from its Share mask. An exception whose mask becomes zero is
// no longer referenced by any live snapshot: its snapshot-data chunk is
// freed and the record dropped. An origin-chunk entry left with no
// exceptions is dropped from the leaf entirely (hold/merge propagation
// back into a parent index node is unnecessary under the two-level tree:
// an emptied leaf is simply a valid, mostly-free leaf in place).
func (t *Tree) DeleteSnapshotRange(bit int32, freeData func(chunk uint64) error) error {
	if bit < 0 {
		return fmt.Errorf("snapstore: cannot delete the origin's reserved bit")
	}
	mask := uint64(1) << uint(bit)

	chunks, err := t.leafChunks()
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		buf, leaf, err := t.readLeaf(chunk)
		if err != nil {
			return err
		}

		changed := false
		kept := leaf.Entries[:0]
		for _, ent := range leaf.Entries {
			excKept := ent.Exceptions[:0]
			for _, e := range ent.Exceptions {
				if e.Share&mask == 0 {
					excKept = append(excKept, e)
					continue
				}
				changed = true
				e.Share &^= mask
				if e.Share == 0 {
					if err := freeData(e.Chunk); err != nil {
						t.cache.Brelse(buf)
						return fmt.Errorf("snapstore: freeing orphaned exception chunk %d: %w", e.Chunk, err)
					}
					continue
				}
				excKept = append(excKept, e)
			}
			ent.Exceptions = excKept
			if len(ent.Exceptions) > 0 {
				kept = append(kept, ent)
			} else {
				changed = true
			}
		}
		leaf.Entries = kept

		if !changed {
			t.cache.Brelse(buf)
			continue
		}
		if err := leaf.Marshal(buf.Data, t.chunkSize); err != nil {
			t.cache.Brelse(buf)
			return err
		}
		t.cache.BrelseDirty(buf)
	}
	return nil
}

// ChangeEntry is one row of a STREAM_CHANGELIST response: an origin chunk
// whose contents differ between the two requested snapshots, and the
// snapshot-data chunk of the exception that showed the difference.
type ChangeEntry struct {
	Origin uint64
	Data   uint64
}

// GenChangelist walks every leaf and collects, in ascending origin-chunk
// order, every origin chunk that differs between snapshot bit1 and
// snapshot bit2 — per spec.md §4.4's gen_changelist(s1,s2): an origin
// chunk is reported when one of its exceptions is shared by exactly one
// of the two snapshots, i.e. ((share&m2)==m2) XOR ((share&m1)==m1) for
// the chunk's exception. Identical snapshots (bit1==bit2) therefore
// always report empty, and the result is symmetric in its two arguments.
func (t *Tree) GenChangelist(bit1, bit2 int32) ([]ChangeEntry, error) {
	if bit1 < 0 || bit2 < 0 {
		return nil, fmt.Errorf("snapstore: origin bit has no changelist")
	}
	m1 := uint64(1) << uint(bit1)
	m2 := uint64(1) << uint(bit2)

	chunks, err := t.leafChunks()
	if err != nil {
		return nil, err
	}

	var out []ChangeEntry
	for _, chunk := range chunks {
		buf, leaf, err := t.readLeaf(chunk)
		if err != nil {
			return nil, err
		}
		for _, ent := range leaf.Entries {
			for _, e := range ent.Exceptions {
				if (e.Share&m2 == m2) != (e.Share&m1 == m1) {
					out = append(out, ChangeEntry{Origin: ent.RChunk, Data: e.Chunk})
					break
				}
			}
		}
		t.cache.Brelse(buf)
	}
	return out, nil
}
