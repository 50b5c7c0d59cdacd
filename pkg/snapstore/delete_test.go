package snapstore

import "testing"

func TestGenChangelistDiffsTwoSnapshots(t *testing.T) {
	tree, _ := newTestTree(t, 256)

	// Origin 10 diverged only for bit 0, origin 20 only for bit 1, origin
	// 30 for both (so bit 0 and bit 1 still agree there).
	if _, err := tree.MakeUnique(10, OriginBit, 0x1, noopCopyout); err != nil {
		t.Fatalf("MakeUnique: %v", err)
	}
	if _, err := tree.MakeUnique(20, OriginBit, 0x2, noopCopyout); err != nil {
		t.Fatalf("MakeUnique: %v", err)
	}
	if _, err := tree.MakeUnique(30, OriginBit, 0x1|0x2, noopCopyout); err != nil {
		t.Fatalf("MakeUnique: %v", err)
	}

	entries, err := tree.GenChangelist(0, 1)
	if err != nil {
		t.Fatalf("GenChangelist: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GenChangelist(0,1) = %+v, want 2 entries", entries)
	}
	if entries[0].Origin != 10 || entries[1].Origin != 20 {
		t.Fatalf("GenChangelist(0,1) origins = [%d %d], want [10 20]", entries[0].Origin, entries[1].Origin)
	}
}

// TestGenChangelistSameSnapshotIsEmpty covers invariant #7:
// gen_changelist(s,s) must always be empty.
func TestGenChangelistSameSnapshotIsEmpty(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	if _, err := tree.MakeUnique(10, OriginBit, 0x1, noopCopyout); err != nil {
		t.Fatalf("MakeUnique: %v", err)
	}

	entries, err := tree.GenChangelist(0, 0)
	if err != nil {
		t.Fatalf("GenChangelist: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("GenChangelist(0,0) = %+v, want empty", entries)
	}
}

// TestGenChangelistIsSymmetric covers invariant #7's symmetry clause.
func TestGenChangelistIsSymmetric(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	if _, err := tree.MakeUnique(10, OriginBit, 0x1, noopCopyout); err != nil {
		t.Fatalf("MakeUnique: %v", err)
	}
	if _, err := tree.MakeUnique(20, OriginBit, 0x1|0x2, noopCopyout); err != nil {
		t.Fatalf("MakeUnique: %v", err)
	}

	forward, err := tree.GenChangelist(0, 1)
	if err != nil {
		t.Fatalf("GenChangelist(0,1): %v", err)
	}
	backward, err := tree.GenChangelist(1, 0)
	if err != nil {
		t.Fatalf("GenChangelist(1,0): %v", err)
	}
	if len(forward) != len(backward) {
		t.Fatalf("GenChangelist(0,1) = %+v, GenChangelist(1,0) = %+v, want same length", forward, backward)
	}
	for i := range forward {
		if forward[i].Origin != backward[i].Origin {
			t.Fatalf("GenChangelist not symmetric at %d: %+v vs %+v", i, forward, backward)
		}
	}
}

func TestGenChangelistRejectsOriginBit(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	if _, err := tree.GenChangelist(OriginBit, 0); err == nil {
		t.Fatalf("GenChangelist(OriginBit, 0) = nil error, want error")
	}
	if _, err := tree.GenChangelist(0, OriginBit); err == nil {
		t.Fatalf("GenChangelist(0, OriginBit) = nil error, want error")
	}
}

func TestDeleteSnapshotRangeFreesOrphanedChunks(t *testing.T) {
	tree, _ := newTestTree(t, 256)

	if _, err := tree.MakeUnique(10, OriginBit, 0x1, noopCopyout); err != nil {
		t.Fatalf("MakeUnique: %v", err)
	}
	if _, err := tree.MakeUnique(20, OriginBit, 0x1|0x2, noopCopyout); err != nil {
		t.Fatalf("MakeUnique: %v", err)
	}

	var freed []uint64
	err := tree.DeleteSnapshotRange(0, func(chunk uint64) error {
		freed = append(freed, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("DeleteSnapshotRange: %v", err)
	}
	if len(freed) != 1 {
		t.Fatalf("freed = %v, want exactly 1 orphaned chunk (origin 10's exception)", freed)
	}

	// Origin 10 had only bit 0: its entry is now gone entirely.
	excs, err := tree.Probe(10)
	if err != nil {
		t.Fatalf("Probe(10): %v", err)
	}
	if excs != nil {
		t.Fatalf("Probe(10) after delete = %+v, want nil", excs)
	}

	// Origin 20 still has bit 1's exception.
	excs, err = tree.Probe(20)
	if err != nil {
		t.Fatalf("Probe(20): %v", err)
	}
	if len(excs) != 1 || excs[0].Share != 0x2 {
		t.Fatalf("Probe(20) after delete = %+v, want one exception with Share=0x2", excs)
	}
}

func TestDeleteSnapshotRangeRejectsOriginBit(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	if err := tree.DeleteSnapshotRange(OriginBit, func(uint64) error { return nil }); err == nil {
		t.Fatalf("DeleteSnapshotRange(OriginBit) = nil error, want error")
	}
}
