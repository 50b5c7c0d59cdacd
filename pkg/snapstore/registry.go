package snapstore

import (
	"sync"

	"github.com/ddsnap/ddsnap/internal/logger"
	"github.com/ddsnap/ddsnap/pkg/metrics"
)

// Registry owns the superblock's snapshot table in memory, guarding it
// with its own mutex since CREATE/DELETE/LIST/PRIORITY/USECOUNT requests
// arrive interleaved with origin writes that only need to read the live
// snapshot bitmask.
type Registry struct {
	mu        sync.RWMutex
	sb        *Superblock
	collector metrics.Collector
}

// NewRegistry wraps sb's snapshot table.
func NewRegistry(sb *Superblock, collector metrics.Collector) *Registry {
	if collector == nil {
		collector = metrics.Noop()
	}
	return &Registry{sb: sb, collector: collector}
}

// LiveMask returns the bitmask of every currently live snapshot bit —
// the activeMask an origin write must pass to Tree.MakeUnique.
func (r *Registry) LiveMask() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var mask uint64
	for _, rec := range r.sb.Snapshots {
		if rec.Bit >= 0 {
			mask |= 1 << uint(rec.Bit)
		}
	}
	return mask
}

// Create allocates a snapshot table slot and bit for tag, evicting the
// lowest-priority, zero-usecount snapshot first if the table is full.
// Returns the newly assigned bit.
func (r *Registry) Create(tag uint32, priority int8, now int64, evict func(bit int32) error) (int8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sb.FindSnapshot(tag) != nil {
		return 0, ErrSnapshotExists
	}

	slot := r.sb.FreeSnapshotSlot()
	if slot == nil {
		victim := r.pickEvictionVictimLocked()
		if victim == nil {
			return 0, ErrTooManySnaps
		}
		bit := victim.Bit
		*victim = SnapshotRecord{Bit: -1}
		if evict != nil {
			if err := evict(int32(bit)); err != nil {
				return 0, err
			}
		}
		r.collector.Eviction()
		logger.Info("snapshot evicted under pressure", logger.SnapBit(int(bit)))
		slot = r.sb.FreeSnapshotSlot()
		if slot == nil {
			return 0, ErrTooManySnaps
		}
	}

	bit := r.firstFreeBitLocked()
	if bit < 0 {
		return 0, ErrTooManySnaps
	}

	*slot = SnapshotRecord{Tag: tag, Bit: bit, Priority: priority, UseCount: 0, CTime: now}
	return bit, nil
}

// Delete frees tag's snapshot table slot. The exception B-tree cleanup
// (freeing orphaned exception chunks) is the caller's responsibility via
// Tree.DeleteSnapshotRange, since Registry has no Tree reference.
func (r *Registry) Delete(tag uint32) (int8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.sb.FindSnapshot(tag)
	if rec == nil {
		return 0, ErrSnapshotMissing
	}
	bit := rec.Bit
	*rec = SnapshotRecord{Bit: -1}
	return bit, nil
}

// List returns a snapshot of every live snapshot record.
func (r *Registry) List() []SnapshotRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SnapshotRecord
	for _, rec := range r.sb.Snapshots {
		if rec.Bit >= 0 {
			out = append(out, rec)
		}
	}
	return out
}

// SetPriority updates tag's eviction priority (higher survives pressure
// longer).
func (r *Registry) SetPriority(tag uint32, priority int8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.sb.FindSnapshot(tag)
	if rec == nil {
		return ErrSnapshotMissing
	}
	rec.Priority = priority
	return nil
}

// SetUseCount updates tag's reference count. A snapshot with a nonzero
// use count is never chosen as an eviction victim.
func (r *Registry) SetUseCount(tag uint32, count uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.sb.FindSnapshot(tag)
	if rec == nil {
		return ErrSnapshotMissing
	}
	rec.UseCount = count
	return nil
}

// pickEvictionVictimLocked returns the live snapshot with the lowest
// priority among those with a zero use count, or nil if every live
// snapshot is pinned (nonzero use count). Caller holds r.mu.
func (r *Registry) pickEvictionVictimLocked() *SnapshotRecord {
	var victim *SnapshotRecord
	for i := range r.sb.Snapshots {
		rec := &r.sb.Snapshots[i]
		if rec.Bit < 0 || rec.UseCount != 0 {
			continue
		}
		if victim == nil || rec.Priority < victim.Priority {
			victim = rec
		}
	}
	return victim
}

// EvictPressureVictim evicts the lowest-priority, zero-usecount live
// snapshot to relieve snapshot-data space exhaustion (spec.md §4.5). It
// only clears the snapshot table slot; the caller is responsible for
// freeing the evicted snapshot's exception-chunk data via
// Tree.DeleteSnapshotRange, same division of labor as Delete. Returns
// ok=false when no snapshot is eligible (every live snapshot pinned by a
// nonzero use count, or none live).
func (r *Registry) EvictPressureVictim() (bit int32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	victim := r.pickEvictionVictimLocked()
	if victim == nil {
		return -1, false
	}
	bit = int32(victim.Bit)
	*victim = SnapshotRecord{Bit: -1}
	r.collector.Eviction()
	logger.Info("snapshot evicted under pressure", logger.SnapBit(int(bit)))
	return bit, true
}

func (r *Registry) firstFreeBitLocked() int8 {
	var used uint64
	for _, rec := range r.sb.Snapshots {
		if rec.Bit >= 0 {
			used |= 1 << uint(rec.Bit)
		}
	}
	for b := int8(0); b < MaxSnapshots; b++ {
		if used&(1<<uint(b)) == 0 {
			return b
		}
	}
	return -1
}
