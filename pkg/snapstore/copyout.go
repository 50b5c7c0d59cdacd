package snapstore

import (
	"fmt"

	"github.com/ddsnap/ddsnap/pkg/bufpool"
)

// maxCoalescedChunks bounds how many adjacent origin chunks a single
// CopyRange may cover, so one copyout I/O never holds an unbounded buffer.
const maxCoalescedChunks = 32

// CopyRange describes one coalesced copyout: Count consecutive chunks
// starting at Origin (in the origin device) must be copied to Count
// consecutive chunks starting at Dest (in the snapshot-data device)
// before the pending write may proceed.
type CopyRange struct {
	Origin uint64
	Dest   uint64
	Count  uint64
}

// Engine performs the actual data movement MakeUnique needs: reading the
// live origin contents of a chunk and writing them to a freshly allocated
// snapshot-data chunk. It is the CopyoutFunc glue between Tree and the two
// underlying block devices.
type Engine struct {
	origin    *FileBlockDevice
	snapData  BlockDevice
	chunkSize uint64
	pool      *bufpool.Pool
}

// NewEngine constructs a copyout Engine. chunkSize also converts a chunk
// number on the origin device into its starting 512-byte sector.
func NewEngine(origin *FileBlockDevice, snapData BlockDevice, chunkSize uint64) *Engine {
	return &Engine{
		origin:    origin,
		snapData:  snapData,
		chunkSize: chunkSize,
		pool: bufpool.NewPool(&bufpool.Config{
			SmallSize:  int(chunkSize),
			MediumSize: int(chunkSize) * maxCoalescedChunks,
			LargeSize:  int(chunkSize) * maxCoalescedChunks,
		}),
	}
}

// Copy reads one chunk and writes it to dest in the snapshot-data space.
// source ordinarily names an origin chunk; when its high bit
// (copyoutSnapDataBit) is set, the remaining bits name a snapshot-data
// chunk instead — the unshare path in Tree.MakeUnique reads an existing
// exception's current contents rather than the origin, per spec.md §4.6.
// It satisfies the Tree.CopyoutFunc signature.
func (e *Engine) Copy(source, dest uint64) error {
	buf := e.pool.Get(int(e.chunkSize))
	defer e.pool.Put(buf)

	if source&copyoutSnapDataBit != 0 {
		chunk := source &^ copyoutSnapDataBit
		if err := e.snapData.ReadChunk(chunk, buf); err != nil {
			return fmt.Errorf("snapstore: reading snapshot-data chunk %d: %w", chunk, err)
		}
	} else {
		sector := source * (e.chunkSize / 512)
		if err := e.origin.ReadSectors(sector, buf); err != nil {
			return fmt.Errorf("snapstore: reading origin chunk %d: %w", source, err)
		}
	}
	if err := e.snapData.WriteChunk(dest, buf); err != nil {
		return fmt.Errorf("snapstore: writing snapshot-data chunk %d: %w", dest, err)
	}
	return nil
}

// CopyRanges executes a coalesced set of copyout ranges, reading each
// run's origin chunks in a single I/O where the run spans more than one
// chunk, then writing them to the snapshot-data device one chunk at a
// time.
func (e *Engine) CopyRanges(ranges []CopyRange) error {
	for _, r := range ranges {
		if r.Count == 0 {
			continue
		}
		n := r.Count
		for n > 0 {
			batch := n
			if batch > maxCoalescedChunks {
				batch = maxCoalescedChunks
			}
			if err := e.copyRun(r.Origin+(r.Count-n), r.Dest+(r.Count-n), batch); err != nil {
				return err
			}
			n -= batch
		}
	}
	return nil
}

func (e *Engine) copyRun(origin, dest, count uint64) error {
	size := int(e.chunkSize * count)
	buf := e.pool.Get(size)
	defer e.pool.Put(buf)

	sector := origin * (e.chunkSize / 512)
	if err := e.origin.ReadSectors(sector, buf); err != nil {
		return fmt.Errorf("snapstore: reading origin chunks [%d,%d): %w", origin, origin+count, err)
	}

	for i := uint64(0); i < count; i++ {
		chunk := buf[i*e.chunkSize : (i+1)*e.chunkSize]
		if err := e.snapData.WriteChunk(dest+i, chunk); err != nil {
			return fmt.Errorf("snapstore: writing snapshot-data chunk %d: %w", dest+i, err)
		}
	}
	return nil
}

// CoalesceRanges merges a sorted-by-origin list of single-chunk
// (origin,dest) copyout requests into CopyRanges, joining a request onto
// the previous range when both its origin and destination chunk follow on
// immediately and the run hasn't reached maxCoalescedChunks.
func CoalesceRanges(origins, dests []uint64) []CopyRange {
	if len(origins) == 0 {
		return nil
	}
	out := []CopyRange{{Origin: origins[0], Dest: dests[0], Count: 1}}
	for i := 1; i < len(origins); i++ {
		last := &out[len(out)-1]
		if origins[i] == last.Origin+last.Count && dests[i] == last.Dest+last.Count && last.Count < maxCoalescedChunks {
			last.Count++
			continue
		}
		out = append(out, CopyRange{Origin: origins[i], Dest: dests[i], Count: 1})
	}
	return out
}
