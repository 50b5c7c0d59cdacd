package protocol

import (
	"encoding/binary"
	"fmt"
)

// IdentifyRequest announces a client by its ID. The daemon answers with an
// empty REPLY body: the request carries no origin-device view, and the
// reply does not return the status nonce.
type IdentifyRequest struct {
	ClientID string
}

func (m IdentifyRequest) Marshal() []byte {
	b := []byte(m.ClientID)
	out := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(b)))
	copy(out[4:], b)
	return out
}

func UnmarshalIdentifyRequest(buf []byte) (IdentifyRequest, error) {
	if len(buf) < 4 {
		return IdentifyRequest{}, fmt.Errorf("protocol: short IDENTIFY body")
	}
	n := binary.LittleEndian.Uint32(buf[0:])
	if uint64(4+n) > uint64(len(buf)) {
		return IdentifyRequest{}, fmt.Errorf("protocol: truncated IDENTIFY client id")
	}
	return IdentifyRequest{ClientID: string(buf[4 : 4+n])}, nil
}

// QueryWriteRequest asks permission to overwrite originChunk on behalf of
// snapTag (protocol.OriginTag for the origin device itself).
type QueryWriteRequest struct {
	OriginChunk uint64
	SnapTag     uint32
}

func (m QueryWriteRequest) Marshal() []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint64(out[0:], m.OriginChunk)
	binary.LittleEndian.PutUint32(out[8:], m.SnapTag)
	return out
}

func UnmarshalQueryWriteRequest(buf []byte) (QueryWriteRequest, error) {
	if len(buf) < 12 {
		return QueryWriteRequest{}, fmt.Errorf("protocol: short QUERY_WRITE body")
	}
	return QueryWriteRequest{
		OriginChunk: binary.LittleEndian.Uint64(buf[0:]),
		SnapTag:     binary.LittleEndian.Uint32(buf[8:]),
	}, nil
}

// QueryWriteReply lists the coalesced copyout ranges a client must apply
// before its write may proceed; an empty Ranges means the write is
// already safe to issue.
type QueryWriteReply struct {
	Ranges []RangeTriple
}

// RangeTriple is the wire form of a CopyRange: source chunk, destination
// chunk, and run length.
type RangeTriple struct {
	Source uint64
	Dest   uint64
	Count  uint64
}

func (m QueryWriteReply) Marshal() []byte {
	out := make([]byte, 4+len(m.Ranges)*24)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(m.Ranges)))
	o := 4
	for _, r := range m.Ranges {
		binary.LittleEndian.PutUint64(out[o:], r.Source)
		binary.LittleEndian.PutUint64(out[o+8:], r.Dest)
		binary.LittleEndian.PutUint64(out[o+16:], r.Count)
		o += 24
	}
	return out
}

func UnmarshalQueryWriteReply(buf []byte) (QueryWriteReply, error) {
	if len(buf) < 4 {
		return QueryWriteReply{}, fmt.Errorf("protocol: short QUERY_WRITE reply")
	}
	n := binary.LittleEndian.Uint32(buf[0:])
	if uint64(4+24*n) > uint64(len(buf)) {
		return QueryWriteReply{}, fmt.Errorf("protocol: truncated QUERY_WRITE reply")
	}
	ranges := make([]RangeTriple, n)
	o := 4
	for i := range ranges {
		ranges[i] = RangeTriple{
			Source: binary.LittleEndian.Uint64(buf[o:]),
			Dest:   binary.LittleEndian.Uint64(buf[o+8:]),
			Count:  binary.LittleEndian.Uint64(buf[o+16:]),
		}
		o += 24
	}
	return QueryWriteReply{Ranges: ranges}, nil
}

// QuerySnapshotReadRequest asks which chunk backs originChunk for a
// snapshot read under tag: either the origin chunk itself (no exception)
// or a snapshot-data chunk.
type QuerySnapshotReadRequest struct {
	OriginChunk uint64
	SnapTag     uint32
}

func (m QuerySnapshotReadRequest) Marshal() []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint64(out[0:], m.OriginChunk)
	binary.LittleEndian.PutUint32(out[8:], m.SnapTag)
	return out
}

func UnmarshalQuerySnapshotReadRequest(buf []byte) (QuerySnapshotReadRequest, error) {
	if len(buf) < 12 {
		return QuerySnapshotReadRequest{}, fmt.Errorf("protocol: short QUERY_SNAPSHOT_READ body")
	}
	return QuerySnapshotReadRequest{
		OriginChunk: binary.LittleEndian.Uint64(buf[0:]),
		SnapTag:     binary.LittleEndian.Uint32(buf[8:]),
	}, nil
}

// QuerySnapshotReadReply names the chunk (in whichever device FromOrigin
// selects) to read, while the read is locked via FinishSnapshotReadRequest.
type QuerySnapshotReadReply struct {
	Chunk      uint64
	FromOrigin bool
}

func (m QuerySnapshotReadReply) Marshal() []byte {
	out := make([]byte, 9)
	binary.LittleEndian.PutUint64(out[0:], m.Chunk)
	if m.FromOrigin {
		out[8] = 1
	}
	return out
}

func UnmarshalQuerySnapshotReadReply(buf []byte) (QuerySnapshotReadReply, error) {
	if len(buf) < 9 {
		return QuerySnapshotReadReply{}, fmt.Errorf("protocol: short QUERY_SNAPSHOT_READ reply")
	}
	return QuerySnapshotReadReply{
		Chunk:      binary.LittleEndian.Uint64(buf[0:]),
		FromOrigin: buf[8] != 0,
	}, nil
}

// FinishSnapshotReadRequest releases the read lock QuerySnapshotRead took
// on originChunk.
type FinishSnapshotReadRequest struct {
	OriginChunk uint64
}

func (m FinishSnapshotReadRequest) Marshal() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out[0:], m.OriginChunk)
	return out
}

func UnmarshalFinishSnapshotReadRequest(buf []byte) (FinishSnapshotReadRequest, error) {
	if len(buf) < 8 {
		return FinishSnapshotReadRequest{}, fmt.Errorf("protocol: short FINISH_SNAPSHOT_READ body")
	}
	return FinishSnapshotReadRequest{OriginChunk: binary.LittleEndian.Uint64(buf[0:])}, nil
}

// CreateSnapshotRequest/DeleteSnapshotRequest name a snapshot by its
// client-chosen tag.
type CreateSnapshotRequest struct {
	Tag      uint32
	Priority int8
}

func (m CreateSnapshotRequest) Marshal() []byte {
	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out[0:], m.Tag)
	out[4] = byte(m.Priority)
	return out
}

func UnmarshalCreateSnapshotRequest(buf []byte) (CreateSnapshotRequest, error) {
	if len(buf) < 5 {
		return CreateSnapshotRequest{}, fmt.Errorf("protocol: short CREATE_SNAPSHOT body")
	}
	return CreateSnapshotRequest{Tag: binary.LittleEndian.Uint32(buf[0:]), Priority: int8(buf[4])}, nil
}

type DeleteSnapshotRequest struct {
	Tag uint32
}

func (m DeleteSnapshotRequest) Marshal() []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out[0:], m.Tag)
	return out
}

func UnmarshalDeleteSnapshotRequest(buf []byte) (DeleteSnapshotRequest, error) {
	if len(buf) < 4 {
		return DeleteSnapshotRequest{}, fmt.Errorf("protocol: short DELETE_SNAPSHOT body")
	}
	return DeleteSnapshotRequest{Tag: binary.LittleEndian.Uint32(buf[0:])}, nil
}

// SnapshotInfo is one row of a LIST_SNAPSHOTS reply.
type SnapshotInfo struct {
	Tag      uint32
	Priority int8
	UseCount uint32
	CTime    int64
}

type ListSnapshotsReply struct {
	Snapshots []SnapshotInfo
}

func (m ListSnapshotsReply) Marshal() []byte {
	out := make([]byte, 4+len(m.Snapshots)*17)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(m.Snapshots)))
	o := 4
	for _, s := range m.Snapshots {
		binary.LittleEndian.PutUint32(out[o:], s.Tag)
		out[o+4] = byte(s.Priority)
		binary.LittleEndian.PutUint32(out[o+5:], s.UseCount)
		binary.LittleEndian.PutUint64(out[o+9:], uint64(s.CTime))
		o += 17
	}
	return out
}

func UnmarshalListSnapshotsReply(buf []byte) (ListSnapshotsReply, error) {
	if len(buf) < 4 {
		return ListSnapshotsReply{}, fmt.Errorf("protocol: short LIST_SNAPSHOTS reply")
	}
	n := binary.LittleEndian.Uint32(buf[0:])
	if uint64(4+17*n) > uint64(len(buf)) {
		return ListSnapshotsReply{}, fmt.Errorf("protocol: truncated LIST_SNAPSHOTS reply")
	}
	out := make([]SnapshotInfo, n)
	o := 4
	for i := range out {
		out[i] = SnapshotInfo{
			Tag:      binary.LittleEndian.Uint32(buf[o:]),
			Priority: int8(buf[o+4]),
			UseCount: binary.LittleEndian.Uint32(buf[o+5:]),
			CTime:    int64(binary.LittleEndian.Uint64(buf[o+9:])),
		}
		o += 17
	}
	return ListSnapshotsReply{Snapshots: out}, nil
}

// PriorityRequest/UsecountRequest adjust a live snapshot's eviction
// priority or pin count.
type PriorityRequest struct {
	Tag      uint32
	Priority int8
}

func (m PriorityRequest) Marshal() []byte {
	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out[0:], m.Tag)
	out[4] = byte(m.Priority)
	return out
}

func UnmarshalPriorityRequest(buf []byte) (PriorityRequest, error) {
	if len(buf) < 5 {
		return PriorityRequest{}, fmt.Errorf("protocol: short PRIORITY body")
	}
	return PriorityRequest{Tag: binary.LittleEndian.Uint32(buf[0:]), Priority: int8(buf[4])}, nil
}

type UsecountRequest struct {
	Tag   uint32
	Count uint32
}

func (m UsecountRequest) Marshal() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:], m.Tag)
	binary.LittleEndian.PutUint32(out[4:], m.Count)
	return out
}

func UnmarshalUsecountRequest(buf []byte) (UsecountRequest, error) {
	if len(buf) < 8 {
		return UsecountRequest{}, fmt.Errorf("protocol: short USECOUNT body")
	}
	return UsecountRequest{Tag: binary.LittleEndian.Uint32(buf[0:]), Count: binary.LittleEndian.Uint32(buf[4:])}, nil
}

// StatusReply reports allocator occupancy and cache/journal pressure.
type StatusReply struct {
	MetadataUsed, MetadataTotal uint64
	SnapDataUsed, SnapDataTotal uint64
	DirtyBuffers                uint32
	JournalSequence             int64
	SnapLockDepth                uint32
	LiveSnapshots                uint32
}

func (m StatusReply) Marshal() []byte {
	out := make([]byte, 52)
	binary.LittleEndian.PutUint64(out[0:], m.MetadataUsed)
	binary.LittleEndian.PutUint64(out[8:], m.MetadataTotal)
	binary.LittleEndian.PutUint64(out[16:], m.SnapDataUsed)
	binary.LittleEndian.PutUint64(out[24:], m.SnapDataTotal)
	binary.LittleEndian.PutUint32(out[32:], m.DirtyBuffers)
	binary.LittleEndian.PutUint64(out[36:], uint64(m.JournalSequence))
	binary.LittleEndian.PutUint32(out[44:], m.SnapLockDepth)
	binary.LittleEndian.PutUint32(out[48:], m.LiveSnapshots)
	return out
}

func UnmarshalStatusReply(buf []byte) (StatusReply, error) {
	if len(buf) < 52 {
		return StatusReply{}, fmt.Errorf("protocol: short STATUS reply")
	}
	return StatusReply{
		MetadataUsed:    binary.LittleEndian.Uint64(buf[0:]),
		MetadataTotal:   binary.LittleEndian.Uint64(buf[8:]),
		SnapDataUsed:    binary.LittleEndian.Uint64(buf[16:]),
		SnapDataTotal:   binary.LittleEndian.Uint64(buf[24:]),
		DirtyBuffers:    binary.LittleEndian.Uint32(buf[32:]),
		JournalSequence: int64(binary.LittleEndian.Uint64(buf[36:])),
		SnapLockDepth:   binary.LittleEndian.Uint32(buf[44:]),
		LiveSnapshots:   binary.LittleEndian.Uint32(buf[48:]),
	}, nil
}

// StreamChangelistRequest asks for every origin chunk that diverges
// between Tag1 and Tag2 (their on-disk contents differ as of now).
type StreamChangelistRequest struct {
	Tag1 uint32
	Tag2 uint32
}

func (m StreamChangelistRequest) Marshal() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:], m.Tag1)
	binary.LittleEndian.PutUint32(out[4:], m.Tag2)
	return out
}

func UnmarshalStreamChangelistRequest(buf []byte) (StreamChangelistRequest, error) {
	if len(buf) < 8 {
		return StreamChangelistRequest{}, fmt.Errorf("protocol: short STREAM_CHANGELIST body")
	}
	return StreamChangelistRequest{
		Tag1: binary.LittleEndian.Uint32(buf[0:]),
		Tag2: binary.LittleEndian.Uint32(buf[4:]),
	}, nil
}

type ChangelistEntry struct {
	OriginChunk uint64
	DataChunk   uint64
}

type StreamChangelistReply struct {
	Entries []ChangelistEntry
}

func (m StreamChangelistReply) Marshal() []byte {
	out := make([]byte, 4+len(m.Entries)*16)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(m.Entries)))
	o := 4
	for _, e := range m.Entries {
		binary.LittleEndian.PutUint64(out[o:], e.OriginChunk)
		binary.LittleEndian.PutUint64(out[o+8:], e.DataChunk)
		o += 16
	}
	return out
}

func UnmarshalStreamChangelistReply(buf []byte) (StreamChangelistReply, error) {
	if len(buf) < 4 {
		return StreamChangelistReply{}, fmt.Errorf("protocol: short STREAM_CHANGELIST reply")
	}
	n := binary.LittleEndian.Uint32(buf[0:])
	if uint64(4+16*n) > uint64(len(buf)) {
		return StreamChangelistReply{}, fmt.Errorf("protocol: truncated STREAM_CHANGELIST reply")
	}
	out := make([]ChangelistEntry, n)
	o := 4
	for i := range out {
		out[i] = ChangelistEntry{
			OriginChunk: binary.LittleEndian.Uint64(buf[o:]),
			DataChunk:   binary.LittleEndian.Uint64(buf[o+8:]),
		}
		o += 16
	}
	return StreamChangelistReply{Entries: out}, nil
}

// RequestOriginSectorsRequest asks for the origin device's geometry, so a
// client can size its own block device without a side-channel ioctl.
type RequestOriginSectorsRequest struct{}

func (RequestOriginSectorsRequest) Marshal() []byte { return nil }

type RequestOriginSectorsReply struct {
	Sectors uint64
}

func (m RequestOriginSectorsReply) Marshal() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out[0:], m.Sectors)
	return out
}

func UnmarshalRequestOriginSectorsReply(buf []byte) (RequestOriginSectorsReply, error) {
	if len(buf) < 8 {
		return RequestOriginSectorsReply{}, fmt.Errorf("protocol: short REQUEST_ORIGIN_SECTORS reply")
	}
	return RequestOriginSectorsReply{Sectors: binary.LittleEndian.Uint64(buf[0:])}, nil
}

// ProtocolError carries a human-readable message back for a malformed or
// out-of-sequence request.
type ProtocolError struct {
	Message string
}

func (m ProtocolError) Marshal() []byte { return []byte(m.Message) }

func UnmarshalProtocolError(buf []byte) ProtocolError {
	return ProtocolError{Message: string(buf)}
}
