package protocol

import (
	"reflect"
	"testing"
)

func TestIdentifyRequestRoundTrip(t *testing.T) {
	want := IdentifyRequest{ClientID: "client-42"}
	got, err := UnmarshalIdentifyRequest(want.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalIdentifyRequest: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestQueryWriteRequestReplyRoundTrip(t *testing.T) {
	req := QueryWriteRequest{OriginChunk: 1234, SnapTag: 7}
	gotReq, err := UnmarshalQueryWriteRequest(req.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalQueryWriteRequest: %v", err)
	}
	if gotReq != req {
		t.Fatalf("request got %+v, want %+v", gotReq, req)
	}

	reply := QueryWriteReply{Ranges: []RangeTriple{{Source: 1, Dest: 2, Count: 3}, {Source: 10, Dest: 20, Count: 1}}}
	gotReply, err := UnmarshalQueryWriteReply(reply.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalQueryWriteReply: %v", err)
	}
	if !reflect.DeepEqual(gotReply, reply) {
		t.Fatalf("reply got %+v, want %+v", gotReply, reply)
	}
}

func TestQueryWriteReplyEmptyRanges(t *testing.T) {
	reply := QueryWriteReply{}
	got, err := UnmarshalQueryWriteReply(reply.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalQueryWriteReply: %v", err)
	}
	if len(got.Ranges) != 0 {
		t.Fatalf("got %+v, want empty Ranges", got)
	}
}

func TestQuerySnapshotReadRoundTrip(t *testing.T) {
	req := QuerySnapshotReadRequest{OriginChunk: 5, SnapTag: 9}
	gotReq, err := UnmarshalQuerySnapshotReadRequest(req.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalQuerySnapshotReadRequest: %v", err)
	}
	if gotReq != req {
		t.Fatalf("got %+v, want %+v", gotReq, req)
	}

	for _, reply := range []QuerySnapshotReadReply{
		{Chunk: 100, FromOrigin: true},
		{Chunk: 200, FromOrigin: false},
	} {
		got, err := UnmarshalQuerySnapshotReadReply(reply.Marshal())
		if err != nil {
			t.Fatalf("UnmarshalQuerySnapshotReadReply: %v", err)
		}
		if got != reply {
			t.Fatalf("got %+v, want %+v", got, reply)
		}
	}
}

func TestFinishSnapshotReadRequestRoundTrip(t *testing.T) {
	req := FinishSnapshotReadRequest{OriginChunk: 77}
	got, err := UnmarshalFinishSnapshotReadRequest(req.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFinishSnapshotReadRequest: %v", err)
	}
	if got != req {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestCreateDeleteSnapshotRequestRoundTrip(t *testing.T) {
	create := CreateSnapshotRequest{Tag: 3, Priority: -5}
	gotCreate, err := UnmarshalCreateSnapshotRequest(create.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalCreateSnapshotRequest: %v", err)
	}
	if gotCreate != create {
		t.Fatalf("got %+v, want %+v", gotCreate, create)
	}

	del := DeleteSnapshotRequest{Tag: 3}
	gotDel, err := UnmarshalDeleteSnapshotRequest(del.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalDeleteSnapshotRequest: %v", err)
	}
	if gotDel != del {
		t.Fatalf("got %+v, want %+v", gotDel, del)
	}
}

func TestListSnapshotsReplyRoundTrip(t *testing.T) {
	reply := ListSnapshotsReply{Snapshots: []SnapshotInfo{
		{Tag: 1, Priority: 5, UseCount: 0, CTime: 1000},
		{Tag: 2, Priority: -1, UseCount: 7, CTime: 2000},
	}}
	got, err := UnmarshalListSnapshotsReply(reply.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalListSnapshotsReply: %v", err)
	}
	if !reflect.DeepEqual(got, reply) {
		t.Fatalf("got %+v, want %+v", got, reply)
	}
}

func TestPriorityUsecountRequestRoundTrip(t *testing.T) {
	p := PriorityRequest{Tag: 1, Priority: -10}
	gotP, err := UnmarshalPriorityRequest(p.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalPriorityRequest: %v", err)
	}
	if gotP != p {
		t.Fatalf("got %+v, want %+v", gotP, p)
	}

	u := UsecountRequest{Tag: 1, Count: 42}
	gotU, err := UnmarshalUsecountRequest(u.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalUsecountRequest: %v", err)
	}
	if gotU != u {
		t.Fatalf("got %+v, want %+v", gotU, u)
	}
}

func TestStatusReplyRoundTrip(t *testing.T) {
	reply := StatusReply{
		MetadataUsed:    10,
		MetadataTotal:   100,
		SnapDataUsed:    20,
		SnapDataTotal:   200,
		DirtyBuffers:    5,
		JournalSequence: 999,
		SnapLockDepth:   3,
		LiveSnapshots:   2,
	}
	got, err := UnmarshalStatusReply(reply.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalStatusReply: %v", err)
	}
	if got != reply {
		t.Fatalf("got %+v, want %+v", got, reply)
	}
}

func TestStreamChangelistRoundTrip(t *testing.T) {
	req := StreamChangelistRequest{Tag1: 4, Tag2: 7}
	gotReq, err := UnmarshalStreamChangelistRequest(req.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalStreamChangelistRequest: %v", err)
	}
	if gotReq != req {
		t.Fatalf("got %+v, want %+v", gotReq, req)
	}

	reply := StreamChangelistReply{Entries: []ChangelistEntry{{OriginChunk: 1, DataChunk: 2}, {OriginChunk: 3, DataChunk: 4}}}
	gotReply, err := UnmarshalStreamChangelistReply(reply.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalStreamChangelistReply: %v", err)
	}
	if !reflect.DeepEqual(gotReply, reply) {
		t.Fatalf("got %+v, want %+v", gotReply, reply)
	}
}

func TestRequestOriginSectorsReplyRoundTrip(t *testing.T) {
	reply := RequestOriginSectorsReply{Sectors: 123456}
	got, err := UnmarshalRequestOriginSectorsReply(reply.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalRequestOriginSectorsReply: %v", err)
	}
	if got != reply {
		t.Fatalf("got %+v, want %+v", got, reply)
	}
}

func TestProtocolErrorRoundTrip(t *testing.T) {
	want := ProtocolError{Message: "snapshot tag already exists"}
	got := UnmarshalProtocolError(want.Marshal())
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestShortBuffersReturnErrors(t *testing.T) {
	if _, err := UnmarshalIdentifyRequest(nil); err == nil {
		t.Fatalf("UnmarshalIdentifyRequest(nil) = nil error, want error")
	}
	if _, err := UnmarshalQueryWriteRequest([]byte{1, 2, 3}); err == nil {
		t.Fatalf("UnmarshalQueryWriteRequest(short) = nil error, want error")
	}
	if _, err := UnmarshalStatusReply(make([]byte, 10)); err == nil {
		t.Fatalf("UnmarshalStatusReply(short) = nil error, want error")
	}
}
