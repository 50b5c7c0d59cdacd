// Package protocol defines the Unix-socket wire format the daemon speaks
// to its clients: a fixed head{code,length} frame followed by a
// message-specific body, encoded little-endian throughout.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Code identifies a message's body layout.
type Code uint32

const (
	CodeIdentify Code = iota + 1
	CodeQueryWrite
	CodeQuerySnapshotRead
	CodeFinishSnapshotRead
	CodeCreateSnapshot
	CodeDeleteSnapshot
	CodeListSnapshots
	CodePriority
	CodeUsecount
	CodeStatus
	CodeStreamChangelist
	CodeRequestOriginSectors
	CodeShutdownServer
	CodeReply
	CodeProtocolError
)

func (c Code) String() string {
	switch c {
	case CodeIdentify:
		return "IDENTIFY"
	case CodeQueryWrite:
		return "QUERY_WRITE"
	case CodeQuerySnapshotRead:
		return "QUERY_SNAPSHOT_READ"
	case CodeFinishSnapshotRead:
		return "FINISH_SNAPSHOT_READ"
	case CodeCreateSnapshot:
		return "CREATE_SNAPSHOT"
	case CodeDeleteSnapshot:
		return "DELETE_SNAPSHOT"
	case CodeListSnapshots:
		return "LIST_SNAPSHOTS"
	case CodePriority:
		return "PRIORITY"
	case CodeUsecount:
		return "USECOUNT"
	case CodeStatus:
		return "STATUS"
	case CodeStreamChangelist:
		return "STREAM_CHANGELIST"
	case CodeRequestOriginSectors:
		return "REQUEST_ORIGIN_SECTORS"
	case CodeShutdownServer:
		return "SHUTDOWN_SERVER"
	case CodeReply:
		return "REPLY"
	case CodeProtocolError:
		return "PROTOCOL_ERROR"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// maxBodySize bounds a single message body, guarding the server against a
// malformed or hostile length field driving an unbounded allocation.
const maxBodySize = 16 << 20

// Head is the fixed 8-byte frame prefix: message code and body length.
type Head struct {
	Code   Code
	Length uint32
}

// ReadHead reads and decodes one frame header from r.
func ReadHead(r io.Reader) (Head, error) {
	var raw [8]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Head{}, err
	}
	h := Head{
		Code:   Code(binary.LittleEndian.Uint32(raw[0:])),
		Length: binary.LittleEndian.Uint32(raw[4:]),
	}
	if h.Length > maxBodySize {
		return Head{}, fmt.Errorf("protocol: body length %d exceeds maximum %d", h.Length, maxBodySize)
	}
	return h, nil
}

// WriteMessage frames and writes one message: code, the body's length,
// then the body itself.
func WriteMessage(w io.Writer, code Code, body []byte) error {
	var raw [8]byte
	binary.LittleEndian.PutUint32(raw[0:], uint32(code))
	binary.LittleEndian.PutUint32(raw[4:], uint32(len(body)))
	if _, err := w.Write(raw[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// ReadBody reads exactly h.Length bytes following a Head read by ReadHead.
func ReadBody(r io.Reader, h Head) ([]byte, error) {
	if h.Length == 0 {
		return nil, nil
	}
	buf := make([]byte, h.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
