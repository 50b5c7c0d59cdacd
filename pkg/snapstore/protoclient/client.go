// Package protoclient is a thin synchronous client for ddsnapd's Unix-socket
// wire protocol, used by ddsnapctl.
package protoclient

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/ddsnap/ddsnap/pkg/snapstore/protocol"
)

// Client holds one open connection to a ddsnapd control socket. Requests are
// issued synchronously; a Client is not safe for concurrent use.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to sockPath and identifies itself as clientID.
func Dial(sockPath, clientID string) (*Client, error) {
	conn, err := net.DialTimeout("unix", sockPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("protoclient: dialing %q: %w", sockPath, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	if _, err := c.roundTrip(protocol.CodeIdentify, protocol.IdentifyRequest{ClientID: clientID}.Marshal()); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(code protocol.Code, body []byte) ([]byte, error) {
	if err := protocol.WriteMessage(c.conn, code, body); err != nil {
		return nil, fmt.Errorf("protoclient: writing request: %w", err)
	}
	head, err := protocol.ReadHead(c.r)
	if err != nil {
		return nil, fmt.Errorf("protoclient: reading reply head: %w", err)
	}
	reply, err := protocol.ReadBody(c.r, head)
	if err != nil {
		return nil, fmt.Errorf("protoclient: reading reply body: %w", err)
	}
	if head.Code == protocol.CodeProtocolError {
		perr := protocol.UnmarshalProtocolError(reply)
		return nil, fmt.Errorf("ddsnapd: %s", perr.Message)
	}
	return reply, nil
}

// Status fetches the daemon's allocator/cache/journal summary.
func (c *Client) Status() (protocol.StatusReply, error) {
	reply, err := c.roundTrip(protocol.CodeStatus, nil)
	if err != nil {
		return protocol.StatusReply{}, err
	}
	return protocol.UnmarshalStatusReply(reply)
}

// ListSnapshots fetches the live snapshot table.
func (c *Client) ListSnapshots() ([]protocol.SnapshotInfo, error) {
	reply, err := c.roundTrip(protocol.CodeListSnapshots, nil)
	if err != nil {
		return nil, err
	}
	out, err := protocol.UnmarshalListSnapshotsReply(reply)
	if err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

// CreateSnapshot creates a new snapshot bound to tag with the given eviction
// priority, evicting a lower-priority victim under bit pressure if needed.
func (c *Client) CreateSnapshot(tag uint32, priority int8) error {
	_, err := c.roundTrip(protocol.CodeCreateSnapshot, protocol.CreateSnapshotRequest{Tag: tag, Priority: priority}.Marshal())
	return err
}

// DeleteSnapshot releases tag and frees every snapshot-data chunk it alone referenced.
func (c *Client) DeleteSnapshot(tag uint32) error {
	_, err := c.roundTrip(protocol.CodeDeleteSnapshot, protocol.DeleteSnapshotRequest{Tag: tag}.Marshal())
	return err
}

// SetPriority adjusts a live snapshot's eviction priority.
func (c *Client) SetPriority(tag uint32, priority int8) error {
	_, err := c.roundTrip(protocol.CodePriority, protocol.PriorityRequest{Tag: tag, Priority: priority}.Marshal())
	return err
}

// SetUsecount pins or unpins a snapshot against priority eviction.
func (c *Client) SetUsecount(tag, count uint32) error {
	_, err := c.roundTrip(protocol.CodeUsecount, protocol.UsecountRequest{Tag: tag, Count: count}.Marshal())
	return err
}

// Changelist fetches every origin chunk whose contents differ between
// tag1 and tag2.
func (c *Client) Changelist(tag1, tag2 uint32) ([]protocol.ChangelistEntry, error) {
	reply, err := c.roundTrip(protocol.CodeStreamChangelist, protocol.StreamChangelistRequest{Tag1: tag1, Tag2: tag2}.Marshal())
	if err != nil {
		return nil, err
	}
	out, err := protocol.UnmarshalStreamChangelistReply(reply)
	if err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Shutdown asks the daemon to stop accepting new connections and exit once
// in-flight requests drain.
func (c *Client) Shutdown() error {
	_, err := c.roundTrip(protocol.CodeShutdownServer, nil)
	return err
}
