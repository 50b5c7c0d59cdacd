package snapstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ddsnap/ddsnap/internal/logger"
	"github.com/ddsnap/ddsnap/pkg/snapstore/protocol"
)

// Server is the single-threaded-per-connection dispatcher that speaks the
// wire protocol over a Unix socket. Each accepted connection gets its own
// goroutine reading one frame at a time and replying synchronously; all of
// them share the one Store, whose own locking (registry mutex, cache
// mutex, lock table buckets) is what actually serializes access — the
// concurrency model described in spec §6 is realized here as "any number
// of request readers, one authoritative Store" rather than literally one
// OS thread, which is the idiomatic Go shape for the same guarantee.
type Server struct {
	store    *Store
	listener *net.UnixListener
	wg       sync.WaitGroup
}

// NewServer binds sockPath, removing a stale socket file left behind by a
// prior unclean shutdown.
func NewServer(store *Store, sockPath string) (*Server, error) {
	_ = os.Remove(sockPath)
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("snapstore: resolving socket path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("snapstore: listening on %q: %w", sockPath, err)
	}
	return &Server{store: store, listener: ln}, nil
}

// Run accepts connections until ctx is canceled or SIGINT/SIGTERM arrives,
// then stops accepting and waits up to shutdownTimeout for in-flight
// connections to finish their current request.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down")
		return s.listener.Close()
	})

	g.Go(func() error {
		for {
			s.listener.SetDeadline(time.Now().Add(time.Second))
			conn, err := s.listener.AcceptUnix()
			if err != nil {
				if gctx.Err() != nil {
					break
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return fmt.Errorf("snapstore: accept: %w", err)
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn)
			}()
		}
		return nil
	})

	err := g.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out waiting for in-flight requests", logger.DurationMs(float64(shutdownTimeout.Milliseconds())))
	}
	return err
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	sessionCtx := logger.NewLogContext(nextSessionID(), conn.RemoteAddr().String())

	for {
		head, err := protocol.ReadHead(r)
		if err != nil {
			if err != io.EOF {
				logger.DebugCtx(logger.WithContext(context.Background(), sessionCtx), "connection read error", logger.Err(err))
			}
			return
		}
		body, err := protocol.ReadBody(r, head)
		if err != nil {
			return
		}
		reply, replyCode := s.dispatch(sessionCtx.WithMessage(uint32(head.Code)), head.Code, body)
		if err := protocol.WriteMessage(conn, replyCode, reply); err != nil {
			return
		}
		if head.Code == protocol.CodeShutdownServer {
			return
		}
	}
}

var sessionCounter sessionIDCounter

type sessionIDCounter struct {
	mu sync.Mutex
	n  uint64
}

func nextSessionID() uint64 {
	sessionCounter.mu.Lock()
	defer sessionCounter.mu.Unlock()
	sessionCounter.n++
	return sessionCounter.n
}

// dispatch maps one decoded request onto a Store call and encodes its
// reply. Protocol-level decode errors and Store errors both come back as
// PROTOCOL_ERROR, distinguished only by the message text — this daemon
// has no client-recoverable error codes beyond "retry the request".
func (s *Server) dispatch(lc *logger.LogContext, code protocol.Code, body []byte) ([]byte, protocol.Code) {
	ctx := logger.WithContext(context.Background(), lc)
	defer func() {
		logger.DebugCtx(ctx, "request handled", logger.MsgCode(uint32(code)), logger.DurationMs(lc.DurationMs()))
	}()

	switch code {
	case protocol.CodeIdentify:
		req, err := protocol.UnmarshalIdentifyRequest(body)
		if err != nil {
			return errorReply(err)
		}
		logger.InfoCtx(ctx, "client identified", logger.ClientID(req.ClientID))
		return nil, protocol.CodeReply

	case protocol.CodeQueryWrite:
		req, err := protocol.UnmarshalQueryWriteRequest(body)
		if err != nil {
			return errorReply(err)
		}
		ranges, err := s.store.QueryWrite(req.OriginChunk, req.SnapTag)
		if err != nil {
			return errorReply(err)
		}
		triples := make([]protocol.RangeTriple, len(ranges))
		for i, r := range ranges {
			triples[i] = protocol.RangeTriple{Source: r.Origin, Dest: r.Dest, Count: r.Count}
		}
		return protocol.QueryWriteReply{Ranges: triples}.Marshal(), protocol.CodeReply

	case protocol.CodeQuerySnapshotRead:
		req, err := protocol.UnmarshalQuerySnapshotReadRequest(body)
		if err != nil {
			return errorReply(err)
		}
		chunk, fromOrigin, err := s.store.QuerySnapshotRead(req.OriginChunk, req.SnapTag)
		if err != nil {
			return errorReply(err)
		}
		return protocol.QuerySnapshotReadReply{Chunk: chunk, FromOrigin: fromOrigin}.Marshal(), protocol.CodeReply

	case protocol.CodeFinishSnapshotRead:
		req, err := protocol.UnmarshalFinishSnapshotReadRequest(body)
		if err != nil {
			return errorReply(err)
		}
		s.store.FinishSnapshotRead(req.OriginChunk)
		return nil, protocol.CodeReply

	case protocol.CodeCreateSnapshot:
		req, err := protocol.UnmarshalCreateSnapshotRequest(body)
		if err != nil {
			return errorReply(err)
		}
		if err := s.store.CreateSnapshot(req.Tag, req.Priority); err != nil {
			return errorReply(err)
		}
		return nil, protocol.CodeReply

	case protocol.CodeDeleteSnapshot:
		req, err := protocol.UnmarshalDeleteSnapshotRequest(body)
		if err != nil {
			return errorReply(err)
		}
		if err := s.store.DeleteSnapshot(req.Tag); err != nil {
			return errorReply(err)
		}
		return nil, protocol.CodeReply

	case protocol.CodeListSnapshots:
		recs := s.store.ListSnapshots()
		infos := make([]protocol.SnapshotInfo, len(recs))
		for i, r := range recs {
			infos[i] = protocol.SnapshotInfo{Tag: r.Tag, Priority: r.Priority, UseCount: r.UseCount, CTime: r.CTime}
		}
		return protocol.ListSnapshotsReply{Snapshots: infos}.Marshal(), protocol.CodeReply

	case protocol.CodePriority:
		req, err := protocol.UnmarshalPriorityRequest(body)
		if err != nil {
			return errorReply(err)
		}
		if err := s.store.SetPriority(req.Tag, req.Priority); err != nil {
			return errorReply(err)
		}
		return nil, protocol.CodeReply

	case protocol.CodeUsecount:
		req, err := protocol.UnmarshalUsecountRequest(body)
		if err != nil {
			return errorReply(err)
		}
		if err := s.store.SetUsecount(req.Tag, req.Count); err != nil {
			return errorReply(err)
		}
		return nil, protocol.CodeReply

	case protocol.CodeStatus:
		metaUsed, metaTotal, dataUsed, dataTotal, err := s.store.Status()
		if err != nil {
			return errorReply(err)
		}
		return protocol.StatusReply{
			MetadataUsed:    metaUsed,
			MetadataTotal:   metaTotal,
			SnapDataUsed:    dataUsed,
			SnapDataTotal:   dataTotal,
			DirtyBuffers:    uint32(s.store.DirtyBufferCount()),
			JournalSequence: s.store.JournalSequence(),
			SnapLockDepth:   uint32(s.store.SnapLockDepth()),
			LiveSnapshots:   uint32(len(s.store.ListSnapshots())),
		}.Marshal(), protocol.CodeReply

	case protocol.CodeStreamChangelist:
		req, err := protocol.UnmarshalStreamChangelistRequest(body)
		if err != nil {
			return errorReply(err)
		}
		entries, err := s.store.StreamChangelist(req.Tag1, req.Tag2)
		if err != nil {
			return errorReply(err)
		}
		out := make([]protocol.ChangelistEntry, len(entries))
		for i, e := range entries {
			out[i] = protocol.ChangelistEntry{OriginChunk: e.Origin, DataChunk: e.Data}
		}
		return protocol.StreamChangelistReply{Entries: out}.Marshal(), protocol.CodeReply

	case protocol.CodeRequestOriginSectors:
		return protocol.RequestOriginSectorsReply{Sectors: s.store.OriginSectors()}.Marshal(), protocol.CodeReply

	case protocol.CodeShutdownServer:
		logger.Info("client requested shutdown")
		go s.listener.Close()
		return nil, protocol.CodeReply

	default:
		return errorReply(fmt.Errorf("snapstore: unknown message code %s", code))
	}
}

func errorReply(err error) ([]byte, protocol.Code) {
	return protocol.ProtocolError{Message: err.Error()}.Marshal(), protocol.CodeProtocolError
}
