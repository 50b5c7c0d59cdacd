package protoclient

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ddsnap/ddsnap/pkg/config"
	"github.com/ddsnap/ddsnap/pkg/snapstore"
)

// newTestServer formats and opens a fresh store, starts a real ddsnapd
// server listening on a temp Unix socket, and returns a client already
// dialed against it.
func newTestServer(t *testing.T) (*Client, *snapstore.Store) {
	t.Helper()
	dir := t.TempDir()
	metaPath := filepath.Join(dir, "meta.img")
	originPath := filepath.Join(dir, "origin.img")
	sockPath := filepath.Join(dir, "ddsnapd.ctl")

	originSectors := uint64(512)
	if err := os.WriteFile(originPath, make([]byte, originSectors*512), 0o600); err != nil {
		t.Fatalf("seeding origin file: %v", err)
	}

	cfg := &config.Config{
		Socket: sockPath,
		Metadata: config.DeviceConfig{
			Path:          metaPath,
			ChunkSizeBits: 12,
			SizeChunks:    64,
		},
		Origin:   config.OriginConfig{Path: originPath, SizeSectors: originSectors},
		Journal:  config.JournalConfig{SizeChunks: 8},
		Cache:    config.CacheConfig{MaxBuffers: 64},
		SnapLock: config.SnapLockConfig{HashBits: 4},
	}

	if err := snapstore.Format(cfg); err != nil {
		t.Fatalf("Format: %v", err)
	}
	store, err := snapstore.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	server, err := snapstore.NewServer(store, sockPath)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = server.Run(ctx, time.Second)
	}()
	waitForSocket(t, sockPath)

	client, err := Dial(sockPath, "test-client")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client, store
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %q never became ready", path)
}

func TestClientStatusAndChangelist(t *testing.T) {
	client, _ := newTestServer(t)

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.MetadataTotal != 64 {
		t.Fatalf("MetadataTotal = %d, want 64", status.MetadataTotal)
	}

	if err := client.CreateSnapshot(1, 5); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	list, err := client.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 1 || list[0].Tag != 1 {
		t.Fatalf("ListSnapshots = %+v, want one record with Tag=1", list)
	}

	if err := client.SetPriority(1, 9); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if err := client.SetUsecount(1, 3); err != nil {
		t.Fatalf("SetUsecount: %v", err)
	}

	if err := client.CreateSnapshot(2, 5); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	entries, err := client.Changelist(1, 2)
	if err != nil {
		t.Fatalf("Changelist: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Changelist between two untouched snapshots = %+v, want empty", entries)
	}

	same, err := client.Changelist(1, 1)
	if err != nil {
		t.Fatalf("Changelist(1,1): %v", err)
	}
	if len(same) != 0 {
		t.Fatalf("Changelist(1,1) = %+v, want empty", same)
	}

	if err := client.DeleteSnapshot(2); err != nil {
		t.Fatalf("DeleteSnapshot(2): %v", err)
	}

	if err := client.DeleteSnapshot(1); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if err := client.DeleteSnapshot(1); err == nil {
		t.Fatalf("double DeleteSnapshot = nil error, want error")
	}
}

func TestClientCreateSnapshotDuplicateTagFails(t *testing.T) {
	client, _ := newTestServer(t)

	if err := client.CreateSnapshot(2, 1); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := client.CreateSnapshot(2, 1); err == nil {
		t.Fatalf("duplicate CreateSnapshot = nil error, want error")
	}
}

func TestClientShutdown(t *testing.T) {
	client, _ := newTestServer(t)
	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
