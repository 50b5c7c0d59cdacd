package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ddsnap/ddsnap/internal/bytesize"
)

// Default tuning values. Chosen to match the reference ddsnap daemon's
// typical 4 KiB metadata chunk and a journal sized for a few thousand
// in-flight dirty blocks.
const (
	DefaultChunkSizeBits  = 12 // 4 KiB
	DefaultJournalChunks  = 4096
	DefaultCacheBuffers   = 8192
	DefaultSnapLockBits   = 8
	DefaultShutdownWindow = 10 * time.Second
	DefaultSocketPath     = "/var/run/ddsnapd.ctl"
	DefaultMetricsAddr    = "127.0.0.1:9121"
	DefaultDeviceChunks   = 262144 // 1 GiB of 4 KiB chunks
)

// ApplyDefaults fills unspecified configuration fields with sensible
// defaults. Called after loading from file and environment.
func ApplyDefaults(cfg *Config) error {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	if err := applyDeviceDefaults(&cfg.Metadata); err != nil {
		return fmt.Errorf("metadata device: %w", err)
	}

	if cfg.SnapshotData.Path == "" {
		// Snapshot data coincides with the metadata device: a single
		// allocator space, matching spec.md §6's "may coincide" clause.
		cfg.SnapshotData = cfg.Metadata
	} else if err := applyDeviceDefaults(&cfg.SnapshotData); err != nil {
		return fmt.Errorf("snapshot data device: %w", err)
	}

	if cfg.Socket == "" {
		cfg.Socket = DefaultSocketPath
	}
	if cfg.Journal.SizeChunks == 0 {
		cfg.Journal.SizeChunks = DefaultJournalChunks
	}
	if cfg.Cache.MaxBuffers == 0 {
		cfg.Cache.MaxBuffers = DefaultCacheBuffers
	}
	if cfg.SnapLock.HashBits == 0 {
		cfg.SnapLock.HashBits = DefaultSnapLockBits
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownWindow
	}
	return nil
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultMetricsAddr
	}
}

func applyDeviceDefaults(cfg *DeviceConfig) error {
	if cfg.ChunkSizeBits == 0 {
		cfg.ChunkSizeBits = DefaultChunkSizeBits
	}
	if cfg.Size != "" {
		size, err := bytesize.ParseByteSize(cfg.Size)
		if err != nil {
			return fmt.Errorf("parsing size %q: %w", cfg.Size, err)
		}
		cfg.SizeChunks = size.Uint64() >> cfg.ChunkSizeBits
	}
	if cfg.SizeChunks == 0 {
		cfg.SizeChunks = DefaultDeviceChunks
	}
	return nil
}
