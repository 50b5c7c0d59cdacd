// Package config loads and validates ddsnapd's static configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DDSNAP_*) (highest priority)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Command-line flags only select the configuration file; Load does not
// read any configuration field from flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the top-level ddsnapd configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics holds settings for a Prometheus metrics endpoint. The daemon
	// starts no metrics HTTP server and does not read these fields.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Socket is the path to the Unix-domain socket the server listens on.
	Socket string `mapstructure:"socket" validate:"required" yaml:"socket"`

	// Metadata describes the metadata device backing the superblock,
	// bitmap allocator, journal, and exception B-tree.
	Metadata DeviceConfig `mapstructure:"metadata" validate:"required" yaml:"metadata"`

	// SnapshotData describes the snapshot-data device exception chunks are
	// allocated from. May be omitted if it coincides with Metadata.
	SnapshotData DeviceConfig `mapstructure:"snapshot_data" yaml:"snapshot_data"`

	// Origin describes the origin volume being snapshotted.
	Origin OriginConfig `mapstructure:"origin" validate:"required" yaml:"origin"`

	// Journal controls write-ahead journal sizing and commit back-pressure.
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`

	// Cache controls the metadata block cache.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// SnapLock controls the in-memory snap-read lock table.
	SnapLock SnapLockConfig `mapstructure:"snap_lock" yaml:"snap_lock"`

	// ShutdownTimeout bounds how long the server waits for in-flight
	// requests to drain during graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logger behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // DEBUG, INFO, WARN, ERROR
	Format string `mapstructure:"format" yaml:"format"` // text, json
	Output string `mapstructure:"output" yaml:"output"` // stdout, stderr, or file path
}

// MetricsConfig holds Prometheus metrics endpoint settings; no endpoint is
// started from them.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"` // host:port for the /metrics endpoint
}

// DeviceConfig identifies a chunk-addressed block device and its chunk size.
type DeviceConfig struct {
	// Path is the backing file or block device.
	Path string `mapstructure:"path" yaml:"path"`

	// ChunkSizeBits is log2 of the chunk size in bytes (e.g. 12 for 4 KiB).
	ChunkSizeBits uint8 `mapstructure:"chunk_size_bits" validate:"gte=9,lte=20" yaml:"chunk_size_bits"`

	// SizeChunks is the device's total size in chunks. Format uses it to
	// size the bitmap allocator; Open reads the real size back from the
	// superblock instead.
	SizeChunks uint64 `mapstructure:"size_chunks" yaml:"size_chunks"`

	// Size is a human-readable override for SizeChunks (e.g. "4Gi",
	// "500MB"), applied during ApplyDefaults. Leave empty to set
	// SizeChunks directly.
	Size string `mapstructure:"size" yaml:"size,omitempty"`
}

// OriginConfig identifies the origin volume being snapshotted.
type OriginConfig struct {
	Path          string `mapstructure:"path" validate:"required" yaml:"path"`
	OffsetSectors uint64 `mapstructure:"offset_sectors" yaml:"offset_sectors"`
	SizeSectors   uint64 `mapstructure:"size_sectors" validate:"required,gt=0" yaml:"size_sectors"`
}

// JournalConfig controls journal sizing.
type JournalConfig struct {
	// SizeChunks is the number of chunks in the journal ring.
	SizeChunks uint32 `mapstructure:"size_chunks" yaml:"size_chunks"`
}

// CacheConfig controls the metadata block cache.
type CacheConfig struct {
	// MaxBuffers bounds the number of cached metadata blocks held in memory.
	MaxBuffers int `mapstructure:"max_buffers" yaml:"max_buffers"`
}

// SnapLockConfig controls the snap-read lock table.
type SnapLockConfig struct {
	// HashBits sizes the hashed lock table (2^HashBits buckets).
	HashBits uint8 `mapstructure:"hash_bits" yaml:"hash_bits"`
}

var validate = validator.New()

// Load reads configuration from the given path (if non-empty), overlays
// DDSNAP_*-prefixed environment variables, applies defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DDSNAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := ApplyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ChunkSize returns the device's chunk size in bytes.
func (c *DeviceConfig) ChunkSize() uint64 {
	return 1 << c.ChunkSizeBits
}
