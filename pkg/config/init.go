package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const sampleConfig = `# ddsnapd sample configuration
logging:
  level: INFO
  format: text
  output: stdout

metrics:
  enabled: true
  addr: 127.0.0.1:9121

socket: /var/run/ddsnapd.ctl

metadata:
  path: /var/lib/ddsnap/metadata.img
  chunk_size_bits: 12
  size_chunks: 262144

snapshot_data:
  path: /var/lib/ddsnap/snapshot.img
  chunk_size_bits: 12
  size_chunks: 262144

origin:
  path: /dev/origin-volume
  offset_sectors: 0
  size_sectors: 0

journal:
  size_chunks: 4096

cache:
  max_buffers: 8192

snap_lock:
  hash_bits: 8

shutdown_timeout: 10s
`

// DefaultConfigPath returns $XDG_CONFIG_HOME/ddsnap/config.yaml, falling
// back to $HOME/.config/ddsnap/config.yaml.
func DefaultConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ddsnap", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ddsnap", "config.yaml"), nil
}

// InitConfig writes a sample configuration file to the default path.
// If force is false and the file already exists, it returns an error.
func InitConfig(force bool) (string, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return "", err
	}
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a sample configuration file to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %q (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
