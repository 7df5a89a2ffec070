package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"dedupfs/internal/artifacts"
	"dedupfs/internal/chunker"
	"dedupfs/internal/common"
)

// Store layout inside {root}/.dedupfs/.
const (
	dbFileName     = "meta.db"
	blocksDirName  = "blocks"
	configFileName = "config.yaml"
	lockFileName   = "lock"
)

// MetaDir returns the metadata directory for a store root.
func MetaDir(root string) string {
	return filepath.Join(root, common.MetaDirName)
}

// DBPath returns the metadata database path for a store root.
func DBPath(root string) string {
	return filepath.Join(MetaDir(root), dbFileName)
}

// BlocksDir returns the block store directory for a store root.
func BlocksDir(root string) string {
	return filepath.Join(MetaDir(root), blocksDirName)
}

// ConfigPath returns the store config file path for a store root.
func ConfigPath(root string) string {
	return filepath.Join(MetaDir(root), configFileName)
}

// LockPath returns the single-writer lock file path for a store root.
func LockPath(root string) string {
	return filepath.Join(MetaDir(root), lockFileName)
}

// StoreConfig is the per-store configuration from {root}/.dedupfs/config.yaml.
type StoreConfig struct {
	BlockSize   int64    `yaml:"block_size"`  // fixed at init time
	Logging     string   `yaml:"logging"`     // none, error, warn, info, debug, trace
	Listen      string   `yaml:"listen"`      // NFS listen address, host:port
	MountPoint  string   `yaml:"mount_point"` // default target for the mount command
	IndexPath   string   `yaml:"index_path"`  // metadata database, default {root}/.dedupfs/meta.db
	BlocksPath  string   `yaml:"blocks_path"` // block store root, default {root}/.dedupfs/blocks
	Passthrough []string `yaml:"passthrough"` // gitignore-style patterns
}

// ResolveIndexPath returns the metadata database path for a store root,
// honoring a config override. Relative overrides resolve against root.
func (cfg *StoreConfig) ResolveIndexPath(root string) string {
	return resolveStorePath(root, cfg.IndexPath, DBPath(root))
}

// ResolveBlocksPath returns the block store root for a store root,
// honoring a config override.
func (cfg *StoreConfig) ResolveBlocksPath(root string) string {
	return resolveStorePath(root, cfg.BlocksPath, BlocksDir(root))
}

func resolveStorePath(root, override, fallback string) string {
	if override == "" {
		return fallback
	}
	if filepath.IsAbs(override) {
		return override
	}
	return filepath.Join(root, override)
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *StoreConfig) ApplyDefaults() {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = chunker.DefaultBlockSize
	}
	if cfg.Logging == "" {
		cfg.Logging = "info"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
}

// LogLevel returns the normalized (lowercase) logging level.
func (cfg *StoreConfig) LogLevel() string {
	if env := os.Getenv("DEDUPFS_LOG"); env != "" {
		return strings.ToLower(env)
	}
	return strings.ToLower(cfg.Logging)
}

// LoadStoreConfig loads the config from {root}/.dedupfs/config.yaml.
// A missing file yields all defaults; the store may predate the config.
func LoadStoreConfig(root string) (*StoreConfig, error) {
	var cfg StoreConfig
	data, err := os.ReadFile(ConfigPath(root))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigPath(root), err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// InitStoreDir creates {root}/.dedupfs with the default config template.
// Existing config files are left alone.
func InitStoreDir(root string) error {
	if err := os.MkdirAll(MetaDir(root), 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	if err := os.MkdirAll(BlocksDir(root), 0o755); err != nil {
		return fmt.Errorf("failed to create block directory: %w", err)
	}
	configPath := ConfigPath(root)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, artifacts.StoreConfig, 0o644); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	}
	return nil
}
