// Copyright 2025 DedupFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dedupfs/internal/daemon"
	"dedupfs/internal/index"
)

var initBlockSize int64

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a dedupfs store",
	Long: `Initialize a dedupfs store in the specified directory (or the current
directory). Creates a .dedupfs directory holding the metadata database,
the block store, and a config file.

The block size is fixed here for the store's lifetime.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().Int64Var(&initBlockSize, "block-size", 0, "block size in bytes (default 4096)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	root, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	metaDir := daemon.MetaDir(root)
	existing := false
	if _, err := os.Stat(metaDir); err == nil {
		existing = true
	}

	if err := daemon.InitStoreDir(root); err != nil {
		return err
	}

	cfg, err := daemon.LoadStoreConfig(root)
	if err != nil {
		return err
	}
	configNeedsUpdate := initBlockSize > 0 && initBlockSize != cfg.BlockSize
	if initBlockSize > 0 {
		cfg.BlockSize = initBlockSize
	}

	indexPath := cfg.ResolveIndexPath(root)
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return err
	}

	// Creating the index pins the block size; a mismatch with an
	// existing database fails here, before the config is rewritten, so
	// a rejected re-init leaves the store openable as it was.
	idx, err := index.Create(indexPath, cfg.BlockSize)
	if err != nil {
		return err
	}
	defer idx.Close()

	if configNeedsUpdate {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(daemon.ConfigPath(root), data, 0o644); err != nil {
			return fmt.Errorf("failed to update config: %w", err)
		}
	}

	if existing {
		fmt.Printf("Reinitialized existing dedupfs store in %s (block size %d)\n", metaDir, idx.BlockSize())
	} else {
		fmt.Printf("Initialized empty dedupfs store in %s (block size %d)\n", metaDir, idx.BlockSize())
	}
	return nil
}
