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

// Package daemon assembles an open dedup store (lock, index, block
// store, engine, filesystem) and serves it over NFS.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"dedupfs/internal/blockstore"
	"dedupfs/internal/engine"
	"dedupfs/internal/fsops"
	"dedupfs/internal/index"
)

// Store is an open dedup store rooted at a source directory.
type Store struct {
	Root   string
	Config *StoreConfig
	Engine *engine.Engine
	FS     *fsops.FS

	idx   *index.Index
	store *blockstore.Store
	lock  *flock.Flock
}

// OpenStore opens the store at root for exclusive use. The flock
// serializes whole processes: one serving daemon or maintenance command
// at a time, while the generation CAS handles races within a process.
func OpenStore(root string) (*Store, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(MetaDir(root)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s is not a dedupfs store (run `dedupfs init` first)", root)
		}
		return nil, err
	}

	cfg, err := LoadStoreConfig(root)
	if err != nil {
		return nil, err
	}
	configureLogging(cfg)

	lock := flock.New(LockPath(root))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store %s is in use by another process", root)
	}

	idx, err := index.Open(cfg.ResolveIndexPath(root), cfg.BlockSize)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	bs, err := blockstore.Open(cfg.ResolveBlocksPath(root))
	if err != nil {
		idx.Close()
		lock.Unlock()
		return nil, err
	}
	eng, err := engine.New(bs, idx)
	if err != nil {
		bs.Close()
		idx.Close()
		lock.Unlock()
		return nil, err
	}

	s := &Store{
		Root:   root,
		Config: cfg,
		Engine: eng,
		FS:     fsops.New(root, eng, fsops.NewFilter(cfg.Passthrough)),
		idx:    idx,
		store:  bs,
		lock:   lock,
	}
	log.WithFields(log.Fields{
		"root":       root,
		"block_size": idx.BlockSize(),
	}).Debug("opened store")
	return s, nil
}

// Close releases the store's resources and the process lock.
func (s *Store) Close() error {
	var firstErr error
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Index exposes the metadata index for maintenance commands.
func (s *Store) Index() *index.Index {
	return s.idx
}

// BlockStore exposes the block store for maintenance commands.
func (s *Store) BlockStore() *blockstore.Store {
	return s.store
}

func configureLogging(cfg *StoreConfig) {
	switch cfg.LogLevel() {
	case "none":
		log.SetLevel(log.PanicLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "trace":
		log.SetLevel(log.TraceLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
