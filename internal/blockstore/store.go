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

// Package blockstore persists content-addressed blocks on the local
// filesystem. Blocks are keyed by the SHA-256 of their content and laid
// out under a two-level hex fan-out so no single directory grows
// unbounded: <root>/ab/cd/abcd....
package blockstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"dedupfs/internal/common"
)

// HashSize is the length in bytes of a block hash.
const HashSize = sha256.Size

// Hash identifies a block by the SHA-256 of its content.
type Hash [HashSize]byte

// Sum returns the hash of the given block content.
func Sum(data []byte) Hash {
	return sha256.Sum256(data)
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("hash %q: want %d hex characters, got %d", s, HashSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	copy(h[:], b)
	return h, nil
}

// Store is a content-addressed block store rooted at a directory.
// All methods are safe for concurrent use.
type Store struct {
	root string

	mu     sync.RWMutex
	closed bool
}

// Open returns a Store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create block store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Close marks the store closed. Subsequent calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) path(h Hash) string {
	name := h.String()
	return filepath.Join(s.root, name[0:2], name[2:4], name)
}

// Put writes a block and returns its hash. Writing content that is
// already present is a no-op; the existing block is never rewritten, so
// concurrent writers of the same content cannot corrupt it.
func (s *Store) Put(data []byte) (Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Hash{}, common.ErrStoreClosed
	}

	h := Sum(data)
	dst := s.path(h)
	if _, err := os.Stat(dst); err == nil {
		return h, nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Hash{}, fmt.Errorf("create fan-out dir: %w", err)
	}

	// Write to a temp file in the final directory, then rename into
	// place. Readers never observe a partially written block.
	tmp, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return Hash{}, fmt.Errorf("create temp block: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("write block %s: %w", h, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("close temp block: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return Hash{}, fmt.Errorf("commit block %s: %w", h, err)
	}

	logrus.WithField("hash", h.String()).Trace("stored block")
	return h, nil
}

// Get returns the content of the block with the given hash. A missing
// block surfaces as common.ErrBlockNotFound; callers treat that as
// store corruption, not a soft miss.
func (s *Store) Get(h Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, common.ErrStoreClosed
	}

	data, err := os.ReadFile(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("block %s: %w", h, common.ErrBlockNotFound)
		}
		return nil, fmt.Errorf("read block %s: %w", h, err)
	}
	return data, nil
}

// Has reports whether a block exists without reading it.
func (s *Store) Has(h Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, common.ErrStoreClosed
	}

	_, err := os.Stat(s.path(h))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Delete removes a block. Deleting a block that does not exist is a
// no-op so callers can retry reclamation without bookkeeping.
func (s *Store) Delete(h Hash) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return common.ErrStoreClosed
	}

	if err := os.Remove(s.path(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete block %s: %w", h, err)
	}
	return nil
}

// Walk calls fn for every block in the store. Files that do not parse
// as block hashes (temp files, stray droppings) are skipped.
func (s *Store) Walk(fn func(h Hash, size int64) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return common.ErrStoreClosed
	}

	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".tmp") {
			return nil
		}
		h, perr := ParseHash(name)
		if perr != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(h, info.Size())
	})
}
