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

// Package index stores file metadata in a SQLite database: per-file
// ordered block lists, sizes, generation counters, and block reference
// counts. All multi-row updates run inside a single transaction so the
// refcount invariant (refcount equals the number of file-block slots
// naming that hash) holds at every commit boundary.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"dedupfs/internal/common"
	"dedupfs/internal/util"
)

// Index is a handle to the metadata database.
type Index struct {
	path      string
	db        *sql.DB
	bun       *bun.DB
	blockSize int64
}

// Create initializes a new metadata database at path with the given
// block size. Creating over an existing database is allowed as long as
// the block sizes match.
func Create(path string, blockSize int64) (*Index, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d: %w", blockSize, common.ErrInvalidRange)
	}

	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := execStatements(db, indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initIndex, SchemaVersion, strconv.FormatInt(blockSize, 10)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	idx := &Index{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}
	if err := idx.loadBlockSize(blockSize); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Open opens an existing metadata database. expectBlockSize > 0 asserts
// the store was initialized with that block size; a mismatch is fatal
// because block boundaries of already stored data would no longer line
// up with the chunker's.
func Open(path string, expectBlockSize int64) (*Index, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	// Schema is idempotent; opening an old database picks up new tables.
	if err := execStatements(db, indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	idx := &Index{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}
	if err := idx.loadBlockSize(expectBlockSize); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) loadBlockSize(expect int64) error {
	ctx := context.Background()
	val, err := idx.GetConfigValue(ctx, ConfigKeyBlockSize)
	if err != nil {
		return fmt.Errorf("failed to read block size: %w", err)
	}
	if val == "" {
		return fmt.Errorf("database %s has no block size recorded: %w", idx.path, common.ErrBlockSizeMismatch)
	}
	size, err := strconv.ParseInt(val, 10, 64)
	if err != nil || size <= 0 {
		return fmt.Errorf("database %s has invalid block size %q: %w", idx.path, val, common.ErrBlockSizeMismatch)
	}
	if expect > 0 && size != expect {
		return fmt.Errorf("store uses block size %d, requested %d: %w", size, expect, common.ErrBlockSizeMismatch)
	}
	idx.blockSize = size
	return nil
}

// BlockSize returns the block size the store was initialized with.
func (idx *Index) BlockSize() int64 {
	return idx.blockSize
}

// Path returns the database file path.
func (idx *Index) Path() string {
	return idx.path
}

// Close closes the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// GetConfigValue retrieves a config value by key. Missing keys return "".
func (idx *Index) GetConfigValue(ctx context.Context, key string) (string, error) {
	var config ConfigModel
	err := idx.bun.NewSelect().
		Model(&config).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return config.Value, nil
}

// SetConfigValue sets a config value (upserts).
func (idx *Index) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := idx.bun.NewInsert().
		Model(&ConfigModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// FileState returns the committed state of a file: size, generation, and
// the ordered block list. Unknown file IDs return common.ErrNotFound.
func (idx *Index) FileState(ctx context.Context, fileID string) (*FileState, error) {
	var file FileModel
	err := idx.bun.NewSelect().
		Model(&file).
		Where("id = ?", fileID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("file %s: %w", fileID, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	blocks, err := idx.blockList(ctx, idx.bun, fileID)
	if err != nil {
		return nil, err
	}
	return &FileState{
		ID:         file.ID,
		Size:       file.Size,
		Generation: file.Generation,
		Blocks:     blocks,
	}, nil
}

func (idx *Index) blockList(ctx context.Context, db bun.IDB, fileID string) ([]string, error) {
	var rows []FileBlockModel
	err := db.NewSelect().
		Model(&rows).
		Where("file_id = ?", fileID).
		Order("idx").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	blocks := make([]string, len(rows))
	for i, r := range rows {
		if r.Idx != int64(i) {
			return nil, fmt.Errorf("file %s: block list has a hole at index %d", fileID, i)
		}
		blocks[i] = r.Hash
	}
	return blocks, nil
}

// CommitBlockList atomically replaces a file's block list using
// compare-and-swap on the generation counter. The caller passes the
// generation it read the file at; if the stored generation differs,
// nothing changes and common.ErrStaleGeneration is returned so the
// caller can re-read and retry.
//
// A commit with expectGen 0 against an unknown file ID creates the file.
// The returned hashes are blocks whose refcount dropped to zero in this
// commit; the caller reclaims them from the block store after the
// transaction, best-effort.
func (idx *Index) CommitBlockList(ctx context.Context, fileID string, expectGen int64, blocks []string, size int64) ([]string, error) {
	if size < 0 {
		return nil, fmt.Errorf("size %d: %w", size, common.ErrInvalidRange)
	}

	return util.RetryWithResult(ctx,
		func() ([]string, error) {
			return idx.commitBlockListInternal(ctx, fileID, expectGen, blocks, size)
		},
		util.DatabaseRetryOptions(ctx)...)
}

func (idx *Index) commitBlockListInternal(ctx context.Context, fileID string, expectGen int64, blocks []string, size int64) ([]string, error) {
	var freed []string
	err := idx.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().Unix()

		var file FileModel
		err := tx.NewSelect().
			Model(&file).
			Where("id = ?", fileID).
			Scan(ctx)
		switch {
		case err == sql.ErrNoRows:
			if expectGen != 0 {
				return fmt.Errorf("file %s does not exist at generation %d: %w", fileID, expectGen, common.ErrStaleGeneration)
			}
			file = FileModel{ID: fileID, CreatedAt: now, UpdatedAt: now}
			if _, err := tx.NewInsert().Model(&file).Exec(ctx); err != nil {
				return err
			}
		case err != nil:
			return err
		case file.Generation != expectGen:
			return fmt.Errorf("file %s is at generation %d, expected %d: %w", fileID, file.Generation, expectGen, common.ErrStaleGeneration)
		}

		oldBlocks, err := idx.blockList(ctx, tx, fileID)
		if err != nil {
			return err
		}

		// Multiset delta between old and new block lists. The same
		// hash may appear many times in one file; each slot counts.
		delta := make(map[string]int64)
		for _, h := range blocks {
			delta[h]++
		}
		for _, h := range oldBlocks {
			delta[h]--
		}

		if _, err := tx.NewDelete().
			Model((*FileBlockModel)(nil)).
			Where("file_id = ?", fileID).
			Exec(ctx); err != nil {
			return err
		}
		if len(blocks) > 0 {
			rows := make([]FileBlockModel, len(blocks))
			for i, h := range blocks {
				rows[i] = FileBlockModel{FileID: fileID, Idx: int64(i), Hash: h}
			}
			if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
				return err
			}
		}

		freed, err = applyRefDelta(ctx, tx, delta)
		if err != nil {
			return err
		}

		_, err = tx.NewUpdate().
			Model((*FileModel)(nil)).
			Set("size = ?", size).
			Set("generation = ?", expectGen+1).
			Set("updated_at = ?", now).
			Where("id = ?", fileID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"file":       fileID,
		"generation": expectGen + 1,
		"blocks":     len(blocks),
		"freed":      len(freed),
	}).Debug("committed block list")
	return freed, nil
}

// DeleteFile removes a file's metadata and releases its block
// references. It returns the hashes whose refcount dropped to zero.
// Deleting an unknown file ID returns common.ErrNotFound.
func (idx *Index) DeleteFile(ctx context.Context, fileID string) ([]string, error) {
	return util.RetryWithResult(ctx,
		func() ([]string, error) {
			return idx.deleteFileInternal(ctx, fileID)
		},
		util.DatabaseRetryOptions(ctx)...)
}

func (idx *Index) deleteFileInternal(ctx context.Context, fileID string) ([]string, error) {
	var freed []string
	err := idx.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*FileModel)(nil)).
			Where("id = ?", fileID).
			Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("file %s: %w", fileID, common.ErrNotFound)
		}

		oldBlocks, err := idx.blockList(ctx, tx, fileID)
		if err != nil {
			return err
		}
		delta := make(map[string]int64)
		for _, h := range oldBlocks {
			delta[h]--
		}

		if _, err := tx.NewDelete().
			Model((*FileBlockModel)(nil)).
			Where("file_id = ?", fileID).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*FileModel)(nil)).
			Where("id = ?", fileID).
			Exec(ctx); err != nil {
			return err
		}

		freed, err = applyRefDelta(ctx, tx, delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return freed, nil
}

// applyRefDelta applies a refcount multiset delta inside tx and returns
// the hashes whose refcount reached zero. Zero-ref rows are deleted so
// block_refs only ever holds live blocks.
func applyRefDelta(ctx context.Context, tx bun.Tx, delta map[string]int64) ([]string, error) {
	// Deterministic order keeps retries and tests stable.
	hashes := make([]string, 0, len(delta))
	for h := range delta {
		if delta[h] != 0 {
			hashes = append(hashes, h)
		}
	}
	sort.Strings(hashes)

	var freed []string
	for _, h := range hashes {
		d := delta[h]
		if d > 0 {
			_, err := tx.NewInsert().
				Model(&BlockRefModel{Hash: h, Refcount: d}).
				On("CONFLICT (hash) DO UPDATE").
				Set("refcount = refcount + EXCLUDED.refcount").
				Exec(ctx)
			if err != nil {
				return nil, err
			}
			continue
		}

		var ref BlockRefModel
		err := tx.NewSelect().
			Model(&ref).
			Where("hash = ?", h).
			Scan(ctx)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("refcount underflow: block %s has no reference row", h)
		}
		if err != nil {
			return nil, err
		}
		if ref.Refcount+d < 0 {
			return nil, fmt.Errorf("refcount underflow: block %s at %d, delta %d", h, ref.Refcount, d)
		}
		if ref.Refcount+d == 0 {
			if _, err := tx.NewDelete().
				Model((*BlockRefModel)(nil)).
				Where("hash = ?", h).
				Exec(ctx); err != nil {
				return nil, err
			}
			freed = append(freed, h)
			continue
		}
		if _, err := tx.NewUpdate().
			Model((*BlockRefModel)(nil)).
			Set("refcount = refcount + ?", d).
			Where("hash = ?", h).
			Exec(ctx); err != nil {
			return nil, err
		}
	}
	return freed, nil
}

// IncrementRef adds one reference to a block hash, creating the row if
// needed. Used when a block is shared across files without going
// through a block-list commit.
func (idx *Index) IncrementRef(ctx context.Context, hash string) (int64, error) {
	return idx.applyRefDeltaOne(ctx, hash, 1)
}

// DecrementRef releases one reference to a block hash and returns the
// new count. At zero the row is removed and the caller must delete the
// block from the block store (best effort, outside this transaction).
// Decrementing an unknown hash is a refcount underflow and errors.
func (idx *Index) DecrementRef(ctx context.Context, hash string) (int64, error) {
	return idx.applyRefDeltaOne(ctx, hash, -1)
}

func (idx *Index) applyRefDeltaOne(ctx context.Context, hash string, d int64) (int64, error) {
	return util.RetryWithResult(ctx,
		func() (int64, error) {
			var count int64
			err := idx.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
				freed, err := applyRefDelta(ctx, tx, map[string]int64{hash: d})
				if err != nil {
					return err
				}
				if len(freed) != 0 {
					// Row was deleted at zero, nothing left to read.
					count = 0
					return nil
				}
				var ref BlockRefModel
				if err := tx.NewSelect().Model(&ref).Where("hash = ?", hash).Scan(ctx); err != nil {
					return err
				}
				count = ref.Refcount
				return nil
			})
			return count, err
		},
		util.DatabaseRetryOptions(ctx)...)
}

// Refcount returns the reference count for a block hash, 0 if unknown.
func (idx *Index) Refcount(ctx context.Context, hash string) (int64, error) {
	var ref BlockRefModel
	err := idx.bun.NewSelect().
		Model(&ref).
		Where("hash = ?", hash).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ref.Refcount, nil
}

// LiveHashes returns the set of all referenced block hashes. The garbage
// collector diffs this against the block store's contents.
func (idx *Index) LiveHashes(ctx context.Context) (map[string]struct{}, error) {
	var hashes []string
	err := idx.bun.NewRaw(`SELECT hash FROM block_refs WHERE refcount > 0`).Scan(ctx, &hashes)
	if err != nil {
		return nil, err
	}
	live := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		live[h] = struct{}{}
	}
	return live, nil
}

// ListFiles returns all file IDs in the index.
func (idx *Index) ListFiles(ctx context.Context) ([]string, error) {
	var ids []string
	err := idx.bun.NewRaw(`SELECT id FROM files ORDER BY id`).Scan(ctx, &ids)
	return ids, err
}

// Stats summarizes the index contents.
func (idx *Index) Stats(ctx context.Context) (*Stats, error) {
	var s Stats

	err := idx.bun.NewRaw(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files`).
		Scan(ctx, &s.FileCount, &s.LogicalBytes)
	if err != nil {
		return nil, err
	}
	err = idx.bun.NewRaw(`SELECT COUNT(*), COALESCE(SUM(refcount), 0) FROM block_refs`).
		Scan(ctx, &s.BlockCount, &s.TotalRefs)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
