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

// Package engine ties the chunker, block store, and metadata index into
// file-level read/write operations. Writes never mutate stored blocks:
// every modified block is written as new content, then the file's block
// list is swapped in one generation-checked commit. Losing a commit race
// means re-reading and redoing the write against the fresh block list.
package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"dedupfs/internal/blockstore"
	"dedupfs/internal/chunker"
	"dedupfs/internal/common"
	"dedupfs/internal/index"
	"dedupfs/internal/util"
)

// metaIndex is the slice of the metadata index the engine depends on.
type metaIndex interface {
	BlockSize() int64
	FileState(ctx context.Context, fileID string) (*index.FileState, error)
	CommitBlockList(ctx context.Context, fileID string, expectGen int64, blocks []string, size int64) ([]string, error)
	DeleteFile(ctx context.Context, fileID string) ([]string, error)
}

// Engine performs deduplicated file I/O against one store.
type Engine struct {
	chunker *chunker.Chunker
	store   *blockstore.Store
	idx     metaIndex
}

// New builds an Engine over an open block store and index. The block
// size comes from the index; it was fixed when the store was created.
func New(store *blockstore.Store, idx *index.Index) (*Engine, error) {
	c, err := chunker.New(idx.BlockSize())
	if err != nil {
		return nil, err
	}
	return &Engine{chunker: c, store: store, idx: idx}, nil
}

// BlockSize returns the store's block size.
func (e *Engine) BlockSize() int64 {
	return e.chunker.BlockSize()
}

// Store exposes the underlying block store.
func (e *Engine) Store() *blockstore.Store {
	return e.store
}

// Size returns a file's committed size. Unknown files report size 0;
// a file nobody has written yet is indistinguishable from an empty one.
func (e *Engine) Size(ctx context.Context, fileID string) (int64, error) {
	state, err := e.idx.FileState(ctx, fileID)
	if errors.Is(err, common.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return state.Size, nil
}

// Read returns up to length bytes of the file starting at offset. Reads
// past EOF return the available prefix; at or beyond EOF, an empty slice.
func (e *Engine) Read(ctx context.Context, fileID string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("read offset=%d length=%d: %w", offset, length, common.ErrInvalidRange)
	}

	state, err := e.idx.FileState(ctx, fileID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if offset >= state.Size {
		return nil, nil
	}
	if offset+length > state.Size {
		length = state.Size - offset
	}

	spans, err := e.chunker.SplitRange(offset, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for _, span := range spans {
		if span.Index >= int64(len(state.Blocks)) {
			return nil, fmt.Errorf("file %s: size %d but only %d blocks indexed", fileID, state.Size, len(state.Blocks))
		}
		data, err := e.getBlock(state.Blocks[span.Index])
		if err != nil {
			return nil, err
		}
		out = append(out, slice(data, span.Off, span.Len)...)
	}
	return out, nil
}

// Write stores data at offset, extending the file if needed. Gaps
// between the old end and the write offset read back as zeros. The
// commit retries on generation races; if another writer keeps winning,
// common.ErrWriteConflict is returned.
func (e *Engine) Write(ctx context.Context, fileID string, offset int64, data []byte) error {
	if offset < 0 {
		return fmt.Errorf("write offset=%d: %w", offset, common.ErrInvalidRange)
	}
	if len(data) == 0 {
		return nil
	}

	err := util.Retry(ctx,
		func() error {
			return e.writeOnce(ctx, fileID, offset, data)
		},
		util.StaleRetryOptions(ctx)...)
	return mapConflict(err, fileID)
}

func (e *Engine) writeOnce(ctx context.Context, fileID string, offset int64, data []byte) error {
	size, gen, blocks, err := e.snapshot(ctx, fileID)
	if err != nil {
		return err
	}

	newSize := size
	if end := offset + int64(len(data)); end > newSize {
		newSize = end
	}

	newBlocks, err := e.extendBlockList(blocks, size, newSize)
	if err != nil {
		return err
	}

	spans, err := e.chunker.SplitRange(offset, int64(len(data)))
	if err != nil {
		return err
	}

	var consumed int64
	for _, span := range spans {
		blockLen := e.blockLen(span.BlockStart, newSize)

		var buf []byte
		if span.Off == 0 && span.Len == blockLen {
			// Full block overwrite, no read-modify needed.
			buf = data[consumed : consumed+int64(span.Len)]
		} else {
			buf = make([]byte, blockLen)
			if span.Index < int64(len(blocks)) {
				old, err := e.getBlock(blocks[span.Index])
				if err != nil {
					return err
				}
				copy(buf, old)
			}
			copy(buf[span.Off:], data[consumed:consumed+int64(span.Len)])
		}
		consumed += int64(span.Len)

		h, err := e.store.Put(buf)
		if err != nil {
			return err
		}
		newBlocks[span.Index] = h.String()
	}

	freed, err := e.idx.CommitBlockList(ctx, fileID, gen, newBlocks, newSize)
	if err != nil {
		return err
	}
	e.reclaim(freed)
	return nil
}

// Truncate sets the file's size. Shrinking releases trailing blocks and
// trims the new last block; growing zero-fills. Like Write, the commit
// retries on generation races.
func (e *Engine) Truncate(ctx context.Context, fileID string, newSize int64) error {
	if newSize < 0 {
		return fmt.Errorf("truncate to %d: %w", newSize, common.ErrInvalidRange)
	}

	err := util.Retry(ctx,
		func() error {
			return e.truncateOnce(ctx, fileID, newSize)
		},
		util.StaleRetryOptions(ctx)...)
	return mapConflict(err, fileID)
}

func (e *Engine) truncateOnce(ctx context.Context, fileID string, newSize int64) error {
	size, gen, blocks, err := e.snapshot(ctx, fileID)
	if err != nil {
		return err
	}
	if newSize == size && gen > 0 {
		return nil
	}

	var newBlocks []string
	if newSize > size {
		newBlocks, err = e.extendBlockList(blocks, size, newSize)
		if err != nil {
			return err
		}
	} else {
		keep := e.chunker.BlockCount(newSize)
		newBlocks = append([]string(nil), blocks[:keep]...)

		// Trim the new last block if the cut lands inside it.
		if rem := newSize % e.chunker.BlockSize(); rem != 0 {
			last := keep - 1
			data, err := e.getBlock(newBlocks[last])
			if err != nil {
				return err
			}
			h, err := e.store.Put(slice(data, 0, int(rem)))
			if err != nil {
				return err
			}
			newBlocks[last] = h.String()
		}
	}

	freed, err := e.idx.CommitBlockList(ctx, fileID, gen, newBlocks, newSize)
	if err != nil {
		return err
	}
	e.reclaim(freed)
	return nil
}

// Remove deletes the file's metadata and reclaims any blocks it was the
// last referrer of. Removing an unknown file returns common.ErrNotFound.
func (e *Engine) Remove(ctx context.Context, fileID string) error {
	freed, err := e.idx.DeleteFile(ctx, fileID)
	if err != nil {
		return err
	}
	e.reclaim(freed)
	return nil
}

// ImportData replaces the whole file content with data in one commit.
// Used when absorbing a pre-existing plain file into the store.
func (e *Engine) ImportData(ctx context.Context, fileID string, data []byte) error {
	err := util.Retry(ctx,
		func() error {
			_, gen, _, err := e.snapshot(ctx, fileID)
			if err != nil {
				return err
			}

			newBlocks := make([]string, 0, e.chunker.BlockCount(int64(len(data))))
			for start := 0; start < len(data); start += int(e.chunker.BlockSize()) {
				end := start + int(e.chunker.BlockSize())
				if end > len(data) {
					end = len(data)
				}
				h, err := e.store.Put(data[start:end])
				if err != nil {
					return err
				}
				newBlocks = append(newBlocks, h.String())
			}

			freed, err := e.idx.CommitBlockList(ctx, fileID, gen, newBlocks, int64(len(data)))
			if err != nil {
				return err
			}
			e.reclaim(freed)
			return nil
		},
		util.StaleRetryOptions(ctx)...)
	return mapConflict(err, fileID)
}

// snapshot reads the file's committed state, treating an unknown file as
// empty at generation 0 so first writes create it.
func (e *Engine) snapshot(ctx context.Context, fileID string) (size, gen int64, blocks []string, err error) {
	state, err := e.idx.FileState(ctx, fileID)
	if errors.Is(err, common.ErrNotFound) {
		return 0, 0, nil, nil
	}
	if err != nil {
		return 0, 0, nil, err
	}
	return state.Size, state.Generation, state.Blocks, nil
}

// extendBlockList pads a block list out to cover newSize. The old last
// block is zero-padded if the old size ends inside it; wholly new tail
// blocks are zero blocks. Identical zero blocks dedupe to one stored
// block per length, so sparse extension is cheap.
func (e *Engine) extendBlockList(blocks []string, oldSize, newSize int64) ([]string, error) {
	bs := e.chunker.BlockSize()
	want := e.chunker.BlockCount(newSize)
	out := append([]string(nil), blocks...)

	if rem := oldSize % bs; rem != 0 && newSize > oldSize {
		last := int64(len(out) - 1)
		target := e.blockLen(last*bs, newSize)
		if target > int(rem) {
			data, err := e.getBlock(out[last])
			if err != nil {
				return nil, err
			}
			buf := make([]byte, target)
			copy(buf, data)
			h, err := e.store.Put(buf)
			if err != nil {
				return nil, err
			}
			out[last] = h.String()
		}
	}

	for int64(len(out)) < want {
		blockStart := int64(len(out)) * bs
		h, err := e.store.Put(make([]byte, e.blockLen(blockStart, newSize)))
		if err != nil {
			return nil, err
		}
		out = append(out, h.String())
	}
	return out, nil
}

// blockLen returns the stored length of the block starting at blockStart
// for a file of the given size. Only the final block may be short.
func (e *Engine) blockLen(blockStart, size int64) int {
	bs := e.chunker.BlockSize()
	if size-blockStart < bs {
		return int(size - blockStart)
	}
	return int(bs)
}

func (e *Engine) getBlock(hash string) ([]byte, error) {
	h, err := blockstore.ParseHash(hash)
	if err != nil {
		return nil, err
	}
	return e.store.Get(h)
}

// reclaim deletes blocks whose refcount hit zero. Best effort: a failed
// delete leaves an orphan for the gc command, never an inconsistency.
func (e *Engine) reclaim(freed []string) {
	for _, hash := range freed {
		h, err := blockstore.ParseHash(hash)
		if err != nil {
			log.WithField("hash", hash).WithError(err).Warn("unparseable freed hash")
			continue
		}
		if err := e.store.Delete(h); err != nil {
			log.WithField("hash", hash).WithError(err).Warn("failed to reclaim block")
		}
	}
}

// mapConflict turns retry exhaustion on generation races into the
// caller-facing conflict error.
func mapConflict(err error, fileID string) error {
	if util.IsStaleGeneration(err) {
		return fmt.Errorf("file %s: retries exhausted: %w", fileID, common.ErrWriteConflict)
	}
	return err
}

// slice returns data[off:off+n], zero-padded if data is too short.
// Stored blocks are always long enough in a consistent store; padding
// keeps a torn index from turning into a panic.
func slice(data []byte, off, n int) []byte {
	out := make([]byte, n)
	if off < len(data) {
		copy(out, data[off:])
	}
	return out
}
