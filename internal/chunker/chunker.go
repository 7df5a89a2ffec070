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

// Package chunker maps byte ranges onto fixed-size block coordinates.
// It is pure math: no I/O, no state beyond the configured block size.
package chunker

import (
	"fmt"

	"dedupfs/internal/common"
)

// DefaultBlockSize is the block size used when a store is initialized
// without an explicit value.
const DefaultBlockSize = 4096

// Span describes the part of one block touched by a byte range.
type Span struct {
	Index      int64 // 0-based block position within the file
	BlockStart int64 // byte offset of the block's first byte in the file
	Off        int   // offset of the touched sub-range within the block
	Len        int   // length of the touched sub-range
}

// Chunker splits byte ranges into block-aligned spans for a fixed block size.
type Chunker struct {
	blockSize int64
}

// New returns a Chunker for the given block size.
func New(blockSize int64) (*Chunker, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d: %w", blockSize, common.ErrInvalidRange)
	}
	return &Chunker{blockSize: blockSize}, nil
}

// BlockSize returns the configured block size.
func (c *Chunker) BlockSize() int64 {
	return c.blockSize
}

// SplitRange returns the ordered spans covering [offset, offset+length).
// A zero-length range yields no spans. Negative offset or length is a
// caller bug and returns common.ErrInvalidRange.
func (c *Chunker) SplitRange(offset, length int64) ([]Span, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("range offset=%d length=%d: %w", offset, length, common.ErrInvalidRange)
	}
	if length == 0 {
		return nil, nil
	}

	first := offset / c.blockSize
	last := (offset + length - 1) / c.blockSize

	spans := make([]Span, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		blockStart := idx * c.blockSize

		intraOff := int64(0)
		if offset > blockStart {
			intraOff = offset - blockStart
		}
		intraEnd := c.blockSize
		if offset+length < blockStart+c.blockSize {
			intraEnd = offset + length - blockStart
		}

		spans = append(spans, Span{
			Index:      idx,
			BlockStart: blockStart,
			Off:        int(intraOff),
			Len:        int(intraEnd - intraOff),
		})
	}
	return spans, nil
}

// BlockCount returns the number of blocks a file of the given size occupies.
// Size 0 occupies 0 blocks.
func (c *Chunker) BlockCount(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + c.blockSize - 1) / c.blockSize
}
