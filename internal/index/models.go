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

package index

import (
	"github.com/uptrace/bun"
)

// Bun ORM models for the dedupfs metadata database tables.

// FileModel represents the files table. A row tracks one logical file's
// size and its generation counter for optimistic concurrency.
type FileModel struct {
	bun.BaseModel `bun:"table:files"`

	ID         string `bun:"id,pk"`
	Size       int64  `bun:"size,notnull"`
	Generation int64  `bun:"generation,notnull"`
	CreatedAt  int64  `bun:"created_at,notnull"` // Unix timestamp
	UpdatedAt  int64  `bun:"updated_at,notnull"` // Unix timestamp
}

// FileBlockModel represents the file_blocks table: the ordered block list
// of one file. idx is the 0-based block position.
type FileBlockModel struct {
	bun.BaseModel `bun:"table:file_blocks"`

	FileID string `bun:"file_id,pk"`
	Idx    int64  `bun:"idx,pk"`
	Hash   string `bun:"hash,notnull"`
}

// BlockRefModel represents the block_refs table: how many file-block slots
// reference each stored block.
type BlockRefModel struct {
	bun.BaseModel `bun:"table:block_refs"`

	Hash     string `bun:"hash,pk"`
	Refcount int64  `bun:"refcount,notnull"`
}

// ConfigModel represents the config table.
type ConfigModel struct {
	bun.BaseModel `bun:"table:config"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// FileState is a file's committed metadata as seen by one reader:
// the ordered block hashes, the size, and the generation the snapshot
// was taken at. Writers pass the generation back to CommitBlockList.
type FileState struct {
	ID         string
	Size       int64
	Generation int64
	Blocks     []string
}

// Stats summarizes the index for the info command.
type Stats struct {
	FileCount    int64
	BlockCount   int64
	LogicalBytes int64
	TotalRefs    int64
}
