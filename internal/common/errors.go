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

package common

import "errors"

var (
	// ErrInvalidRange marks a caller bug: negative offset or length.
	ErrInvalidRange = errors.New("invalid byte range")

	// ErrBlockNotFound means the block store is missing content the index
	// claims exists. This is a consistency error, never a routine miss.
	ErrBlockNotFound = errors.New("block not found")

	// ErrStaleGeneration signals a lost compare-and-swap race on a file's
	// block list. Recoverable: re-read and retry.
	ErrStaleGeneration = errors.New("stale generation")

	// ErrWriteConflict is surfaced when the stale-generation retry budget
	// is exhausted.
	ErrWriteConflict = errors.New("write conflict")

	// ErrBlockSizeMismatch means the store was initialized with a different
	// block size than the one requested. Fatal at mount time.
	ErrBlockSizeMismatch = errors.New("block size mismatch")

	// ErrNotFound is the generic missing-entity error for index lookups.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed is returned by block store operations after Close.
	ErrStoreClosed = errors.New("store closed")
)
