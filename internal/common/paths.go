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

import (
	"path/filepath"
	"strings"
)

// MetaDirName is the directory inside a store that holds the metadata
// database, blocks, config, and lock file. It is hidden from the served
// filesystem.
const MetaDirName = ".dedupfs"

// NormalizePath cleans a mount-relative path into the canonical form used
// throughout the operation layer: forward slashes, no leading or trailing
// slash, "" for the root. ".." components that would escape the root are
// dropped by the Clean step.
func NormalizePath(path string) string {
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = filepath.Clean(path)
	path = strings.TrimPrefix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// SplitPath splits a normalized path into its components. Root splits to nil.
func SplitPath(path string) []string {
	path = NormalizePath(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ParentPath returns the parent of a normalized path ("" for root children).
func ParentPath(path string) string {
	path = NormalizePath(path)
	if path == "" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the final component of a path.
func BaseName(path string) string {
	path = NormalizePath(path)
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
