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

package fsops

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// A stub is the physical placeholder for a deduplicated file: the file
// in the source tree holds only "dfs1:<uuid>" while the content lives in
// the block store under that file ID. Keeping identity in the physical
// file makes rename and hard metadata operations plain passthrough.
const stubPrefix = "dfs1:"

// stubLen is the exact byte length of a stub payload: prefix plus a
// canonical 36-character UUID.
const stubLen = len(stubPrefix) + 36

// NewFileID returns a fresh file ID for a stub.
func NewFileID() string {
	return uuid.NewString()
}

// stubPayload renders the physical content for a file ID.
func stubPayload(fileID string) []byte {
	return []byte(stubPrefix + fileID)
}

// parseStub extracts the file ID from a stub payload. Returns "" if the
// payload is not a stub.
func parseStub(data []byte) string {
	if len(data) != stubLen || !strings.HasPrefix(string(data), stubPrefix) {
		return ""
	}
	id := string(data[len(stubPrefix):])
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}

// readStub reads path and returns the file ID if it holds a stub.
// Regular files of other sizes are rejected without reading them when
// info is available.
func readStub(path string, info os.FileInfo) (string, error) {
	if info != nil {
		if !info.Mode().IsRegular() || info.Size() != int64(stubLen) {
			return "", nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return parseStub(data), nil
}
