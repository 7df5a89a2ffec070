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

// Package fsops serves a deduplicating view of a source directory as a
// billy filesystem. Directories, symlinks, and passthrough files live
// directly in the source tree; deduplicated files exist there only as
// stubs carrying a file ID, with content resolved through the engine.
package fsops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dedupfs/internal/cache"
	"dedupfs/internal/common"
	"dedupfs/internal/engine"
)

// Attribute cache tuning. One second matches the NFS client's own
// attribute cache granularity.
const (
	attrCacheTTL     = 1 * time.Second
	attrCacheMaxSize = 65536
)

// FS implements billy.Filesystem over a dedup store.
type FS struct {
	root   string // absolute path of the source directory
	eng    *engine.Engine
	filter *Filter
	attrs  *cache.AttrCache
}

var (
	_ billy.Filesystem = (*FS)(nil)
	_ billy.Change     = (*FS)(nil)
)

// New builds an FS serving root through the given engine. filter may be
// nil when no passthrough patterns are configured.
func New(root string, eng *engine.Engine, filter *Filter) *FS {
	return &FS{
		root:   root,
		eng:    eng,
		filter: filter,
		attrs:  cache.NewAttrCache(attrCacheTTL, attrCacheMaxSize),
	}
}

// resolve normalizes a served path and maps it onto the source tree.
// The metadata directory is unreachable through the served filesystem.
func (fs *FS) resolve(name string) (rel, abs string, err error) {
	rel = common.NormalizePath(name)
	if rel == common.MetaDirName || strings.HasPrefix(rel, common.MetaDirName+"/") {
		return "", "", &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return rel, filepath.Join(fs.root, filepath.FromSlash(rel)), nil
}

func (fs *FS) invalidate(name string) {
	rel := common.NormalizePath(name)
	fs.attrs.InvalidatePathAndParent(rel, common.ParentPath(rel))
}

// Create opens a file for writing, truncating it if it exists.
func (fs *FS) Create(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// Open opens a file read-only.
func (fs *FS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile opens a file with the given flags. New files under
// deduplication are created as stubs; files matching the passthrough
// filter stay plain. A plain pre-existing file opened for writing is
// absorbed into the store first.
func (fs *FS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	rel, abs, err := fs.resolve(filename)
	if err != nil {
		return nil, err
	}

	info, statErr := os.Lstat(abs)
	switch {
	case statErr == nil:
		return fs.openExisting(rel, abs, info, flag)
	case os.IsNotExist(statErr):
		if flag&os.O_CREATE == 0 {
			return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrNotExist}
		}
		return fs.createNew(rel, abs, flag, perm)
	default:
		return nil, statErr
	}
}

func (fs *FS) createNew(rel, abs string, flag int, perm os.FileMode) (billy.File, error) {
	if fs.filter.Passthrough(rel, false) {
		f, err := os.OpenFile(abs, flag, perm)
		if err != nil {
			return nil, err
		}
		fs.invalidate(rel)
		return &passthroughFile{File: f, name: rel}, nil
	}

	id := NewFileID()
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if os.IsExist(err) {
			// Lost a create race. An exclusive caller gets the conflict;
			// everyone else reopens whatever won.
			if flag&os.O_EXCL != 0 {
				return nil, &os.PathError{Op: "open", Path: rel, Err: os.ErrExist}
			}
			info, statErr := os.Lstat(abs)
			if statErr != nil {
				return nil, statErr
			}
			return fs.openExisting(rel, abs, info, flag)
		}
		return nil, err
	}
	if _, err := f.Write(stubPayload(id)); err != nil {
		f.Close()
		os.Remove(abs)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(abs)
		return nil, err
	}

	fs.invalidate(rel)
	log.WithFields(log.Fields{"path": rel, "file": id}).Debug("created stub")
	return &dedupFile{fs: fs, eng: fs.eng, id: id, name: rel, flag: flag}, nil
}

func (fs *FS) openExisting(rel, abs string, info os.FileInfo, flag int) (billy.File, error) {
	if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
		return nil, &os.PathError{Op: "open", Path: rel, Err: os.ErrExist}
	}
	if info.IsDir() {
		return nil, &os.PathError{Op: "open", Path: rel, Err: errors.New("is a directory")}
	}

	id, err := readStub(abs, info)
	if err != nil {
		return nil, err
	}
	if id != "" {
		if flag&os.O_TRUNC != 0 {
			if err := fs.eng.Truncate(context.Background(), id, 0); err != nil {
				return nil, err
			}
			fs.invalidate(rel)
		}
		return &dedupFile{fs: fs, eng: fs.eng, id: id, name: rel, flag: flag}, nil
	}

	// Plain file: passthrough if filtered, otherwise absorb it into the
	// store when the caller wants to write.
	writing := flag&(os.O_WRONLY|os.O_RDWR|os.O_TRUNC|os.O_APPEND) != 0
	if fs.filter.Passthrough(rel, false) || !writing {
		f, err := os.OpenFile(abs, flag, info.Mode().Perm())
		if err != nil {
			return nil, err
		}
		return &passthroughFile{File: f, name: rel}, nil
	}

	id, err = fs.importFile(rel, abs, info, flag&os.O_TRUNC != 0)
	if err != nil {
		return nil, err
	}
	return &dedupFile{fs: fs, eng: fs.eng, id: id, name: rel, flag: flag}, nil
}

// importFile absorbs a plain file into the store: content moves to the
// engine under a fresh ID and the physical file becomes a stub. The stub
// replaces the original atomically via rename.
func (fs *FS) importFile(rel, abs string, info os.FileInfo, truncate bool) (string, error) {
	id := NewFileID()

	if !truncate {
		data, err := os.ReadFile(abs)
		if err != nil {
			return "", err
		}
		if err := fs.eng.ImportData(context.Background(), id, data); err != nil {
			return "", err
		}
	}

	tmp := abs + ".dfs-import-" + uuid.NewString()[:8]
	if err := os.WriteFile(tmp, stubPayload(id), info.Mode().Perm()); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return "", err
	}

	fs.invalidate(rel)
	log.WithFields(log.Fields{"path": rel, "file": id, "bytes": info.Size()}).Info("imported plain file into store")
	return id, nil
}

// Stat returns attributes for a path, reporting logical sizes for stubs.
func (fs *FS) Stat(filename string) (os.FileInfo, error) {
	rel, abs, err := fs.resolve(filename)
	if err != nil {
		return nil, err
	}
	if cached := fs.attrs.Get(rel); cached != nil {
		return cached, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	fi, err := fs.logicalInfo(rel, abs, info)
	if err != nil {
		return nil, err
	}
	fs.attrs.Set(rel, fi)
	return fi, nil
}

// Lstat is like Stat but does not follow symlinks.
func (fs *FS) Lstat(filename string) (os.FileInfo, error) {
	rel, abs, err := fs.resolve(filename)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return info, nil
	}
	return fs.logicalInfo(rel, abs, info)
}

// logicalInfo swaps a stub's physical size for its content size.
func (fs *FS) logicalInfo(rel, abs string, info os.FileInfo) (os.FileInfo, error) {
	base := path.Base("/" + rel)
	if base == "/" {
		base = string(filepath.Separator)
	}
	if !info.Mode().IsRegular() {
		return newFileInfo(info, base, info.Size()), nil
	}

	id, err := readStub(abs, info)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return newFileInfo(info, base, info.Size()), nil
	}
	size, err := fs.eng.Size(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return newFileInfo(info, base, size), nil
}

// Rename moves a file or directory. Stub identity travels with the
// physical file, so content follows for free. Renaming over an existing
// stub releases the replaced content's blocks first.
func (fs *FS) Rename(oldpath, newpath string) error {
	oldRel, oldAbs, err := fs.resolve(oldpath)
	if err != nil {
		return err
	}
	newRel, newAbs, err := fs.resolve(newpath)
	if err != nil {
		return err
	}
	if oldRel == newRel {
		return nil
	}

	// Note the replaced stub before the rename, release it only after
	// the rename succeeds. A failed release leaks reclaimable blocks; a
	// release before a failed rename would lose the survivor's content.
	var replacedID string
	if info, err := os.Lstat(newAbs); err == nil && info.Mode().IsRegular() {
		replacedID, err = readStub(newAbs, info)
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return err
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return err
	}

	if replacedID != "" {
		if err := fs.eng.Remove(context.Background(), replacedID); err != nil && !errors.Is(err, common.ErrNotFound) {
			log.WithFields(log.Fields{"path": newRel, "file": replacedID}).WithError(err).Warn("failed to release replaced content")
		}
	}
	fs.attrs.InvalidateRename(oldRel, newRel, common.ParentPath(oldRel), common.ParentPath(newRel))
	fs.attrs.InvalidatePrefix(oldRel)
	return nil
}

// Remove deletes a file, directory, or symlink. Stub content is released
// from the store; empty-directory and missing-path errors surface as-is.
func (fs *FS) Remove(filename string) error {
	rel, abs, err := fs.resolve(filename)
	if err != nil {
		return err
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return err
	}
	var id string
	if info.Mode().IsRegular() {
		if id, err = readStub(abs, info); err != nil {
			return err
		}
	}

	// Physical removal first: if it fails the file must keep reading
	// back its content, so its blocks stay referenced.
	if err := os.Remove(abs); err != nil {
		return err
	}
	if id != "" {
		if err := fs.eng.Remove(context.Background(), id); err != nil && !errors.Is(err, common.ErrNotFound) {
			log.WithFields(log.Fields{"path": rel, "file": id}).WithError(err).Warn("failed to release removed content")
		}
	}
	fs.invalidate(rel)
	return nil
}

func (fs *FS) Join(elem ...string) string {
	return path.Join(elem...)
}

// TempFile creates an uniquely named file under dir, deduplicated like
// any other create.
func (fs *FS) TempFile(dir, prefix string) (billy.File, error) {
	for i := 0; i < 1000; i++ {
		name := fs.Join(dir, fmt.Sprintf("%s%s", prefix, uuid.NewString()[:8]))
		f, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, err
	}
	return nil, &os.PathError{Op: "tempfile", Path: dir, Err: os.ErrExist}
}

// ReadDir lists a directory with logical sizes. The metadata directory
// never appears.
func (fs *FS) ReadDir(dirname string) ([]os.FileInfo, error) {
	rel, abs, err := fs.resolve(dirname)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	var result []os.FileInfo
	for _, entry := range entries {
		if rel == "" && entry.Name() == common.MetaDirName {
			continue
		}
		childRel := path.Join(rel, entry.Name())
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			result = append(result, info)
			continue
		}
		fi, err := fs.logicalInfo(childRel, filepath.Join(abs, entry.Name()), info)
		if err != nil {
			return nil, err
		}
		result = append(result, fi)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result, nil
}

func (fs *FS) MkdirAll(filename string, perm os.FileMode) error {
	rel, abs, err := fs.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, perm); err != nil {
		return err
	}
	fs.invalidate(rel)
	return nil
}

func (fs *FS) Symlink(target, link string) error {
	rel, abs, err := fs.resolve(link)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, abs); err != nil {
		return err
	}
	fs.invalidate(rel)
	return nil
}

func (fs *FS) Readlink(link string) (string, error) {
	_, abs, err := fs.resolve(link)
	if err != nil {
		return "", err
	}
	return os.Readlink(abs)
}

func (fs *FS) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (fs *FS) Root() string {
	return "/"
}

// billy.Change interface. Permissions and times apply to the physical
// entry; ownership changes are accepted and ignored like the NFS null
// auth model expects.
func (fs *FS) Chmod(name string, mode os.FileMode) error {
	rel, abs, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Chmod(abs, mode); err != nil {
		return err
	}
	fs.invalidate(rel)
	return nil
}

func (fs *FS) Chtimes(name string, atime, mtime time.Time) error {
	rel, abs, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Chtimes(abs, atime, mtime); err != nil {
		return err
	}
	fs.invalidate(rel)
	return nil
}

func (fs *FS) Lchown(name string, uid, gid int) error { return nil }
func (fs *FS) Chown(name string, uid, gid int) error  { return nil }

func (fs *FS) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}
