package fsops

import (
	"os"
	"time"
)

// fileInfo wraps a physical file's attributes, overriding the size for
// stubs so callers see the logical content length instead of the stub's.
type fileInfo struct {
	name string
	size int64
	mode os.FileMode
	mod  time.Time
	sys  interface{}
}

func newFileInfo(base os.FileInfo, name string, size int64) *fileInfo {
	return &fileInfo{
		name: name,
		size: size,
		mode: base.Mode(),
		mod:  base.ModTime(),
		sys:  base.Sys(),
	}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.mod }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *fileInfo) Sys() interface{}   { return fi.sys }
