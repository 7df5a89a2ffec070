package fsops

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// Filter decides which paths are served passthrough: matched files stay
// plain in the source tree and never enter the block store. Patterns use
// gitignore syntax.
type Filter struct {
	patterns *ignore.GitIgnore
	raw      []string
}

// NewFilter compiles gitignore-style passthrough patterns.
func NewFilter(patterns []string) *Filter {
	f := &Filter{raw: patterns}
	if len(patterns) > 0 {
		f.patterns = ignore.CompileIgnoreLines(patterns...)
	}
	return f
}

// Passthrough reports whether relPath (slash-separated, relative to the
// store root) should bypass deduplication.
func (f *Filter) Passthrough(relPath string, isDir bool) bool {
	if f == nil || f.patterns == nil {
		return false
	}
	checkPath := relPath
	if isDir && !strings.HasSuffix(checkPath, "/") {
		checkPath = relPath + "/"
	}
	return f.patterns.MatchesPath(checkPath)
}

// Patterns returns the raw pattern list, for the info command.
func (f *Filter) Patterns() []string {
	if f == nil {
		return nil
	}
	return f.raw
}
