package cache

import (
	"os"
	"strings"
	"sync"
	"time"
)

// AttrCache caches file/directory attributes with TTL-based expiration.
// Supports fine-grained invalidation by path.
//
// Thread-safe: uses RWMutex for concurrent access.
type AttrCache struct {
	mu      sync.RWMutex
	entries map[string]*attrEntry
	ttl     time.Duration
	maxSize int
}

type attrEntry struct {
	info    os.FileInfo
	expires time.Time
}

// NewAttrCache creates a new attribute cache.
// ttl: time-to-live for cached entries (use 0 for no expiration)
// maxSize: maximum number of entries (use 0 for unlimited)
func NewAttrCache(ttl time.Duration, maxSize int) *AttrCache {
	return &AttrCache{
		entries: make(map[string]*attrEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get retrieves cached attributes for a path.
// Returns nil if not found, expired, or caching is disabled (DEDUPFS_CACHE=0).
func (c *AttrCache) Get(path string) os.FileInfo {
	if Disabled {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	if !ok {
		return nil
	}
	if c.ttl > 0 && time.Now().After(entry.expires) {
		return nil
	}
	return entry.info
}

// Set stores attributes for a path.
// No-op if caching is disabled (DEDUPFS_CACHE=0).
func (c *AttrCache) Set(path string, info os.FileInfo) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Don't add new entries when at capacity. A more sophisticated
	// implementation could use LRU eviction.
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[path]; !exists {
			return
		}
	}

	expires := time.Time{}
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.entries[path] = &attrEntry{info: info, expires: expires}
}

// Invalidate clears all entries from the cache.
func (c *AttrCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*attrEntry, 256)
	}
}

// InvalidatePath removes a specific path from the cache.
func (c *AttrCache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
}

// InvalidatePrefix removes all paths with the given prefix.
// Useful for invalidating all entries under a directory.
func (c *AttrCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for path := range c.entries {
		if strings.HasPrefix(path, prefix) {
			delete(c.entries, path)
		}
	}
}

// InvalidatePathAndParent invalidates a path and its parent directory.
// Used for create, remove, mkdir, symlink operations.
func (c *AttrCache) InvalidatePathAndParent(path, parentPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
	delete(c.entries, parentPath)
}

// InvalidateRename invalidates paths affected by a rename operation.
// Affects: oldPath, newPath, oldParent, newParent
func (c *AttrCache) InvalidateRename(oldPath, newPath, oldParent, newParent string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, oldPath)
	delete(c.entries, newPath)
	delete(c.entries, oldParent)
	delete(c.entries, newParent)
}

// Size returns the current number of entries in the cache.
func (c *AttrCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
