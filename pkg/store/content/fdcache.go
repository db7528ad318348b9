package content

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"sync"
)

// DefaultFDCacheSize is the number of segment files kept open for reading.
const DefaultFDCacheSize = 256

// FDCache provides an LRU cache for read-only segment file descriptors.
//
// Entries are reference counted: a descriptor handed out by Acquire stays
// open until its release function runs, even if the entry is evicted or
// removed in the meantime. Reads must go through ReadAt (io.SectionReader)
// since handles are shared between readers.
type FDCache struct {
	maxSize int
	mu      sync.Mutex
	cache   map[string]*list.Element
	lru     *list.List
}

type cacheEntry struct {
	path string
	file *os.File
	refs int

	// detached entries are no longer in the cache and close on last release
	detached bool
}

// NewFDCache creates a cache holding at most maxSize idle descriptors.
func NewFDCache(maxSize int) *FDCache {
	if maxSize < 1 {
		maxSize = DefaultFDCacheSize
	}
	return &FDCache{
		maxSize: maxSize,
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Acquire returns an open descriptor for path and a function releasing it.
// The release function must be called exactly once.
func (c *FDCache) Acquire(path string) (*os.File, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[path]; exists {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.refs++
		return entry.file, c.releaser(entry), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, path)
		}
		return nil, nil, fmt.Errorf("open segment %s: %w", path, err)
	}

	entry := &cacheEntry{path: path, file: f, refs: 1}
	c.cache[path] = c.lru.PushFront(entry)
	c.evictLocked()

	return f, c.releaser(entry), nil
}

func (c *FDCache) releaser(entry *cacheEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			entry.refs--
			if entry.detached && entry.refs == 0 {
				_ = entry.file.Close()
			}
			if !entry.detached {
				c.evictLocked()
			}
		})
	}
}

// evictLocked drops least recently used entries while over capacity.
// Entries still in use are detached and close on their last release.
func (c *FDCache) evictLocked() {
	for c.lru.Len() > c.maxSize {
		elem := c.lru.Back()
		if elem == nil {
			return
		}
		c.detachLocked(elem)
	}
}

func (c *FDCache) detachLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.cache, entry.path)
	entry.detached = true
	if entry.refs == 0 {
		_ = entry.file.Close()
	}
}

// Remove drops path from the cache. A descriptor in use stays open until
// released.
func (c *FDCache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[path]; exists {
		c.detachLocked(elem)
	}
}

// Close drops every entry. Descriptors in use close on release.
func (c *FDCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.lru.Len() > 0 {
		c.detachLocked(c.lru.Back())
	}
}

// Stats returns the number of cached descriptors and the capacity.
func (c *FDCache) Stats() (size int, maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.maxSize
}
