package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/marmos91/auvault/pkg/store/metadata"
)

type versionKey struct {
	file metadata.NodeID
	id   metadata.VersionID
}

type blobKey struct {
	node metadata.NodeID
	name string
}

// MemoryMetadataStore implements metadata.Store using in-memory maps.
//
// It is suitable for:
//   - Testing and development environments
//   - Ephemeral shards where persistence is not required
//
// Thread Safety:
// View transactions share a read lock; Update transactions hold the write
// lock for their whole duration, so updates are fully serialized. Writes
// made inside an Update are staged and applied only when the callback
// returns nil.
//
// Storage Model:
//
//  1. Nodes (nodes): NodeID → NodeRecord
//  2. Child index (children): parent NodeID → safe name → child NodeID
//  3. AU roots (roots): AU id → root NodeID
//  4. Versions (versions): (file, version) → VersionRecord
//  5. Blobs (blobs): (node, name) → bytes
type MemoryMetadataStore struct {
	mu       sync.RWMutex
	closed   bool
	nodes    map[metadata.NodeID]*metadata.NodeRecord
	children map[metadata.NodeID]map[string]metadata.NodeID
	roots    map[string]metadata.NodeID
	versions map[versionKey]*metadata.VersionRecord
	blobs    map[blobKey][]byte
}

// NewMemoryMetadataStore creates an empty in-memory store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		nodes:    make(map[metadata.NodeID]*metadata.NodeRecord),
		children: make(map[metadata.NodeID]map[string]metadata.NodeID),
		roots:    make(map[string]metadata.NodeID),
		versions: make(map[versionKey]*metadata.VersionRecord),
		blobs:    make(map[blobKey][]byte),
	}
}

// View implements metadata.Store.
func (s *MemoryMetadataStore) View(ctx context.Context, fn func(tx metadata.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return metadata.ErrClosed
	}

	return fn(&memTxn{store: s, readOnly: true})
}

// Update implements metadata.Store.
func (s *MemoryMetadataStore) Update(ctx context.Context, fn func(tx metadata.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return metadata.ErrClosed
	}

	tx := newWriteTxn(s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

// Close releases the maps. Subsequent calls fail with metadata.ErrClosed.
func (s *MemoryMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.nodes = nil
	s.children = nil
	s.roots = nil
	s.versions = nil
	s.blobs = nil
	return nil
}

// Stats returns the number of nodes and versions held.
func (s *MemoryMetadataStore) Stats() (nodes, versions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.versions)
}

func sortedNames(m map[string]metadata.NodeID) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
