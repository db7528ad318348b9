package metadata

import (
	"context"
)

// ============================================================================
// Store Interface
// ============================================================================

// Store is the node-tree metadata store backing one shard.
//
// The store keeps node records, version records and named blobs. It knows
// nothing about URLs, segment files or size semantics: the repository layer
// builds those on top of transactions.
//
// Transactions:
//   - View runs fn with a read-only transaction
//   - Update runs fn with a read-write transaction; all writes made by fn
//     become visible atomically when fn returns nil, and none do otherwise
//
// Records returned by a Transaction are private copies. Mutate them and
// call PutNode/PutVersion to persist changes.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
// Concurrent Update calls are serialized or retried by the implementation.
type Store interface {
	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(tx Transaction) error) error

	// Update runs fn inside a read-write transaction.
	Update(ctx context.Context, fn func(tx Transaction) error) error

	// Healthcheck verifies the store is usable.
	Healthcheck(ctx context.Context) error

	// Close releases all resources. The store must not be used afterwards.
	Close() error
}

// Transaction is the per-transaction view of a Store.
//
// Lookups that find nothing return a StoreError with code ErrNotFound.
type Transaction interface {
	// GetNode returns the node with the given ID.
	GetNode(id NodeID) (*NodeRecord, error)

	// PutNode creates or replaces a node.
	//
	// For a node with a ParentID the child index entry (parent, Name) is
	// written too. For a root (no ParentID) the AU index entry is written.
	// Changing ParentID, Name or Kind of an existing node is rejected with
	// ErrInvalidArgument.
	PutNode(n *NodeRecord) error

	// LookupChild returns the child named name under parent.
	LookupChild(parent NodeID, name string) (*NodeRecord, error)

	// ListChildren returns parent's children ordered by name.
	ListChildren(parent NodeID) ([]*NodeRecord, error)

	// CountChildren returns the number of children under parent.
	CountChildren(parent NodeID) (int, error)

	// LookupRoot returns the root node registered for auID.
	LookupRoot(auID string) (*NodeRecord, error)

	// ListRoots returns all registered AU ids in sorted order.
	ListRoots() ([]string, error)

	// GetVersion returns one version of a file.
	GetVersion(fileID NodeID, id VersionID) (*VersionRecord, error)

	// PutVersion creates or replaces a version.
	PutVersion(v *VersionRecord) error

	// ListVersions returns every stored version of a file ordered by ID,
	// whether or not it is reachable from the file's head.
	ListVersions(fileID NodeID) ([]*VersionRecord, error)

	// GetBlob returns a named blob attached to a node.
	GetBlob(id NodeID, name string) ([]byte, error)

	// SetBlob stores a named blob attached to a node. A nil value deletes it.
	SetBlob(id NodeID, name string, data []byte) error
}
