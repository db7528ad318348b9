package metadata

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NewNodeID returns a fresh random node identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// NewRootRecord builds the record of a new AU root.
func NewRootRecord(auID, stem string) *NodeRecord {
	return &NodeRecord{
		ID:            NewNodeID(),
		AuID:          auID,
		Kind:          KindNode,
		Stem:          stem,
		SizeValid:     true,
		SizePreferred: SizeUnknown,
		SizeTotal:     SizeUnknown,
		CreatedAt:     time.Now(),
	}
}

// NewChildRecord builds the record of a new child of parent. The child
// inherits the parent's AU and segment stem.
//
// A fresh node has no content, so its (zero) tree size starts out valid.
func NewChildRecord(parent *NodeRecord, name, url string, kind NodeKind) *NodeRecord {
	return &NodeRecord{
		ID:            NewNodeID(),
		ParentID:      parent.ID,
		AuID:          parent.AuID,
		Name:          name,
		URL:           url,
		Kind:          kind,
		Stem:          parent.Stem,
		SizeValid:     true,
		SizePreferred: SizeUnknown,
		SizeTotal:     SizeUnknown,
		CreatedAt:     time.Now(),
	}
}

// GetNode loads one node.
func GetNode(ctx context.Context, s Store, id NodeID) (*NodeRecord, error) {
	var out *NodeRecord
	err := s.View(ctx, func(tx Transaction) error {
		n, err := tx.GetNode(id)
		out = n
		return err
	})
	return out, err
}

// UpdateNode atomically loads a node, applies fn and stores the result.
// If fn returns an error nothing is written.
func UpdateNode(ctx context.Context, s Store, id NodeID, fn func(n *NodeRecord) error) (*NodeRecord, error) {
	var out *NodeRecord
	err := s.Update(ctx, func(tx Transaction) error {
		n, err := tx.GetNode(id)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
		out = n
		return tx.PutNode(n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrCreateRoot returns the root registered for auID, creating it when
// missing. created reports whether this call created it.
func GetOrCreateRoot(ctx context.Context, s Store, auID, stem string) (root *NodeRecord, created bool, err error) {
	if auID == "" {
		return nil, false, NewInvalidArgumentError("empty AU id", "")
	}

	err = s.Update(ctx, func(tx Transaction) error {
		existing, err := tx.LookupRoot(auID)
		if err == nil {
			root = existing
			return nil
		}
		if !IsNotFoundError(err) {
			return err
		}

		root = NewRootRecord(auID, stem)
		created = true
		return tx.PutNode(root)
	})
	if err != nil {
		return nil, false, err
	}
	return root, created, nil
}

// LookupChild resolves one child by safe name.
func LookupChild(ctx context.Context, s Store, parent NodeID, name string) (*NodeRecord, error) {
	var out *NodeRecord
	err := s.View(ctx, func(tx Transaction) error {
		n, err := tx.LookupChild(parent, name)
		out = n
		return err
	})
	return out, err
}

// GetOrCreateChild is the atomic "create if absent, else fetch" operation on
// a named child. An existing child of the other kind yields ErrWrongKind.
func GetOrCreateChild(ctx context.Context, s Store, parent NodeID, name, url string, kind NodeKind) (child *NodeRecord, created bool, err error) {
	err = s.Update(ctx, func(tx Transaction) error {
		child, created, err = GetOrCreateChildTx(tx, parent, name, url, kind)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return child, created, nil
}

// GetOrCreateChildTx is GetOrCreateChild inside an existing transaction.
func GetOrCreateChildTx(tx Transaction, parent NodeID, name, url string, kind NodeKind) (*NodeRecord, bool, error) {
	if name == "" {
		return nil, false, NewInvalidArgumentError("empty child name", url)
	}

	existing, err := tx.LookupChild(parent, name)
	if err == nil {
		if existing.Kind != kind {
			return nil, false, NewWrongKindError(kind, existing.URL)
		}
		return existing, false, nil
	}
	if !IsNotFoundError(err) {
		return nil, false, err
	}

	p, err := tx.GetNode(parent)
	if err != nil {
		return nil, false, err
	}
	if p.IsFile() {
		return nil, false, NewWrongKindError(KindNode, p.URL)
	}

	child := NewChildRecord(p, name, url, kind)
	if err := tx.PutNode(child); err != nil {
		return nil, false, err
	}
	return child, true, nil
}

// ListChildren returns the immediate children of parent, ordered by name.
func ListChildren(ctx context.Context, s Store, parent NodeID) ([]*NodeRecord, error) {
	var out []*NodeRecord
	err := s.View(ctx, func(tx Transaction) error {
		children, err := tx.ListChildren(parent)
		out = children
		return err
	})
	return out, err
}

// CountChildren returns the number of immediate children of parent.
func CountChildren(ctx context.Context, s Store, parent NodeID) (int, error) {
	var out int
	err := s.View(ctx, func(tx Transaction) error {
		n, err := tx.CountChildren(parent)
		out = n
		return err
	})
	return out, err
}

// ListRoots returns every AU id with a root in the store.
func ListRoots(ctx context.Context, s Store) ([]string, error) {
	var out []string
	err := s.View(ctx, func(tx Transaction) error {
		ids, err := tx.ListRoots()
		out = ids
		return err
	})
	return out, err
}

// InvalidateTreeSize clears the size-valid flag on id and on every ancestor
// up to the AU root, in one transaction. It never recomputes anything.
func InvalidateTreeSize(ctx context.Context, s Store, id NodeID) error {
	return s.Update(ctx, func(tx Transaction) error {
		return InvalidateTreeSizeTx(tx, id)
	})
}

// InvalidateTreeSizeTx is InvalidateTreeSize inside an existing transaction.
func InvalidateTreeSizeTx(tx Transaction, id NodeID) error {
	for id != "" {
		n, err := tx.GetNode(id)
		if err != nil {
			return err
		}
		n.Invalidate()
		if err := tx.PutNode(n); err != nil {
			return err
		}
		id = n.ParentID
	}
	return nil
}

// GetVersion loads one version record.
func GetVersion(ctx context.Context, s Store, fileID NodeID, id VersionID) (*VersionRecord, error) {
	var out *VersionRecord
	err := s.View(ctx, func(tx Transaction) error {
		v, err := tx.GetVersion(fileID, id)
		out = v
		return err
	})
	return out, err
}

// UpdateVersion atomically loads a version, applies fn and stores the result.
func UpdateVersion(ctx context.Context, s Store, fileID NodeID, id VersionID, fn func(v *VersionRecord) error) (*VersionRecord, error) {
	var out *VersionRecord
	err := s.Update(ctx, func(tx Transaction) error {
		v, err := tx.GetVersion(fileID, id)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
		out = v
		return tx.PutVersion(v)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListVersions returns every stored version of a file ordered by ID.
func ListVersions(ctx context.Context, s Store, fileID NodeID) ([]*VersionRecord, error) {
	var out []*VersionRecord
	err := s.View(ctx, func(tx Transaction) error {
		versions, err := tx.ListVersions(fileID)
		out = versions
		return err
	})
	return out, err
}

// GetBlob loads a named blob. Missing blobs yield ErrNotFound.
func GetBlob(ctx context.Context, s Store, id NodeID, name string) ([]byte, error) {
	var out []byte
	err := s.View(ctx, func(tx Transaction) error {
		b, err := tx.GetBlob(id, name)
		out = b
		return err
	})
	return out, err
}

// SetBlob stores a named blob on a node.
func SetBlob(ctx context.Context, s Store, id NodeID, name string, data []byte) error {
	return s.Update(ctx, func(tx Transaction) error {
		if _, err := tx.GetNode(id); err != nil {
			return err
		}
		return tx.SetBlob(id, name, data)
	})
}
