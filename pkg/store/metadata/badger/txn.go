package badger

import (
	"bytes"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

var errReadOnly = &metadata.StoreError{
	Code:    metadata.ErrInvalidArgument,
	Message: "write in read-only transaction",
}

// badgerTxn adapts a *badger.Txn to metadata.Transaction.
type badgerTxn struct {
	txn      *badger.Txn
	readOnly bool
}

// getValue returns a copy of the value stored at key, or (nil, false).
func (tx *badgerTxn) getValue(key []byte) ([]byte, bool, error) {
	item, err := tx.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to copy %q: %w", key, err)
	}
	return val, true, nil
}

func (tx *badgerTxn) set(key, val []byte) error {
	if err := tx.txn.Set(key, val); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (tx *badgerTxn) GetNode(id metadata.NodeID) (*metadata.NodeRecord, error) {
	data, ok, err := tx.getValue(keyNode(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, metadata.NewNotFoundError("node", string(id))
	}
	return decodeNode(data)
}

func (tx *badgerTxn) PutNode(n *metadata.NodeRecord) error {
	if tx.readOnly {
		return errReadOnly
	}
	if n == nil || n.ID == "" {
		return metadata.NewInvalidArgumentError("node without id", "")
	}
	if n.Kind != metadata.KindNode && n.Kind != metadata.KindFile {
		return metadata.NewInvalidArgumentError("invalid node kind", string(n.ID))
	}

	existing, err := tx.GetNode(n.ID)
	switch {
	case err == nil:
		if existing.ParentID != n.ParentID || existing.Name != n.Name || existing.Kind != n.Kind {
			return metadata.NewInvalidArgumentError("node identity cannot change", string(n.ID))
		}
		return tx.writeNode(n)
	case !metadata.IsNotFoundError(err):
		return err
	}

	// New node: register it in the root or child index first.
	if n.ParentID == "" {
		if n.AuID == "" {
			return metadata.NewInvalidArgumentError("root without AU id", string(n.ID))
		}
		if _, taken, err := tx.getValue(keyRoot(n.AuID)); err != nil {
			return err
		} else if taken {
			return &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "AU root already exists", Path: n.AuID}
		}
		if err := tx.set(keyRoot(n.AuID), []byte(n.ID)); err != nil {
			return err
		}
		return tx.writeNode(n)
	}

	parent, err := tx.GetNode(n.ParentID)
	if err != nil {
		return err
	}
	if parent.IsFile() {
		return metadata.NewWrongKindError(metadata.KindNode, parent.URL)
	}
	if n.Name == "" {
		return metadata.NewInvalidArgumentError("empty child name", n.URL)
	}
	if _, taken, err := tx.getValue(keyChild(n.ParentID, n.Name)); err != nil {
		return err
	} else if taken {
		return &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "child already exists", Path: n.URL}
	}
	if err := tx.set(keyChild(n.ParentID, n.Name), []byte(n.ID)); err != nil {
		return err
	}
	return tx.writeNode(n)
}

func (tx *badgerTxn) writeNode(n *metadata.NodeRecord) error {
	data, err := encodeNode(n)
	if err != nil {
		return err
	}
	return tx.set(keyNode(n.ID), data)
}

func (tx *badgerTxn) LookupChild(parent metadata.NodeID, name string) (*metadata.NodeRecord, error) {
	id, ok, err := tx.getValue(keyChild(parent, name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, metadata.NewNotFoundError("child", name)
	}
	return tx.GetNode(metadata.NodeID(id))
}

// childIDs scans the child index of parent in name order.
func (tx *badgerTxn) childIDs(parent metadata.NodeID, withValues bool) ([]metadata.NodeID, int, error) {
	if _, err := tx.GetNode(parent); err != nil {
		return nil, 0, err
	}

	prefix := keyChildPrefix(parent)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = withValues

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var ids []metadata.NodeID
	count := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		count++
		if !withValues {
			continue
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read child index: %w", err)
		}
		ids = append(ids, metadata.NodeID(val))
	}
	return ids, count, nil
}

func (tx *badgerTxn) ListChildren(parent metadata.NodeID) ([]*metadata.NodeRecord, error) {
	ids, _, err := tx.childIDs(parent, true)
	if err != nil {
		return nil, err
	}

	out := make([]*metadata.NodeRecord, 0, len(ids))
	for _, id := range ids {
		n, err := tx.GetNode(id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (tx *badgerTxn) CountChildren(parent metadata.NodeID) (int, error) {
	_, count, err := tx.childIDs(parent, false)
	return count, err
}

func (tx *badgerTxn) LookupRoot(auID string) (*metadata.NodeRecord, error) {
	id, ok, err := tx.getValue(keyRoot(auID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, metadata.NewNotFoundError("AU root", auID)
	}
	return tx.GetNode(metadata.NodeID(id))
}

func (tx *badgerTxn) ListRoots() ([]string, error) {
	prefix := keyRootPrefix()
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, auIDFromRootKey(it.Item().KeyCopy(nil)))
	}
	return ids, nil
}

func (tx *badgerTxn) GetVersion(fileID metadata.NodeID, id metadata.VersionID) (*metadata.VersionRecord, error) {
	data, ok, err := tx.getValue(keyVersion(fileID, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, metadata.NewNotFoundError("version", string(fileID)+"@"+id.String())
	}
	return decodeVersion(data)
}

func (tx *badgerTxn) PutVersion(v *metadata.VersionRecord) error {
	if tx.readOnly {
		return errReadOnly
	}
	if v == nil || v.ID == 0 {
		return metadata.NewInvalidArgumentError("version without id", "")
	}

	file, err := tx.GetNode(v.FileID)
	if err != nil {
		return err
	}
	if !file.IsFile() {
		return metadata.NewWrongKindError(metadata.KindFile, file.URL)
	}

	data, err := encodeVersion(v)
	if err != nil {
		return err
	}
	return tx.set(keyVersion(v.FileID, v.ID), data)
}

func (tx *badgerTxn) ListVersions(fileID metadata.NodeID) ([]*metadata.VersionRecord, error) {
	if _, err := tx.GetNode(fileID); err != nil {
		return nil, err
	}

	prefix := keyVersionPrefix(fileID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var out []*metadata.VersionRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read version: %w", err)
		}
		v, err := decodeVersion(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (tx *badgerTxn) GetBlob(id metadata.NodeID, name string) ([]byte, error) {
	data, ok, err := tx.getValue(keyBlob(id, name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, metadata.NewNotFoundError("blob", name)
	}
	return data, nil
}

func (tx *badgerTxn) SetBlob(id metadata.NodeID, name string, data []byte) error {
	if tx.readOnly {
		return errReadOnly
	}
	if name == "" {
		return metadata.NewInvalidArgumentError("empty blob name", string(id))
	}

	key := keyBlob(id, name)
	if data == nil {
		if err := tx.txn.Delete(key); err != nil {
			return fmt.Errorf("failed to delete %q: %w", key, err)
		}
		return nil
	}
	return tx.set(key, bytes.Clone(data))
}
