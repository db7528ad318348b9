package memory

import (
	"slices"
	"sort"

	"github.com/marmos91/auvault/pkg/store/metadata"
)

// errReadOnly is returned by writes attempted inside View.
var errReadOnly = &metadata.StoreError{
	Code:    metadata.ErrInvalidArgument,
	Message: "write in read-only transaction",
}

type pendingBlob struct {
	data    []byte
	deleted bool
}

// memTxn reads through a staging layer to the store maps. Writes land in the
// staging layer and are copied over by apply.
type memTxn struct {
	store    *MemoryMetadataStore
	readOnly bool

	nodes    map[metadata.NodeID]*metadata.NodeRecord
	children map[metadata.NodeID]map[string]metadata.NodeID
	roots    map[string]metadata.NodeID
	versions map[versionKey]*metadata.VersionRecord
	blobs    map[blobKey]pendingBlob
}

func newWriteTxn(s *MemoryMetadataStore) *memTxn {
	return &memTxn{
		store:    s,
		nodes:    make(map[metadata.NodeID]*metadata.NodeRecord),
		children: make(map[metadata.NodeID]map[string]metadata.NodeID),
		roots:    make(map[string]metadata.NodeID),
		versions: make(map[versionKey]*metadata.VersionRecord),
		blobs:    make(map[blobKey]pendingBlob),
	}
}

func (tx *memTxn) apply() {
	s := tx.store
	for id, n := range tx.nodes {
		s.nodes[id] = n
	}
	for parent, names := range tx.children {
		m, ok := s.children[parent]
		if !ok {
			m = make(map[string]metadata.NodeID, len(names))
			s.children[parent] = m
		}
		for name, id := range names {
			m[name] = id
		}
	}
	for au, id := range tx.roots {
		s.roots[au] = id
	}
	for k, v := range tx.versions {
		s.versions[k] = v
	}
	for k, b := range tx.blobs {
		if b.deleted {
			delete(s.blobs, k)
		} else {
			s.blobs[k] = b.data
		}
	}
}

func (tx *memTxn) node(id metadata.NodeID) (*metadata.NodeRecord, bool) {
	if n, ok := tx.nodes[id]; ok {
		return n, true
	}
	n, ok := tx.store.nodes[id]
	return n, ok
}

func (tx *memTxn) child(parent metadata.NodeID, name string) (metadata.NodeID, bool) {
	if id, ok := tx.children[parent][name]; ok {
		return id, true
	}
	id, ok := tx.store.children[parent][name]
	return id, ok
}

func (tx *memTxn) childNames(parent metadata.NodeID) []string {
	names := sortedNames(tx.store.children[parent])
	for name := range tx.children[parent] {
		if _, ok := tx.store.children[parent][name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (tx *memTxn) GetNode(id metadata.NodeID) (*metadata.NodeRecord, error) {
	n, ok := tx.node(id)
	if !ok {
		return nil, metadata.NewNotFoundError("node", string(id))
	}
	return n.Clone(), nil
}

func (tx *memTxn) PutNode(n *metadata.NodeRecord) error {
	if tx.readOnly {
		return errReadOnly
	}
	if n == nil || n.ID == "" {
		return metadata.NewInvalidArgumentError("node without id", "")
	}
	if n.Kind != metadata.KindNode && n.Kind != metadata.KindFile {
		return metadata.NewInvalidArgumentError("invalid node kind", string(n.ID))
	}

	if existing, ok := tx.node(n.ID); ok {
		if existing.ParentID != n.ParentID || existing.Name != n.Name || existing.Kind != n.Kind {
			return metadata.NewInvalidArgumentError("node identity cannot change", string(n.ID))
		}
		tx.nodes[n.ID] = n.Clone()
		return nil
	}

	if n.ParentID == "" {
		if n.AuID == "" {
			return metadata.NewInvalidArgumentError("root without AU id", string(n.ID))
		}
		if _, taken := tx.lookupRootID(n.AuID); taken {
			return &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "AU root already exists", Path: n.AuID}
		}
		tx.roots[n.AuID] = n.ID
		tx.nodes[n.ID] = n.Clone()
		return nil
	}

	parent, ok := tx.node(n.ParentID)
	if !ok {
		return metadata.NewNotFoundError("parent node", string(n.ParentID))
	}
	if parent.IsFile() {
		return metadata.NewWrongKindError(metadata.KindNode, parent.URL)
	}
	if n.Name == "" {
		return metadata.NewInvalidArgumentError("empty child name", n.URL)
	}
	if _, taken := tx.child(n.ParentID, n.Name); taken {
		return &metadata.StoreError{Code: metadata.ErrAlreadyExists, Message: "child already exists", Path: n.URL}
	}

	m, ok := tx.children[n.ParentID]
	if !ok {
		m = make(map[string]metadata.NodeID)
		tx.children[n.ParentID] = m
	}
	m[n.Name] = n.ID
	tx.nodes[n.ID] = n.Clone()
	return nil
}

func (tx *memTxn) LookupChild(parent metadata.NodeID, name string) (*metadata.NodeRecord, error) {
	id, ok := tx.child(parent, name)
	if !ok {
		return nil, metadata.NewNotFoundError("child", name)
	}
	return tx.GetNode(id)
}

func (tx *memTxn) ListChildren(parent metadata.NodeID) ([]*metadata.NodeRecord, error) {
	if _, ok := tx.node(parent); !ok {
		return nil, metadata.NewNotFoundError("node", string(parent))
	}

	names := tx.childNames(parent)
	out := make([]*metadata.NodeRecord, 0, len(names))
	for _, name := range names {
		id, _ := tx.child(parent, name)
		n, err := tx.GetNode(id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (tx *memTxn) CountChildren(parent metadata.NodeID) (int, error) {
	if _, ok := tx.node(parent); !ok {
		return 0, metadata.NewNotFoundError("node", string(parent))
	}
	return len(tx.childNames(parent)), nil
}

func (tx *memTxn) lookupRootID(auID string) (metadata.NodeID, bool) {
	if id, ok := tx.roots[auID]; ok {
		return id, true
	}
	id, ok := tx.store.roots[auID]
	return id, ok
}

func (tx *memTxn) LookupRoot(auID string) (*metadata.NodeRecord, error) {
	id, ok := tx.lookupRootID(auID)
	if !ok {
		return nil, metadata.NewNotFoundError("AU root", auID)
	}
	return tx.GetNode(id)
}

func (tx *memTxn) ListRoots() ([]string, error) {
	ids := make([]string, 0, len(tx.store.roots)+len(tx.roots))
	for au := range tx.store.roots {
		ids = append(ids, au)
	}
	for au := range tx.roots {
		if _, ok := tx.store.roots[au]; !ok {
			ids = append(ids, au)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (tx *memTxn) GetVersion(fileID metadata.NodeID, id metadata.VersionID) (*metadata.VersionRecord, error) {
	k := versionKey{file: fileID, id: id}
	if v, ok := tx.versions[k]; ok {
		return v.Clone(), nil
	}
	if v, ok := tx.store.versions[k]; ok {
		return v.Clone(), nil
	}
	return nil, metadata.NewNotFoundError("version", versionPath(fileID, id))
}

func (tx *memTxn) PutVersion(v *metadata.VersionRecord) error {
	if tx.readOnly {
		return errReadOnly
	}
	if v == nil || v.ID == 0 {
		return metadata.NewInvalidArgumentError("version without id", "")
	}

	file, ok := tx.node(v.FileID)
	if !ok {
		return metadata.NewNotFoundError("file", string(v.FileID))
	}
	if !file.IsFile() {
		return metadata.NewWrongKindError(metadata.KindFile, file.URL)
	}

	tx.versions[versionKey{file: v.FileID, id: v.ID}] = v.Clone()
	return nil
}

func (tx *memTxn) ListVersions(fileID metadata.NodeID) ([]*metadata.VersionRecord, error) {
	if _, ok := tx.node(fileID); !ok {
		return nil, metadata.NewNotFoundError("file", string(fileID))
	}

	merged := make(map[metadata.VersionID]*metadata.VersionRecord)
	for k, v := range tx.store.versions {
		if k.file == fileID {
			merged[k.id] = v
		}
	}
	for k, v := range tx.versions {
		if k.file == fileID {
			merged[k.id] = v
		}
	}

	out := make([]*metadata.VersionRecord, 0, len(merged))
	for _, v := range merged {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTxn) GetBlob(id metadata.NodeID, name string) ([]byte, error) {
	k := blobKey{node: id, name: name}
	if b, ok := tx.blobs[k]; ok {
		if b.deleted {
			return nil, metadata.NewNotFoundError("blob", name)
		}
		return slices.Clone(b.data), nil
	}
	if data, ok := tx.store.blobs[k]; ok {
		return slices.Clone(data), nil
	}
	return nil, metadata.NewNotFoundError("blob", name)
}

func (tx *memTxn) SetBlob(id metadata.NodeID, name string, data []byte) error {
	if tx.readOnly {
		return errReadOnly
	}
	if name == "" {
		return metadata.NewInvalidArgumentError("empty blob name", string(id))
	}

	k := blobKey{node: id, name: name}
	if data == nil {
		tx.blobs[k] = pendingBlob{deleted: true}
		return nil
	}
	tx.blobs[k] = pendingBlob{data: slices.Clone(data)}
	return nil
}

func versionPath(fileID metadata.NodeID, id metadata.VersionID) string {
	return string(fileID) + "@" + id.String()
}
