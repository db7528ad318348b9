package repository

import (
	"context"
	"errors"
	"maps"
	"sort"

	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// Blob names of per-node opaque state.
const (
	blobNodeState       = "NodeState"
	blobPollHistories   = "PollHistoryList"
	blobAgreeingPeerIDs = "AgreeingPeerId"
)

// Node is a handle on one node of an AU tree.
//
// Handles are cheap values: every method reads the current state from the
// metadata store, so two handles on the same node always agree.
type Node struct {
	au   *AuRepository
	id   metadata.NodeID
	url  string
	kind metadata.NodeKind
}

func newNode(au *AuRepository, rec *metadata.NodeRecord) *Node {
	return &Node{au: au, id: rec.ID, url: rec.URL, kind: rec.Kind}
}

// ID returns the node's identifier.
func (n *Node) ID() metadata.NodeID {
	return n.id
}

// NodeURL returns the URL the node was created for. The AU root has an
// empty URL.
func (n *Node) NodeURL() string {
	return n.url
}

// IsFile reports whether the node is a file.
func (n *Node) IsFile() bool {
	return n.kind == metadata.KindFile
}

// AuRepository returns the repository the node belongs to.
func (n *Node) AuRepository() *AuRepository {
	return n.au
}

// AsFile returns the file view of the node.
func (n *Node) AsFile() (*File, error) {
	if !n.IsFile() {
		return nil, &Error{Op: "as file", URL: n.url, Err: ErrWrongKind}
	}
	return &File{Node: *n}, nil
}

func (n *Node) store() metadata.Store {
	return n.au.shard.meta
}

// Record returns a copy of the node's stored state.
func (n *Node) Record(ctx context.Context) (*metadata.NodeRecord, error) {
	rec, err := metadata.GetNode(ctx, n.store(), n.id)
	if err != nil {
		return nil, wrapErr("get node", n.url, err)
	}
	return rec, nil
}

// ChildCount returns the number of immediate children.
func (n *Node) ChildCount(ctx context.Context) (int, error) {
	count, err := metadata.CountChildren(ctx, n.store(), n.id)
	if err != nil {
		return 0, wrapErr("count children", n.url, err)
	}
	return count, nil
}

// Children returns the immediate children ordered by safe name.
func (n *Node) Children(ctx context.Context) ([]*Node, error) {
	records, err := metadata.ListChildren(ctx, n.store(), n.id)
	if err != nil {
		return nil, wrapErr("list children", n.url, err)
	}
	out := make([]*Node, len(records))
	for i, rec := range records {
		out[i] = newNode(n.au, rec)
	}
	return out, nil
}

// IsDeleted reports whether the node is deleted. An internal node carries
// its own tombstone; a file is deleted when its preferred version is.
func (n *Node) IsDeleted(ctx context.Context) (bool, error) {
	if n.IsFile() {
		return (&File{Node: *n}).IsDeleted(ctx)
	}
	rec, err := n.Record(ctx)
	if err != nil {
		return false, err
	}
	return rec.Deleted, nil
}

// Delete tombstones the node. For a file this deletes the preferred version.
func (n *Node) Delete(ctx context.Context) error {
	if n.IsFile() {
		return (&File{Node: *n}).Delete(ctx)
	}
	return n.setDeleted(ctx, true)
}

// Undelete clears the tombstone. For a file this undeletes the preferred
// version.
func (n *Node) Undelete(ctx context.Context) error {
	if n.IsFile() {
		return (&File{Node: *n}).Undelete(ctx)
	}
	return n.setDeleted(ctx, false)
}

func (n *Node) setDeleted(ctx context.Context, deleted bool) error {
	err := n.store().Update(ctx, func(tx metadata.Transaction) error {
		rec, err := tx.GetNode(n.id)
		if err != nil {
			return err
		}
		rec.Deleted = deleted
		if err := tx.PutNode(rec); err != nil {
			return err
		}
		return metadata.InvalidateTreeSizeTx(tx, n.id)
	})
	return wrapErr("delete node", n.url, err)
}

// Properties returns the node's user properties.
func (n *Node) Properties(ctx context.Context) (map[string]string, error) {
	rec, err := n.Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Properties == nil {
		return map[string]string{}, nil
	}
	return rec.Properties, nil
}

// SetProperties replaces the node's user properties.
func (n *Node) SetProperties(ctx context.Context, props map[string]string) error {
	_, err := metadata.UpdateNode(ctx, n.store(), n.id, func(rec *metadata.NodeRecord) error {
		rec.Properties = maps.Clone(props)
		return nil
	})
	return wrapErr("set properties", n.url, err)
}

// Stem returns the segment stem new content under this node goes to.
func (n *Node) Stem(ctx context.Context) (string, error) {
	rec, err := n.Record(ctx)
	if err != nil {
		return "", err
	}
	return rec.Stem, nil
}

// LoadNodeState returns the node's opaque state blob, nil when unset.
func (n *Node) LoadNodeState(ctx context.Context) ([]byte, error) {
	return n.loadBlob(ctx, blobNodeState)
}

// StoreNodeState replaces the node's opaque state blob.
func (n *Node) StoreNodeState(ctx context.Context, state []byte) error {
	return n.storeBlob(ctx, blobNodeState, state)
}

// LoadPollHistories returns the node's opaque poll history blob, nil when
// unset.
func (n *Node) LoadPollHistories(ctx context.Context) ([]byte, error) {
	return n.loadBlob(ctx, blobPollHistories)
}

// StorePollHistories replaces the node's poll history blob.
func (n *Node) StorePollHistories(ctx context.Context, histories []byte) error {
	return n.storeBlob(ctx, blobPollHistories, histories)
}

// LoadAgreeingPeerIDs returns the peers that agreed on this node.
func (n *Node) LoadAgreeingPeerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := n.loadValue(ctx, blobAgreeingPeerIDs, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// StoreAgreeingPeerIDs replaces the peers that agreed on this node. The
// set is stored sorted and without duplicates.
func (n *Node) StoreAgreeingPeerIDs(ctx context.Context, ids []string) error {
	return n.storeValue(ctx, blobAgreeingPeerIDs, normalizePeerIDs(ids))
}

func (n *Node) loadBlob(ctx context.Context, name string) ([]byte, error) {
	data, err := metadata.GetBlob(ctx, n.store(), n.id, name)
	if metadata.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("load "+name, n.url, err)
	}
	return data, nil
}

func (n *Node) storeBlob(ctx context.Context, name string, data []byte) error {
	return wrapErr("store "+name, n.url, metadata.SetBlob(ctx, n.store(), n.id, name, data))
}

// loadValue decodes a CBOR blob into v. A missing blob leaves v untouched.
func (n *Node) loadValue(ctx context.Context, name string, v any) error {
	data, err := n.loadBlob(ctx, name)
	if err != nil || data == nil {
		return err
	}
	if err := unmarshal(data, v); err != nil {
		return &Error{Op: "load " + name, URL: n.url, Err: errors.Join(ErrBackingStore, err)}
	}
	return nil
}

func (n *Node) storeValue(ctx context.Context, name string, v any) error {
	data, err := marshal(v)
	if err != nil {
		return &Error{Op: "store " + name, URL: n.url, Err: err}
	}
	return n.storeBlob(ctx, name, data)
}

// FileList returns every file at or below the node whose URL passes filter,
// sorted by URL. Deleted files, and the subtrees of deleted internal nodes,
// are skipped unless includeDeleted is set.
func (n *Node) FileList(ctx context.Context, filter URLFilter, includeDeleted bool) ([]*File, error) {
	var out []*File
	if err := n.collectFiles(ctx, filter, includeDeleted, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].url < out[j].url })
	return out, nil
}

func (n *Node) collectFiles(ctx context.Context, filter URLFilter, includeDeleted bool, out *[]*File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !matches(filter, n.url) {
		return nil
	}

	if n.IsFile() {
		f := &File{Node: *n}
		if !includeDeleted {
			deleted, err := f.IsDeleted(ctx)
			if err != nil {
				return err
			}
			if deleted {
				return nil
			}
		}
		*out = append(*out, f)
		return nil
	}

	if !includeDeleted {
		deleted, err := n.IsDeleted(ctx)
		if err != nil {
			return err
		}
		if deleted {
			return nil
		}
	}

	children, err := n.Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := child.collectFiles(ctx, filter, includeDeleted, out); err != nil {
			return err
		}
	}
	return nil
}

// Move points the node and its whole subtree at a new segment stem. Files
// re-append the content of every recorded version to the new stem; the old
// segments keep their bytes until the maintenance collector removes
// segments nothing references any more.
func (n *Node) Move(ctx context.Context, stem string) error {
	clean, err := content.CleanStem(stem)
	if err != nil {
		return &Error{Op: "move", URL: n.url, Err: err}
	}
	if n.IsFile() {
		return (&File{Node: *n}).Move(ctx, clean)
	}

	if _, err := metadata.UpdateNode(ctx, n.store(), n.id, func(rec *metadata.NodeRecord) error {
		rec.Stem = clean
		return nil
	}); err != nil {
		return wrapErr("move", n.url, err)
	}

	children, err := n.Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := child.Move(ctx, clean); err != nil {
			return err
		}
	}
	return nil
}
