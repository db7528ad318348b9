// Package repository maps the URLs of an archival unit (AU) onto a tree of
// nodes and stores every fetched version of every file.
//
// A Shard pairs a metadata store holding the node tree with a segment store
// holding version content as WARC records. AuRepository is the entry point
// for one AU: it resolves URLs to nodes and files, and keeps AU-level state.
// Tree sizes are cached on every node, invalidated upward on each write and
// recomputed lazily or by the shard's SizeCalcWorker.
package repository

import (
	"context"
	"time"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// Blob names of per-AU state, stored on the AU root.
const (
	blobAuState            = "AuState"
	blobIdentityAgreements = "IdentityAgreements"
	blobPeerIDSet          = "PeerIdSet"
)

// IdentityAgreement records how far one peer agreed with the local copy of
// an AU in past polls.
type IdentityAgreement struct {
	PeerID                  string    `json:"peer_id"`
	PercentAgreement        float64   `json:"percent_agreement"`
	HighestPercentAgreement float64   `json:"highest_percent_agreement"`
	LastAgree               time.Time `json:"last_agree,omitempty"`
	LastDisagree            time.Time `json:"last_disagree,omitempty"`
}

// AuRepository is the repository of one archival unit: the node tree of
// every URL fetched for it, plus AU-level state.
//
// Obtain one from Shard.AuRepository. Handles are shared and safe for
// concurrent use.
type AuRepository struct {
	shard *Shard
	auID  string
	root  *Node
	stem  string
	ctime time.Time
}

// auStem is the segment stem of a new AU.
func auStem(auID string) string {
	return metadata.EncodeSegment(auID) + "/" + DefaultStemName
}

func openAuRepository(ctx context.Context, s *Shard, auID string) (*AuRepository, error) {
	rec, created, err := metadata.GetOrCreateRoot(ctx, s.meta, auID, auStem(auID))
	if err != nil {
		return nil, wrapErr("open au", auID, err)
	}

	au := &AuRepository{
		shard: s,
		auID:  auID,
		stem:  rec.Stem,
		ctime: rec.CreatedAt,
	}
	au.root = newNode(au, rec)

	if created {
		logger.Info("Created AU %q in shard %q (stem %s)", auID, s.name, rec.Stem)
	}
	return au, nil
}

// AuID returns the archival unit identifier.
func (a *AuRepository) AuID() string {
	return a.auID
}

// Shard returns the shard holding the AU.
func (a *AuRepository) Shard() *Shard {
	return a.shard
}

// Root returns the AU root node.
func (a *AuRepository) Root() *Node {
	return a.root
}

// Stem returns the segment stem the AU was created with.
func (a *AuRepository) Stem() string {
	return a.stem
}

// CreationTime returns when the AU root was first created.
func (a *AuRepository) CreationTime() time.Time {
	return a.ctime
}

// GetFile resolves url to its file, creating missing levels when create is
// set. The file is the host node for a URL without path or query, the last
// path segment for a URL without query, and the query under the last path
// node otherwise.
//
// Without create a missing level fails with ErrNotFound. A level that exists
// with the wrong kind fails with ErrWrongKind; a malformed URL with
// ErrStructural.
func (a *AuRepository) GetFile(ctx context.Context, url string, create bool) (*File, error) {
	node, err := a.resolve(ctx, "get file", url, create, metadata.KindFile)
	if err != nil {
		return nil, err
	}
	return &File{Node: *node}, nil
}

// GetNode resolves url to an internal node. Every path segment and the
// query become internal nodes. See GetFile for the error cases.
func (a *AuRepository) GetNode(ctx context.Context, url string, create bool) (*Node, error) {
	return a.resolve(ctx, "get node", url, create, metadata.KindNode)
}

// resolve walks from the AU root down the levels of url. Every level but
// the last is an internal node; the last is of kind terminal.
func (a *AuRepository) resolve(ctx context.Context, op, url string, create bool, terminal metadata.NodeKind) (*Node, error) {
	parsed, err := ParseURL(url)
	if err != nil {
		return nil, &Error{Op: op, URL: url, Err: err}
	}
	levels := parsed.levels()

	var rec *metadata.NodeRecord
	walk := func(tx metadata.Transaction) error {
		parent := a.root.id
		for i, lvl := range levels {
			kind := metadata.KindNode
			if i == len(levels)-1 {
				kind = terminal
			}

			var child *metadata.NodeRecord
			var err error
			if create {
				child, _, err = metadata.GetOrCreateChildTx(tx, parent, lvl.name, lvl.url, kind)
			} else {
				child, err = tx.LookupChild(parent, lvl.name)
				if err == nil && child.Kind != kind {
					err = metadata.NewWrongKindError(kind, lvl.url)
				}
			}
			if err != nil {
				return err
			}
			parent = child.ID
			rec = child
		}
		return nil
	}

	if create {
		err = a.shard.meta.Update(ctx, walk)
	} else {
		err = a.shard.meta.View(ctx, walk)
	}
	if err != nil {
		return nil, wrapErr(op, url, err)
	}
	return newNode(a, rec), nil
}

// QueueSizeCalc schedules a background tree size recomputation of node.
func (a *AuRepository) QueueSizeCalc(node *Node) {
	a.shard.QueueSizeCalc(node)
}

// TreeContentSize returns the preferred-version content size of the files
// of the AU that pass filter.
func (a *AuRepository) TreeContentSize(ctx context.Context, filter URLFilter, calcIfUnknown bool) (int64, error) {
	return a.root.TreeSize(ctx, filter, calcIfUnknown)
}

// RepoDiskUsage returns the content size of the whole AU.
func (a *AuRepository) RepoDiskUsage(ctx context.Context, calcIfUnknown bool) (int64, error) {
	return a.root.TreeSize(ctx, nil, calcIfUnknown)
}

// FileList returns the files of the AU that pass filter, sorted by URL.
func (a *AuRepository) FileList(ctx context.Context, filter URLFilter, includeDeleted bool) ([]*File, error) {
	return a.root.FileList(ctx, filter, includeDeleted)
}

// LoadAuState returns the opaque AU state blob, nil when unset.
func (a *AuRepository) LoadAuState(ctx context.Context) ([]byte, error) {
	return a.root.loadBlob(ctx, blobAuState)
}

// StoreAuState replaces the opaque AU state blob.
func (a *AuRepository) StoreAuState(ctx context.Context, state []byte) error {
	return a.root.storeBlob(ctx, blobAuState, state)
}

// LoadIdentityAgreements returns the stored peer agreement history.
func (a *AuRepository) LoadIdentityAgreements(ctx context.Context) ([]IdentityAgreement, error) {
	var out []IdentityAgreement
	if err := a.root.loadValue(ctx, blobIdentityAgreements, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreIdentityAgreements replaces the peer agreement history.
func (a *AuRepository) StoreIdentityAgreements(ctx context.Context, agreements []IdentityAgreement) error {
	return a.root.storeValue(ctx, blobIdentityAgreements, agreements)
}

// LoadPeerIDSet returns the set of peers known to hold the AU.
func (a *AuRepository) LoadPeerIDSet(ctx context.Context) ([]string, error) {
	var out []string
	if err := a.root.loadValue(ctx, blobPeerIDSet, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StorePeerIDSet replaces the set of peers known to hold the AU. The set is
// stored sorted and without duplicates.
func (a *AuRepository) StorePeerIDSet(ctx context.Context, ids []string) error {
	return a.root.storeValue(ctx, blobPeerIDSet, normalizePeerIDs(ids))
}
