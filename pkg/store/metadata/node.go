package metadata

import (
	"maps"
	"strconv"
	"time"
)

// NodeID is the opaque identifier of a tree node. IDs are random UUID
// strings assigned at creation and never reused.
type NodeID string

// NodeKind distinguishes internal nodes from files. A node's kind is fixed
// at creation and never changes.
type NodeKind uint8

const (
	// KindNode is an internal node: it has children and no versions.
	KindNode NodeKind = iota + 1

	// KindFile is a leaf holding a version chain.
	KindFile
)

func (k NodeKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// SizeUnknown marks a cached size that has not been computed.
const SizeUnknown int64 = -1

// NodeRecord is the persisted state of one tree node.
//
// Parent links are non-owning back-references by ID. The tree is owned top
// down through the child index kept by the store; walking upward always goes
// through ID lookups.
type NodeRecord struct {
	// ID is the node's identifier
	ID NodeID `json:"id"`

	// ParentID is the parent's identifier, empty for an AU root
	ParentID NodeID `json:"parent_id,omitempty"`

	// AuID is the archival unit this node belongs to
	AuID string `json:"au_id"`

	// Name is the path-encoded safe name under the parent (see EncodeSegment)
	Name string `json:"name"`

	// URL is the verbatim node URL, kept for retrieval since Name is one-way
	URL string `json:"url"`

	// Kind is fixed at creation
	Kind NodeKind `json:"kind"`

	// Deleted tombstones an internal node. Files derive deletion from their
	// preferred version instead.
	Deleted bool `json:"deleted,omitempty"`

	// Stem is the segment stem that new version content is appended to
	Stem string `json:"stem"`

	// SizeValid reports whether TreeSize can be trusted
	SizeValid bool `json:"size_valid"`

	// SizeGen is bumped on every invalidation. A recomputation only marks
	// the cache valid if the generation it started from is still current.
	SizeGen uint64 `json:"size_gen"`

	// TreeSize is the cached size counting preferred versions only
	TreeSize int64 `json:"tree_size"`

	// Head is the newest version of a file, 0 when the file has none
	Head VersionID `json:"head,omitempty"`

	// PreferredSet reports whether Preferred was chosen explicitly.
	// PreferredSet with Preferred == 0 is the explicit "no preferred version".
	PreferredSet bool `json:"preferred_set,omitempty"`

	// Preferred is the explicitly preferred version
	Preferred VersionID `json:"preferred,omitempty"`

	// SizePreferred caches the preferred version's content size (SizeUnknown if unset)
	SizePreferred int64 `json:"size_preferred"`

	// SizeTotal caches the sum of all versions' content sizes (SizeUnknown if unset)
	SizeTotal int64 `json:"size_total"`

	// Properties holds caller-defined string properties
	Properties map[string]string `json:"properties,omitempty"`

	// CreatedAt is the creation time
	CreatedAt time.Time `json:"created_at"`
}

// IsFile reports whether the record is a file.
func (n *NodeRecord) IsFile() bool {
	return n.Kind == KindFile
}

// IsRoot reports whether the record is an AU root.
func (n *NodeRecord) IsRoot() bool {
	return n.ParentID == ""
}

// ResetContentSizes forgets the file-level cached sizes.
func (n *NodeRecord) ResetContentSizes() {
	n.SizePreferred = SizeUnknown
	n.SizeTotal = SizeUnknown
}

// Invalidate marks the cached tree size as untrusted.
func (n *NodeRecord) Invalidate() {
	n.SizeValid = false
	n.SizeGen++
}

// Clone returns a deep copy.
func (n *NodeRecord) Clone() *NodeRecord {
	if n == nil {
		return nil
	}
	c := *n
	c.Properties = maps.Clone(n.Properties)
	return &c
}

// VersionID identifies one version of a file. IDs come from a process-wide
// counter seeded with the wall clock, so they increase across the versions
// created by one process.
type VersionID int64

func (v VersionID) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// ContentLocation records where committed content lives in the segment store.
type ContentLocation struct {
	// Stem is the segment stem the content was appended to
	Stem string `json:"stem"`

	// Segment is the segment index; 0 means no content has been recorded
	Segment int `json:"segment"`

	// Offset is the byte offset of the record inside the segment
	Offset int64 `json:"offset"`

	// RecordLength is the on-disk length of the whole record (envelope included)
	RecordLength int64 `json:"record_length"`

	// Length is the content length
	Length int64 `json:"length"`
}

// IsSet reports whether a location was recorded.
func (l ContentLocation) IsSet() bool {
	return l.Segment > 0
}

// VersionRecord is the persisted state of one file version.
type VersionRecord struct {
	// ID is the version identifier
	ID VersionID `json:"id"`

	// FileID is the owning file
	FileID NodeID `json:"file_id"`

	// Previous links to the next-older version, 0 at the end of the chain
	Previous VersionID `json:"previous,omitempty"`

	// Locked is set once by commit; content never changes afterwards
	Locked bool `json:"locked"`

	// Deleted is the logical deletion flag, legal to flip after commit
	Deleted bool `json:"deleted,omitempty"`

	// ContentSize is SizeUnknown until the version is committed
	ContentSize int64 `json:"content_size"`

	// Location is where the committed content lives
	Location ContentLocation `json:"location"`

	// ContentType labels the content; empty means the envelope default
	ContentType string `json:"content_type,omitempty"`

	// Headers are caller-supplied key/value fields written with the content
	Headers map[string]string `json:"headers,omitempty"`

	// CreatedAt is when the version was created
	CreatedAt time.Time `json:"created_at"`

	// CommittedAt is when the version was committed (zero while editing)
	CommittedAt time.Time `json:"committed_at,omitempty"`
}

// HasContent reports whether the version is live and has recorded content.
func (v *VersionRecord) HasContent() bool {
	return !v.Deleted && v.Location.IsSet()
}

// Clone returns a deep copy.
func (v *VersionRecord) Clone() *VersionRecord {
	if v == nil {
		return nil
	}
	c := *v
	c.Headers = maps.Clone(v.Headers)
	return &c
}
