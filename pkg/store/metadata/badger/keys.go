package badger

import (
	"fmt"
	"strings"

	"github.com/marmos91/auvault/pkg/store/metadata"
)

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a key-value store, so we use prefixed keys to organize different
// data types into logical namespaces. This design:
//   - Prevents key collisions between different data types
//   - Enables efficient range scans (all children of a node, all AU roots)
//   - Makes the database structure self-documenting
//
// Node IDs are UUID strings, so they never contain ':' and a "c:<parent>:"
// prefix can never match the children of another parent.
//
// Key Namespace Prefixes:
//
// Data Type       Prefix   Key Format                         Value Type
// =========================================================================
// Nodes           "n:"     n:<nodeID>                         NodeRecord (CBOR)
// Child Index     "c:"     c:<parentID>:<safeName>            childID (bytes)
// AU Roots        "r:"     r:<auID>                           rootID (bytes)
// Versions        "v:"     v:<fileID>:<20-digit versionID>    VersionRecord (CBOR)
// Blobs           "b:"     b:<nodeID>:<name>                  raw bytes
//
// Key Design Rationale:
//
// 1. Nodes (n:)
//    - One entry per node, internal or file
//    - Point lookup by ID: O(1)
//    - Example: n:550e8400-e29b-41d4-a716-446655440000
//
// 2. Child Index (c:)
//    - Denormalized: one entry per child
//    - Names are already path-encoded, so they hold no separators
//    - List children: prefix scan over "c:<parentID>:", ordered by name
//    - Example: c:parent-uuid:index#002ehtml → child-uuid
//
// 3. AU Roots (r:)
//    - Maps an AU id to the ID of its root node
//    - Prefix scan over "r:" lists every AU held by the shard
//
// 4. Versions (v:)
//    - Version IDs are zero padded so a prefix scan returns them in ID order
//    - The chain order itself lives in VersionRecord.Previous
//
// 5. Blobs (b:)
//    - Opaque state attached to a node: AU state, identity agreements,
//      peer sets, node state
//    - Stored raw; callers own the encoding

const (
	prefixNode    = "n:"
	prefixChild   = "c:"
	prefixRoot    = "r:"
	prefixVersion = "v:"
	prefixBlob    = "b:"
)

func keyNode(id metadata.NodeID) []byte {
	return []byte(prefixNode + string(id))
}

func keyChild(parent metadata.NodeID, name string) []byte {
	return []byte(prefixChild + string(parent) + ":" + name)
}

func keyChildPrefix(parent metadata.NodeID) []byte {
	return []byte(prefixChild + string(parent) + ":")
}

func keyRoot(auID string) []byte {
	return []byte(prefixRoot + auID)
}

func keyRootPrefix() []byte {
	return []byte(prefixRoot)
}

// auIDFromRootKey strips the root prefix from a key produced by keyRoot.
func auIDFromRootKey(key []byte) string {
	return strings.TrimPrefix(string(key), prefixRoot)
}

func keyVersion(fileID metadata.NodeID, id metadata.VersionID) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixVersion, fileID, int64(id)))
}

func keyVersionPrefix(fileID metadata.NodeID) []byte {
	return []byte(prefixVersion + string(fileID) + ":")
}

func keyBlob(id metadata.NodeID, name string) []byte {
	return []byte(prefixBlob + string(id) + ":" + name)
}
