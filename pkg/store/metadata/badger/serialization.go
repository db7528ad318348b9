package badger

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

// Serialization Strategy
// ======================
//
// BadgerDB stores raw bytes. Node and version records are encoded as CBOR
// using Core Deterministic Encoding (sorted map keys, shortest integers), so
// the same record always produces the same bytes. Records carry json struct
// tags, which the CBOR codec honours as field names.
//
// Times use RFC 3339 with nanoseconds so CreatedAt/CommittedAt survive a
// round trip exactly.
//
// Blobs are stored as-is.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("badger: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("badger: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodeNode serializes a node record.
func encodeNode(n *metadata.NodeRecord) ([]byte, error) {
	data, err := encMode.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node %s: %w", n.ID, err)
	}
	return data, nil
}

// decodeNode deserializes a node record.
func decodeNode(data []byte) (*metadata.NodeRecord, error) {
	var n metadata.NodeRecord
	if err := decMode.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode node: %w", err)
	}
	return &n, nil
}

// encodeVersion serializes a version record.
func encodeVersion(v *metadata.VersionRecord) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode version %s: %w", v.ID, err)
	}
	return data, nil
}

// decodeVersion deserializes a version record.
func decodeVersion(data []byte) (*metadata.VersionRecord, error) {
	var v metadata.VersionRecord
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode version: %w", err)
	}
	return &v, nil
}
