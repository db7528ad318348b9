// Package testing provides a conformance suite for metadata.Store
// implementations.
package testing

import (
	"context"
	"testing"

	"github.com/marmos91/auvault/pkg/store/metadata"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite is a comprehensive test suite for metadata.Store implementations.
// It tests the interface contract, not implementation details, making it reusable
// across different implementations (memory, badger).
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &metadatatesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) metadata.Store {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore is a factory function that creates a fresh Store instance
	// for each test. This ensures test isolation. The suite closes the store
	// when the test ends.
	NewStore func(t *testing.T) metadata.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Nodes", suite.RunNodeTests)
	t.Run("Versions", suite.RunVersionTests)
	t.Run("Blobs", suite.RunBlobTests)
	t.Run("Lifecycle", suite.RunLifecycleTests)
}

// store builds a store and registers its cleanup.
func (suite *StoreTestSuite) store(t *testing.T) metadata.Store {
	t.Helper()
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newRoot creates the root of auID.
func newRoot(t *testing.T, s metadata.Store, auID string) *metadata.NodeRecord {
	t.Helper()
	root, created, err := metadata.GetOrCreateRoot(context.Background(), s, auID, auID+"/WARC")
	require.NoError(t, err)
	require.True(t, created)
	return root
}

// newChild creates a child under parent.
func newChild(t *testing.T, s metadata.Store, parent *metadata.NodeRecord, name string, kind metadata.NodeKind) *metadata.NodeRecord {
	t.Helper()
	child, created, err := metadata.GetOrCreateChild(context.Background(), s, parent.ID, name, parent.URL+"/"+name, kind)
	require.NoError(t, err)
	require.True(t, created)
	return child
}
