package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/auvault/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunNodeTests(t *testing.T) {
	t.Run("GetOrCreateRoot_Idempotent", suite.TestGetOrCreateRoot_Idempotent)
	t.Run("ListRoots_Sorted", suite.TestListRoots_Sorted)
	t.Run("GetOrCreateChild_InheritsStem", suite.TestGetOrCreateChild_InheritsStem)
	t.Run("GetOrCreateChild_WrongKind", suite.TestGetOrCreateChild_WrongKind)
	t.Run("GetOrCreateChild_UnderFile", suite.TestGetOrCreateChild_UnderFile)
	t.Run("ListChildren_Ordered", suite.TestListChildren_Ordered)
	t.Run("ListChildren_MissingParent", suite.TestListChildren_MissingParent)
	t.Run("PutNode_IdentityImmutable", suite.TestPutNode_IdentityImmutable)
	t.Run("UpdateNode_Persists", suite.TestUpdateNode_Persists)
	t.Run("Update_RollbackOnError", suite.TestUpdate_RollbackOnError)
	t.Run("InvalidateTreeSize_WalksAncestors", suite.TestInvalidateTreeSize_WalksAncestors)
	t.Run("View_RejectsWrites", suite.TestView_RejectsWrites)
}

// TestGetOrCreateRoot_Idempotent verifies a second call returns the same root.
func (suite *StoreTestSuite) TestGetOrCreateRoot_Idempotent(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()

	first := newRoot(t, s, "au1")

	again, created, err := metadata.GetOrCreateRoot(ctx, s, "au1", "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "au1/WARC", again.Stem, "stem is fixed at creation")
	assert.True(t, again.IsRoot())
	assert.True(t, again.SizeValid)

	_, _, err = metadata.GetOrCreateRoot(ctx, s, "", "x")
	assert.True(t, metadata.HasCode(err, metadata.ErrInvalidArgument))
}

func (suite *StoreTestSuite) TestListRoots_Sorted(t *testing.T) {
	s := suite.store(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		newRoot(t, s, id)
	}

	roots, err := metadata.ListRoots(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, roots)
}

func (suite *StoreTestSuite) TestGetOrCreateChild_InheritsStem(t *testing.T) {
	s := suite.store(t)
	root := newRoot(t, s, "au1")

	host := newChild(t, s, root, "example#002ecom", metadata.KindNode)
	file := newChild(t, s, host, "index#002ehtml", metadata.KindFile)

	assert.Equal(t, root.ID, host.ParentID)
	assert.Equal(t, "au1", file.AuID)
	assert.Equal(t, "au1/WARC", file.Stem)
	assert.Equal(t, metadata.SizeUnknown, file.SizePreferred)
	assert.Equal(t, metadata.SizeUnknown, file.SizeTotal)

	again, created, err := metadata.GetOrCreateChild(context.Background(), s, host.ID, "index#002ehtml", "", metadata.KindFile)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, file.ID, again.ID)
}

func (suite *StoreTestSuite) TestGetOrCreateChild_WrongKind(t *testing.T) {
	s := suite.store(t)
	root := newRoot(t, s, "au1")
	newChild(t, s, root, "a", metadata.KindFile)

	_, _, err := metadata.GetOrCreateChild(context.Background(), s, root.ID, "a", "", metadata.KindNode)
	assert.True(t, metadata.HasCode(err, metadata.ErrWrongKind), "got %v", err)
}

func (suite *StoreTestSuite) TestGetOrCreateChild_UnderFile(t *testing.T) {
	s := suite.store(t)
	root := newRoot(t, s, "au1")
	file := newChild(t, s, root, "a", metadata.KindFile)

	_, _, err := metadata.GetOrCreateChild(context.Background(), s, file.ID, "b", "", metadata.KindFile)
	assert.True(t, metadata.HasCode(err, metadata.ErrWrongKind), "got %v", err)
}

func (suite *StoreTestSuite) TestListChildren_Ordered(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")

	for _, name := range []string{"c", "a", "b"} {
		newChild(t, s, root, name, metadata.KindNode)
	}

	children, err := metadata.ListChildren(ctx, s, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "a", children[0].Name)
	assert.Equal(t, "b", children[1].Name)
	assert.Equal(t, "c", children[2].Name)

	count, err := metadata.CountChildren(ctx, s, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	leaf := children[0]
	count, err = metadata.CountChildren(ctx, s, leaf.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func (suite *StoreTestSuite) TestListChildren_MissingParent(t *testing.T) {
	s := suite.store(t)

	_, err := metadata.ListChildren(context.Background(), s, metadata.NewNodeID())
	assert.True(t, metadata.IsNotFoundError(err))

	_, err = metadata.LookupChild(context.Background(), s, metadata.NewNodeID(), "x")
	assert.True(t, metadata.IsNotFoundError(err))
}

func (suite *StoreTestSuite) TestPutNode_IdentityImmutable(t *testing.T) {
	s := suite.store(t)
	root := newRoot(t, s, "au1")
	child := newChild(t, s, root, "a", metadata.KindNode)

	err := s.Update(context.Background(), func(tx metadata.Transaction) error {
		n, err := tx.GetNode(child.ID)
		if err != nil {
			return err
		}
		n.Name = "renamed"
		return tx.PutNode(n)
	})
	assert.True(t, metadata.HasCode(err, metadata.ErrInvalidArgument), "got %v", err)

	dup := metadata.NewChildRecord(root, "a", "", metadata.KindNode)
	err = s.Update(context.Background(), func(tx metadata.Transaction) error {
		return tx.PutNode(dup)
	})
	assert.True(t, metadata.HasCode(err, metadata.ErrAlreadyExists), "got %v", err)
}

func (suite *StoreTestSuite) TestUpdateNode_Persists(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")

	_, err := metadata.UpdateNode(ctx, s, root.ID, func(n *metadata.NodeRecord) error {
		n.Properties = map[string]string{"k": "v"}
		n.TreeSize = 42
		return nil
	})
	require.NoError(t, err)

	got, err := metadata.GetNode(ctx, s, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Properties["k"])
	assert.EqualValues(t, 42, got.TreeSize)
	assert.True(t, got.CreatedAt.Equal(root.CreatedAt))
}

func (suite *StoreTestSuite) TestUpdate_RollbackOnError(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx metadata.Transaction) error {
		if err := tx.PutNode(metadata.NewChildRecord(root, "ghost", "", metadata.KindNode)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = metadata.LookupChild(ctx, s, root.ID, "ghost")
	assert.True(t, metadata.IsNotFoundError(err), "failed update must leave no trace")
}

func (suite *StoreTestSuite) TestInvalidateTreeSize_WalksAncestors(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")
	mid := newChild(t, s, root, "mid", metadata.KindNode)
	leaf := newChild(t, s, mid, "leaf", metadata.KindFile)
	sibling := newChild(t, s, root, "sibling", metadata.KindNode)

	require.NoError(t, metadata.InvalidateTreeSize(ctx, s, leaf.ID))

	for _, id := range []metadata.NodeID{root.ID, mid.ID, leaf.ID} {
		n, err := metadata.GetNode(ctx, s, id)
		require.NoError(t, err)
		assert.False(t, n.SizeValid, "node %s should be invalid", n.Name)
		assert.EqualValues(t, 1, n.SizeGen)
	}

	n, err := metadata.GetNode(ctx, s, sibling.ID)
	require.NoError(t, err)
	assert.True(t, n.SizeValid, "siblings are untouched")
}

func (suite *StoreTestSuite) TestView_RejectsWrites(t *testing.T) {
	s := suite.store(t)
	root := newRoot(t, s, "au1")

	err := s.View(context.Background(), func(tx metadata.Transaction) error {
		return tx.PutNode(root)
	})
	assert.Error(t, err)
}
