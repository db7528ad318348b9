package testing

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/auvault/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (suite *StoreTestSuite) RunVersionTests(t *testing.T) {
	t.Run("PutVersion_RoundTrip", suite.TestPutVersion_RoundTrip)
	t.Run("PutVersion_RequiresFile", suite.TestPutVersion_RequiresFile)
	t.Run("UpdateVersion_Deleted", suite.TestUpdateVersion_Deleted)
	t.Run("ListVersions_Ordered", suite.TestListVersions_Ordered)
}

func (suite *StoreTestSuite) RunBlobTests(t *testing.T) {
	t.Run("SetBlob_GetBlob", suite.TestSetBlob_GetBlob)
	t.Run("SetBlob_NilDeletes", suite.TestSetBlob_NilDeletes)
	t.Run("SetBlob_MissingNode", suite.TestSetBlob_MissingNode)
}

func (suite *StoreTestSuite) RunLifecycleTests(t *testing.T) {
	t.Run("Healthcheck", suite.TestHealthcheck)
	t.Run("ClosedStore", suite.TestClosedStore)
}

func (suite *StoreTestSuite) TestPutVersion_RoundTrip(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")
	file := newChild(t, s, root, "f", metadata.KindFile)

	committed := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	v := &metadata.VersionRecord{
		ID:          7,
		FileID:      file.ID,
		Previous:    3,
		Locked:      true,
		ContentSize: 100,
		Location: metadata.ContentLocation{
			Stem: "au1/WARC", Segment: 2, Offset: 512, RecordLength: 700, Length: 100,
		},
		ContentType: "text/html",
		Headers:     map[string]string{"X-Lockss-Checksum": "abc"},
		CreatedAt:   committed.Add(-time.Second),
		CommittedAt: committed,
	}
	require.NoError(t, s.Update(ctx, func(tx metadata.Transaction) error {
		return tx.PutVersion(v)
	}))

	got, err := metadata.GetVersion(ctx, s, file.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, v.Location, got.Location)
	assert.Equal(t, v.Headers, got.Headers)
	assert.Equal(t, "text/html", got.ContentType)
	assert.Equal(t, metadata.VersionID(3), got.Previous)
	assert.True(t, got.Locked)
	assert.True(t, got.HasContent())
	assert.True(t, got.CommittedAt.Equal(committed))

	_, err = metadata.GetVersion(ctx, s, file.ID, 8)
	assert.True(t, metadata.IsNotFoundError(err))
}

func (suite *StoreTestSuite) TestPutVersion_RequiresFile(t *testing.T) {
	s := suite.store(t)
	root := newRoot(t, s, "au1")

	err := s.Update(context.Background(), func(tx metadata.Transaction) error {
		return tx.PutVersion(&metadata.VersionRecord{ID: 1, FileID: root.ID})
	})
	assert.True(t, metadata.HasCode(err, metadata.ErrWrongKind), "got %v", err)

	err = s.Update(context.Background(), func(tx metadata.Transaction) error {
		return tx.PutVersion(&metadata.VersionRecord{ID: 1, FileID: metadata.NewNodeID()})
	})
	assert.True(t, metadata.IsNotFoundError(err), "got %v", err)
}

func (suite *StoreTestSuite) TestUpdateVersion_Deleted(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")
	file := newChild(t, s, root, "f", metadata.KindFile)

	require.NoError(t, s.Update(ctx, func(tx metadata.Transaction) error {
		return tx.PutVersion(&metadata.VersionRecord{ID: 1, FileID: file.ID, ContentSize: metadata.SizeUnknown})
	}))

	_, err := metadata.UpdateVersion(ctx, s, file.ID, 1, func(v *metadata.VersionRecord) error {
		v.Deleted = true
		return nil
	})
	require.NoError(t, err)

	got, err := metadata.GetVersion(ctx, s, file.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.False(t, got.HasContent())
}

func (suite *StoreTestSuite) TestSetBlob_GetBlob(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")

	require.NoError(t, metadata.SetBlob(ctx, s, root.ID, "au_state", []byte{1, 2, 3}))
	got, err := metadata.GetBlob(ctx, s, root.ID, "au_state")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, metadata.SetBlob(ctx, s, root.ID, "au_state", []byte{9}))
	got, err = metadata.GetBlob(ctx, s, root.ID, "au_state")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got)

	_, err = metadata.GetBlob(ctx, s, root.ID, "other")
	assert.True(t, metadata.IsNotFoundError(err))
}

func (suite *StoreTestSuite) TestSetBlob_NilDeletes(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")

	require.NoError(t, metadata.SetBlob(ctx, s, root.ID, "x", []byte("v")))
	require.NoError(t, metadata.SetBlob(ctx, s, root.ID, "x", nil))

	_, err := metadata.GetBlob(ctx, s, root.ID, "x")
	assert.True(t, metadata.IsNotFoundError(err))
}

func (suite *StoreTestSuite) TestSetBlob_MissingNode(t *testing.T) {
	s := suite.store(t)

	err := metadata.SetBlob(context.Background(), s, metadata.NewNodeID(), "x", []byte("v"))
	assert.True(t, metadata.IsNotFoundError(err))
}

func (suite *StoreTestSuite) TestHealthcheck(t *testing.T) {
	s := suite.store(t)
	assert.NoError(t, s.Healthcheck(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Healthcheck(ctx), context.Canceled)
}

func (suite *StoreTestSuite) TestClosedStore(t *testing.T) {
	s := suite.NewStore(t)
	require.NoError(t, s.Close())

	err := s.View(context.Background(), func(tx metadata.Transaction) error { return nil })
	assert.True(t, metadata.HasCode(err, metadata.ErrStoreClosed), "got %v", err)
	assert.Error(t, s.Healthcheck(context.Background()))
}

func (suite *StoreTestSuite) TestListVersions_Ordered(t *testing.T) {
	s := suite.store(t)
	ctx := context.Background()
	root := newRoot(t, s, "au1")
	file := newChild(t, s, root, "f", metadata.KindFile)
	other := newChild(t, s, root, "g", metadata.KindFile)

	require.NoError(t, s.Update(ctx, func(tx metadata.Transaction) error {
		for _, id := range []metadata.VersionID{30, 10, 20} {
			if err := tx.PutVersion(&metadata.VersionRecord{ID: id, FileID: file.ID, ContentSize: metadata.SizeUnknown}); err != nil {
				return err
			}
		}
		// Written in the same transaction, visible before commit.
		listed, err := tx.ListVersions(file.ID)
		if err != nil {
			return err
		}
		assert.Len(t, listed, 3)
		return tx.PutVersion(&metadata.VersionRecord{ID: 15, FileID: other.ID})
	}))

	versions, err := metadata.ListVersions(ctx, s, file.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, metadata.VersionID(10), versions[0].ID)
	assert.Equal(t, metadata.VersionID(20), versions[1].ID)
	assert.Equal(t, metadata.VersionID(30), versions[2].ID)

	_, err = metadata.ListVersions(ctx, s, "missing")
	assert.True(t, metadata.IsNotFoundError(err))
}
