package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/marmos91/auvault/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFileTerminalRules(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)

	tests := []struct {
		url       string
		parentURL string
	}{
		{url: "http://host-only.org", parentURL: "http://"},
		{url: "http://example.org/a/b.pdf", parentURL: "http://example.org/a"},
		{url: "http://example.org/a/cgi?id=7", parentURL: "http://example.org/a/cgi"},
		{url: "http://query.org?x=1", parentURL: "http://query.org"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			f, err := au.GetFile(ctx, tt.url, true)
			require.NoError(t, err)
			assert.True(t, f.IsFile())
			assert.Equal(t, tt.url, f.NodeURL())

			rec, err := f.Record(ctx)
			require.NoError(t, err)
			parent, err := metadata.GetNode(ctx, au.shard.meta, rec.ParentID)
			require.NoError(t, err)
			assert.Equal(t, tt.parentURL, parent.URL)
			assert.Equal(t, metadata.KindNode, parent.Kind)

			again, err := au.GetFile(ctx, tt.url, false)
			require.NoError(t, err)
			assert.Equal(t, f.ID(), again.ID())
		})
	}
}

func TestGetNodeMakesEveryLevelInternal(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)

	n, err := au.GetNode(ctx, "http://example.org/a/b?q=1", true)
	require.NoError(t, err)
	assert.False(t, n.IsFile())
	assert.Equal(t, "http://example.org/a/b?q=1", n.NodeURL())

	b, err := au.GetNode(ctx, "http://example.org/a/b", false)
	require.NoError(t, err)
	count, err := b.ChildCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	getFile(t, au, "http://example.org/a/b.pdf")

	_, err := au.GetFile(ctx, "http://example.org/a/missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrStructural)

	_, err = au.GetFile(ctx, "not a url", true)
	assert.ErrorIs(t, err, ErrStructural)
	assert.NotErrorIs(t, err, ErrNotFound)

	// b.pdf is a file, so it cannot be an intermediate level.
	_, err = au.GetFile(ctx, "http://example.org/a/b.pdf/c", true)
	assert.ErrorIs(t, err, ErrWrongKind)

	// a is an internal node, so it cannot be a file.
	_, err = au.GetFile(ctx, "http://example.org/a", false)
	assert.ErrorIs(t, err, ErrWrongKind)
	_, err = au.GetFile(ctx, "http://example.org/a", true)
	assert.ErrorIs(t, err, ErrWrongKind)

	var repoErr *Error
	require.ErrorAs(t, err, &repoErr)
	assert.Equal(t, "http://example.org/a", repoErr.URL)
}

func TestFailedLookupCreatesNothing(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)

	_, err := au.GetFile(ctx, "http://example.org/a/b", false)
	require.ErrorIs(t, err, ErrNotFound)

	count, err := au.Root().ChildCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAuRepositoryHandlesAreShared(t *testing.T) {
	ctx := context.Background()
	shard := newTestShard(t)

	a, err := shard.AuRepository(ctx, "au-1")
	require.NoError(t, err)
	b, err := shard.AuRepository(ctx, "au-1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "au-1/WARC", a.Stem())

	has, err := shard.HasAU(ctx, "au-1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = shard.HasAU(ctx, "au-2")
	require.NoError(t, err)
	assert.False(t, has)

	ids, err := shard.AuIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"au-1"}, ids)
}

func TestCreationTimeIsStable(t *testing.T) {
	ctx := context.Background()
	shard := newTestShard(t)

	before := time.Now().Add(-time.Second)
	au, err := shard.AuRepository(ctx, "au")
	require.NoError(t, err)
	created := au.CreationTime()
	assert.True(t, created.After(before))

	reopened, err := openAuRepository(ctx, shard, "au")
	require.NoError(t, err)
	assert.True(t, created.Equal(reopened.CreationTime()))
}

func TestAuBlobs(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)

	state, err := au.LoadAuState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state)
	require.NoError(t, au.StoreAuState(ctx, []byte("state-v1")))
	state, err = au.LoadAuState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v1"), state)

	agreements := []IdentityAgreement{
		{PeerID: "TCP:[10.0.0.1]:9729", PercentAgreement: 0.75, HighestPercentAgreement: 1, LastAgree: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		{PeerID: "TCP:[10.0.0.2]:9729", PercentAgreement: 0.1},
	}
	require.NoError(t, au.StoreIdentityAgreements(ctx, agreements))
	loaded, err := au.LoadIdentityAgreements(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(agreements, loaded); diff != "" {
		t.Errorf("identity agreements mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, au.StorePeerIDSet(ctx, []string{"b", "a", "b", ""}))
	peers, err := au.LoadPeerIDSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, peers)
}

func TestNodeBlobs(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	n, err := au.GetNode(ctx, "http://example.org/dir", true)
	require.NoError(t, err)

	require.NoError(t, n.StoreNodeState(ctx, []byte{1, 2, 3}))
	require.NoError(t, n.StorePollHistories(ctx, []byte("histories")))
	require.NoError(t, n.StoreAgreeingPeerIDs(ctx, []string{"z", "y"}))

	state, err := n.LoadNodeState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, state)

	histories, err := n.LoadPollHistories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("histories"), histories)

	peers, err := n.LoadAgreeingPeerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, peers)

	require.NoError(t, n.SetProperties(ctx, map[string]string{"k": "v"}))
	props, err := n.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, props)
}

func TestFileList(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)

	for _, url := range []string{
		"http://example.org/b/2.html",
		"http://example.org/a/1.html",
		"http://example.org/b/1.html",
		"http://other.org/x",
	} {
		writeVersion(t, getFile(t, au, url), url)
	}
	gone := getFile(t, au, "http://example.org/a/gone.html")
	writeVersion(t, gone, "gone")
	require.NoError(t, gone.Delete(ctx))

	urls := func(files []*File) []string {
		out := make([]string, len(files))
		for i, f := range files {
			out[i] = f.NodeURL()
		}
		return out
	}

	files, err := au.FileList(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://example.org/a/1.html",
		"http://example.org/b/1.html",
		"http://example.org/b/2.html",
		"http://other.org/x",
	}, urls(files))

	files, err = au.FileList(ctx, PrefixFilter{Prefix: "http://example.org/a"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://example.org/a/1.html",
		"http://example.org/a/gone.html",
	}, urls(files))

	// A deleted internal node hides its subtree.
	b, err := au.GetNode(ctx, "http://example.org/b", false)
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx))
	files, err = au.FileList(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.org/a/1.html", "http://other.org/x"}, urls(files))

	deleted, err := b.IsDeleted(ctx)
	require.NoError(t, err)
	assert.True(t, deleted)
	require.NoError(t, b.Undelete(ctx))
}

func TestNodeMoveRecurses(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	f1 := getFile(t, au, "http://example.org/a/1")
	f2 := getFile(t, au, "http://example.org/a/b/2")
	v1 := writeVersion(t, f1, "one")
	v2 := writeVersion(t, f2, "two")

	a, err := au.GetNode(ctx, "http://example.org/a", false)
	require.NoError(t, err)
	require.NoError(t, a.Move(ctx, "archive/a/WARC"))

	for _, n := range []*Node{a, &f1.Node, &f2.Node} {
		stem, err := n.Stem(ctx)
		require.NoError(t, err)
		assert.Equal(t, "archive/a/WARC", stem)
	}
	assert.Equal(t, "one", readVersion(t, v1))
	assert.Equal(t, "two", readVersion(t, v2))

	// Nodes created later under a inherit the new stem.
	f3 := getFile(t, au, "http://example.org/a/3")
	stem, err := f3.Stem(ctx)
	require.NoError(t, err)
	assert.Equal(t, "archive/a/WARC", stem)
}

func TestCheckConsistency(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	f := getFile(t, au, "http://example.org/a")
	v1 := writeVersion(t, f, "one")
	writeVersion(t, f, "two")
	require.NoError(t, f.SetPreferredVersion(ctx, v1))

	report, err := au.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %v", report.Issues)
	assert.Equal(t, 1, report.Files)
	assert.Equal(t, 2, report.Versions)

	// Remove the segment holding both versions and add a version no chain
	// reaches.
	rec, err := v1.Record(ctx)
	require.NoError(t, err)
	path, err := au.shard.segments.SegmentPath(rec.Location.Stem, rec.Location.Segment)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	orphan := &metadata.VersionRecord{ID: nextVersionID(), FileID: f.ID(), ContentSize: metadata.SizeUnknown}
	require.NoError(t, au.shard.meta.Update(ctx, func(tx metadata.Transaction) error {
		return tx.PutVersion(orphan)
	}))

	report, err = au.CheckConsistency(ctx)
	require.NoError(t, err)
	kinds := map[IssueKind]int{}
	for _, issue := range report.Issues {
		kinds[issue.Kind]++
	}
	assert.Equal(t, 2, kinds[IssueMissingSegment])
	assert.Equal(t, 1, kinds[IssueUnreachable])
}
