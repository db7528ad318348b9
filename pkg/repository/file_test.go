package repository

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSizesAcrossVersions(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	f := getFile(t, au, "http://example.org/a/b.pdf")

	v1 := writeVersion(t, f, strings.Repeat("x", 100))
	require.NoError(t, f.SetPreferredVersion(ctx, v1))
	v2 := writeVersion(t, f, strings.Repeat("y", 200))
	require.NoError(t, f.SetPreferredVersion(ctx, v2))

	preferred, err := f.ContentSize(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(200), preferred)

	total, err := f.ContentSize(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(300), total)

	versions, err := f.Versions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, v2.ID(), versions[0].ID())
	assert.Equal(t, v1.ID(), versions[1].ID())

	// Second reads come from the cache and agree.
	cached, err := f.ContentSize(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(200), cached)
}

func TestVersionImmutableAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")
	v := writeVersion(t, f, "committed")

	before, err := v.Record(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, v.SetContent(ctx, strings.NewReader("other")), ErrVersionAlreadyCommitted)
	assert.ErrorIs(t, v.Commit(ctx), ErrVersionAlreadyCommitted)
	assert.ErrorIs(t, v.Discard(ctx), ErrVersionAlreadyCommitted)
	assert.ErrorIs(t, v.SetHeaders(ctx, map[string]string{"X-Test": "1"}), ErrVersionAlreadyCommitted)

	after, err := v.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.ContentSize, after.ContentSize)
	assert.Equal(t, before.Location, after.Location)
	assert.Equal(t, "committed", readVersion(t, v))

	// Delete and undelete stay legal.
	require.NoError(t, v.Delete(ctx))
	require.NoError(t, v.Undelete(ctx))
}

func TestCommitFromSecondHandleFails(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")

	v, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)
	other, err := f.Version(ctx, v.ID())
	require.NoError(t, err)

	require.NoError(t, v.SetContent(ctx, strings.NewReader("first")))
	require.NoError(t, v.Commit(ctx))

	assert.ErrorIs(t, other.SetContent(ctx, strings.NewReader("second")), ErrVersionAlreadyCommitted)
	assert.ErrorIs(t, other.Commit(ctx), ErrVersionAlreadyCommitted)
	assert.Equal(t, "first", readVersion(t, other))
}

func TestCommitWithoutContent(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/empty")

	v, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)
	require.NoError(t, v.Commit(ctx))

	locked, err := v.IsLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	size, err := v.ContentSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	hasContent, err := v.HasContent(ctx)
	require.NoError(t, err)
	assert.True(t, hasContent)
	assert.Equal(t, "", readVersion(t, v))
}

func TestDiscardKeepsVersionEditable(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")

	v, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)
	require.NoError(t, v.SetContent(ctx, strings.NewReader("draft")))

	size, err := v.ContentSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, v.Discard(ctx))
	size, err = v.ContentSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, v.SetContent(ctx, strings.NewReader("final")))
	require.NoError(t, v.Commit(ctx))
	assert.Equal(t, "final", readVersion(t, v))
}

func TestUncommittedVersionHasNoContent(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")

	v, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)

	_, err = v.Open(ctx)
	assert.ErrorIs(t, err, ErrNoContent)

	has, err := v.HasContent(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSpilledContentRoundTrip(t *testing.T) {
	ctx := context.Background()
	shard := newTestShardWith(t, content.Config{SpillThreshold: 16})
	au, err := shard.AuRepository(ctx, "au")
	require.NoError(t, err)
	f := getFile(t, au, "http://example.org/big")

	data := strings.Repeat("0123456789", 100)
	v := writeVersion(t, f, data)

	assert.Equal(t, data, readVersion(t, v))
	require.NoError(t, v.Verify(ctx))
}

func TestHeadersWrittenWithContent(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")

	v, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, v.SetHeaders(ctx, map[string]string{"WARC-Date": "x"}), content.ErrInvalidHeader)
	require.NoError(t, v.SetHeaders(ctx, map[string]string{"X-Lockss-Checksum": "abc"}))
	require.NoError(t, v.SetContent(ctx, strings.NewReader("body")))
	require.NoError(t, v.Commit(ctx))

	headers, err := v.Headers(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Lockss-Checksum": "abc"}, headers)

	rec, err := v.Record(ctx)
	require.NoError(t, err)
	rc, hdr, err := f.au.shard.segments.Open(ctx, rec.Location)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "abc", hdr.Extra["X-Lockss-Checksum"])
	assert.Equal(t, "http://example.org/page.html", hdr.TargetURI)
}

func TestContentTypeWrittenWithContent(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")

	plain := writeVersion(t, f, "no type")
	contentType, err := plain.ContentType(ctx)
	require.NoError(t, err)
	assert.Equal(t, content.DefaultContentType, contentType)

	v, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, v.SetContentType(ctx, "text/html\r\nX-Evil: 1"), content.ErrInvalidHeader)
	assert.ErrorIs(t, v.SetHeaders(ctx, map[string]string{"Content-Type": "text/html"}), content.ErrInvalidHeader)
	require.NoError(t, v.SetContentType(ctx, "text/html; charset=utf-8"))
	require.NoError(t, v.SetContent(ctx, strings.NewReader("<html></html>")))
	require.NoError(t, v.Commit(ctx))

	assert.ErrorIs(t, v.SetContentType(ctx, "text/plain"), ErrVersionAlreadyCommitted)

	contentType, err = v.ContentType(ctx)
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", contentType)
	assert.Equal(t, "<html></html>", readVersion(t, v))

	rec, err := v.Record(ctx)
	require.NoError(t, err)
	rc, hdr, err := f.au.shard.segments.Open(ctx, rec.Location)
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", hdr.ContentType)
	require.NoError(t, rc.Close())

	// Move re-appends the record with its content type.
	require.NoError(t, f.Move(ctx, "moved/WARC"))
	rec, err = v.Record(ctx)
	require.NoError(t, err)
	rc, hdr, err = f.au.shard.segments.Open(ctx, rec.Location)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "moved/WARC", rec.Location.Stem)
	assert.Equal(t, "text/html; charset=utf-8", hdr.ContentType)
}

func TestAbandonKeepsPreferredVersion(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")
	old := writeVersion(t, f, "old")

	v, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)
	require.NoError(t, v.SetContent(ctx, strings.NewReader("never committed")))
	require.NoError(t, v.Abandon(ctx))

	preferred, err := f.PreferredVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, old.ID(), preferred.ID())
	assert.Equal(t, "old", readVersion(t, preferred))

	size, err := f.ContentSize(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	deleted, err := f.IsDeleted(ctx)
	require.NoError(t, err)
	assert.False(t, deleted)

	staged, err := v.ContentSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, staged)

	assert.ErrorIs(t, old.Abandon(ctx), ErrVersionAlreadyCommitted)
}

func TestSetContentRacingCommitLeavesNoStaging(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")

	for i := 0; i < 20; i++ {
		v, err := f.CreateNewVersion(ctx)
		require.NoError(t, err)
		require.NoError(t, v.SetContent(ctx, strings.NewReader("first")))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Commit(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = v.SetContent(ctx, strings.NewReader("second"))
		}()
		wg.Wait()

		locked, err := v.IsLocked(ctx)
		require.NoError(t, err)
		require.True(t, locked)

		// Content staged after the commit would never be released.
		v.mu.Lock()
		staging := v.staging
		v.mu.Unlock()
		assert.Nil(t, staging, "iteration %d", i)
	}
}

func TestPreferredVersionDefault(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")

	none, err := f.PreferredVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	v1 := writeVersion(t, f, "one")
	v2 := writeVersion(t, f, "two")
	v3 := writeVersion(t, f, "three")

	preferred, err := f.PreferredVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, v3.ID(), preferred.ID())

	require.NoError(t, v3.Delete(ctx))
	require.NoError(t, v2.Delete(ctx))
	preferred, err = f.PreferredVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, preferred)
	assert.Equal(t, v1.ID(), preferred.ID())

	require.NoError(t, v1.Delete(ctx))
	preferred, err = f.PreferredVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, preferred)

	_, err = f.ContentSize(ctx, true)
	assert.ErrorIs(t, err, ErrNoPreferredVersion)
	assert.ErrorIs(t, f.Delete(ctx), ErrNoPreferredVersion)
}

func TestDeletionFollowsPreferredVersion(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/page.html")

	deleted, err := f.IsDeleted(ctx)
	require.NoError(t, err)
	assert.False(t, deleted, "a file without versions is not deleted")

	v1 := writeVersion(t, f, "one")
	v2 := writeVersion(t, f, "two")
	require.NoError(t, f.SetPreferredVersion(ctx, v1))

	// The explicit choice holds even though v2 is live.
	require.NoError(t, v1.Delete(ctx))
	deleted, err = f.IsDeleted(ctx)
	require.NoError(t, err)
	assert.True(t, deleted)

	require.NoError(t, v1.Undelete(ctx))
	deleted, err = f.IsDeleted(ctx)
	require.NoError(t, err)
	assert.False(t, deleted)

	// File-level delete acts on the preferred version.
	require.NoError(t, f.Delete(ctx))
	v1Deleted, err := v1.IsDeleted(ctx)
	require.NoError(t, err)
	assert.True(t, v1Deleted)
	v2Deleted, err := v2.IsDeleted(ctx)
	require.NoError(t, err)
	assert.False(t, v2Deleted)

	require.NoError(t, f.Undelete(ctx))
	deleted, err = f.IsDeleted(ctx)
	require.NoError(t, err)
	assert.False(t, deleted)
}

type foreignVersion struct{}

func (foreignVersion) ID() metadata.VersionID { return 1 }

func TestSetPreferredVersionValidation(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	f := getFile(t, au, "http://example.org/a")
	other := getFile(t, au, "http://example.org/b")

	committed := writeVersion(t, f, "one")
	editing, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)
	otherVersion := writeVersion(t, other, "other")

	assert.ErrorIs(t, f.SetPreferredVersion(ctx, editing), ErrInvalidPreferredVersion)
	assert.ErrorIs(t, f.SetPreferredVersion(ctx, otherVersion), ErrInvalidPreferredVersion)
	assert.ErrorIs(t, f.SetPreferredVersion(ctx, foreignVersion{}), ErrWrongVersionImplementation)

	foreignShard := newTestShard(t)
	foreignAU, err := foreignShard.AuRepository(ctx, "other-au")
	require.NoError(t, err)
	foreign := writeVersion(t, getFile(t, foreignAU, "http://example.org/a"), "x")
	assert.ErrorIs(t, f.SetPreferredVersion(ctx, foreign), ErrWrongVersionImplementation)

	require.NoError(t, f.SetPreferredVersion(ctx, committed))
	preferred, err := f.PreferredVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, committed.ID(), preferred.ID())
}

func TestExplicitNoPreferredVersion(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/a")
	v := writeVersion(t, f, "one")

	require.NoError(t, f.SetPreferredVersion(ctx, nil))
	preferred, err := f.PreferredVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, preferred)

	has, err := f.HasContent(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, f.ClearPreferredVersion(ctx))
	preferred, err = f.PreferredVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, preferred)
	assert.Equal(t, v.ID(), preferred.ID())
}

func TestCreateNewVersionBefore(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/a")

	v1 := writeVersion(t, f, "one")
	v2 := writeVersion(t, f, "two")
	v3 := writeVersion(t, f, "three")

	inserted, err := f.CreateNewVersionBefore(ctx, v2)
	require.NoError(t, err)

	assert.Equal(t, []int64{int64(v3.ID()), int64(v2.ID()), int64(inserted.ID()), int64(v1.ID())}, versionIDs(t, f))

	oldest, err := f.CreateNewVersionBefore(ctx, v1)
	require.NoError(t, err)
	ids := versionIDs(t, f)
	assert.Equal(t, int64(oldest.ID()), ids[len(ids)-1])

	prev, err := oldest.Previous(ctx)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = f.CreateNewVersionBefore(ctx, foreignVersion{})
	assert.ErrorIs(t, err, ErrWrongVersionImplementation)
}

func TestListVersionsLimit(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/a")
	for _, body := range []string{"1", "22", "333", "4444"} {
		writeVersion(t, f, body)
	}

	two, err := f.ListVersions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "4444", readVersion(t, two[0]))
	assert.Equal(t, "333", readVersion(t, two[1]))

	all, err := f.ListVersions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestVersionIDsIncrease(t *testing.T) {
	var last metadata.VersionID
	for i := 0; i < 1000; i++ {
		id := nextVersionID()
		require.Greater(t, int64(id), int64(last))
		last = id
	}
}

func TestUncommittedVersionsCountAsEmpty(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/a")
	writeVersion(t, f, "12345")
	_, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)

	total, err := f.ContentSize(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	// The editing head is the newest live version, so it is preferred.
	preferred, err := f.ContentSize(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, preferred)
}

func TestFileMove(t *testing.T) {
	ctx := context.Background()
	f := getFile(t, newTestAU(t), "http://example.org/a")
	v1 := writeVersion(t, f, "one")
	v2 := writeVersion(t, f, "two")

	require.NoError(t, f.Move(ctx, "moved/WARC"))

	for _, v := range []*Version{v1, v2} {
		rec, err := v.Record(ctx)
		require.NoError(t, err)
		assert.Equal(t, "moved/WARC", rec.Location.Stem)
	}
	assert.Equal(t, "one", readVersion(t, v1))
	assert.Equal(t, "two", readVersion(t, v2))

	v3 := writeVersion(t, f, "three")
	rec, err := v3.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, "moved/WARC", rec.Location.Stem)

	assert.ErrorIs(t, f.Move(ctx, "../outside"), content.ErrInvalidStem)
}
