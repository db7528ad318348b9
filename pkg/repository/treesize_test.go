package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sizeValid(t *testing.T, n *Node) bool {
	t.Helper()
	rec, err := n.Record(context.Background())
	require.NoError(t, err)
	return rec.SizeValid
}

func TestInvalidationPropagatesToRoot(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	f := getFile(t, au, "http://example.org/a/b/c")
	writeVersion(t, f, strings.Repeat("x", 10))

	size, err := au.Root().TreeSize(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	a, err := au.GetNode(ctx, "http://example.org/a", false)
	require.NoError(t, err)
	b, err := au.GetNode(ctx, "http://example.org/a/b", false)
	require.NoError(t, err)

	chain := []*Node{&f.Node, b, a, au.Root()}
	for _, n := range chain {
		assert.True(t, sizeValid(t, n), n.NodeURL())
	}

	_, err = f.CreateNewVersion(ctx)
	require.NoError(t, err)
	for _, n := range chain {
		assert.False(t, sizeValid(t, n), n.NodeURL())
	}

	// Without calcIfUnknown the stale value comes back and nothing is
	// recomputed.
	stale, err := a.TreeSize(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stale)
	assert.False(t, sizeValid(t, a))

	// The editing head is preferred now and has no content yet.
	fresh, err := a.TreeSize(ctx, nil, true)
	require.NoError(t, err)
	assert.Zero(t, fresh)
	for _, n := range []*Node{&f.Node, b, a} {
		assert.True(t, sizeValid(t, n), n.NodeURL())
	}
	assert.False(t, sizeValid(t, au.Root()), "recomputing a subtree leaves ancestors alone")
}

func TestTreeSizeModes(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)

	f1 := getFile(t, au, "http://example.org/a/1")
	writeVersion(t, f1, strings.Repeat("x", 100))
	writeVersion(t, f1, strings.Repeat("x", 200))
	f2 := getFile(t, au, "http://example.org/b/2")
	writeVersion(t, f2, strings.Repeat("y", 50))

	preferred, err := au.TreeContentSize(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(250), preferred)

	all, err := au.Root().TreeSizeMode(ctx, nil, true, false)
	require.NoError(t, err)
	assert.Equal(t, int64(350), all)

	filtered, err := au.TreeContentSize(ctx, PrefixFilter{Prefix: "http://example.org/b"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(50), filtered)

	single, err := au.TreeContentSize(ctx, SingleNodeFilter{URL: "http://example.org/a/1"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(200), single)

	usage, err := au.RepoDiskUsage(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(250), usage)

	// Filtered and all-version results are never cached, so the preferred
	// cache still holds the unfiltered total.
	rec, err := au.Root().Record(ctx)
	require.NoError(t, err)
	assert.True(t, rec.SizeValid)
	assert.Equal(t, int64(250), rec.TreeSize)
}

func TestTreeSizeRejectedByFilter(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	f := getFile(t, au, "http://example.org/a/1")
	writeVersion(t, f, "data")

	size, err := f.TreeSize(ctx, PrefixFilter{Prefix: "http://other.org"}, true)
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.False(t, sizeValid(t, &f.Node))
}

func TestTreeSizeOfFileWithoutPreferredVersion(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	f := getFile(t, au, "http://example.org/a/1")
	v := writeVersion(t, f, "data")
	require.NoError(t, v.Delete(ctx))

	size, err := au.TreeContentSize(ctx, nil, true)
	require.NoError(t, err)
	assert.Zero(t, size)

	total, err := au.Root().TreeSizeMode(ctx, nil, true, false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total, "deleted versions still count towards the total")
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	au := newTestAU(t)
	n, err := au.GetNode(ctx, "http://example.org/a", true)
	require.NoError(t, err)

	_, err = au.Root().TreeSize(ctx, nil, true)
	require.NoError(t, err)
	require.True(t, sizeValid(t, au.Root()))

	require.NoError(t, n.Invalidate(ctx))
	assert.False(t, sizeValid(t, n))
	assert.False(t, sizeValid(t, au.Root()))
}
