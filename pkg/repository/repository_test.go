package repository

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata/memory"
	"github.com/stretchr/testify/require"
)

func newTestShard(t *testing.T) *Shard {
	t.Helper()
	return newTestShardWith(t, content.Config{MaxSegmentSize: 1 << 20})
}

func newTestShardWith(t *testing.T, cfg content.Config) *Shard {
	t.Helper()
	if cfg.RootDir == "" {
		cfg.RootDir = t.TempDir()
	}
	segments, err := content.NewSegmentStore(context.Background(), cfg)
	require.NoError(t, err)

	shard, err := NewShard(ShardConfig{
		Name:     "test",
		Metadata: memory.NewMemoryMetadataStore(),
		Segments: segments,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shard.Close() })
	return shard
}

func newTestAU(t *testing.T) *AuRepository {
	t.Helper()
	au, err := newTestShard(t).AuRepository(context.Background(), "org|lockss|plugin|TestPlugin&base_url~http%3A%2F%2Fexample%2Eorg%2F")
	require.NoError(t, err)
	return au
}

func getFile(t *testing.T, au *AuRepository, url string) *File {
	t.Helper()
	f, err := au.GetFile(context.Background(), url, true)
	require.NoError(t, err)
	return f
}

// writeVersion creates, fills and commits a new head version.
func writeVersion(t *testing.T, f *File, data string) *Version {
	t.Helper()
	ctx := context.Background()

	v, err := f.CreateNewVersion(ctx)
	require.NoError(t, err)
	require.NoError(t, v.SetContent(ctx, strings.NewReader(data)))
	require.NoError(t, v.Commit(ctx))
	return v
}

func readVersion(t *testing.T, v *Version) string {
	t.Helper()
	rc, err := v.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()

	var buf bytes.Buffer
	_, err = io.Copy(&buf, rc)
	require.NoError(t, err)
	return buf.String()
}

func versionIDs(t *testing.T, f *File) []int64 {
	t.Helper()
	versions, err := f.Versions(context.Background())
	require.NoError(t, err)
	out := make([]int64, len(versions))
	for i, v := range versions {
		out[i] = int64(v.ID())
	}
	return out
}
