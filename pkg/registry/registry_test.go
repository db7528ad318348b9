package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marmos91/auvault/pkg/repository"
	"github.com/marmos91/auvault/pkg/store/content"
	"github.com/marmos91/auvault/pkg/store/metadata/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShard(t *testing.T, name string) *repository.Shard {
	t.Helper()
	segments, err := content.NewSegmentStore(context.Background(), content.Config{RootDir: t.TempDir()})
	require.NoError(t, err)
	shard, err := repository.NewShard(repository.ShardConfig{
		Name:     name,
		Metadata: memory.NewMemoryMetadataStore(),
		Segments: segments,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shard.Close() })
	return shard
}

// countingOpener opens in-memory shards and counts calls.
type countingOpener struct {
	t     *testing.T
	calls int
	fail  error
}

func (o *countingOpener) open(ctx context.Context, key, location string) (*repository.Shard, error) {
	o.calls++
	if o.fail != nil {
		return nil, o.fail
	}
	return newShard(o.t, key), nil
}

func TestChooseShardRoundRobin(t *testing.T) {
	r := New(Config{})
	s1, s2, s3 := newShard(t, "s1"), newShard(t, "s2"), newShard(t, "s3")
	require.NoError(t, r.AddShard("s1", s1))
	require.NoError(t, r.AddShard("s2", s2))
	require.NoError(t, r.AddShard("s3", s3))

	for _, want := range []*repository.Shard{s1, s2, s3, s1} {
		got, err := r.ChooseShard()
		require.NoError(t, err)
		assert.Same(t, want, got)
	}
}

func TestChooseShardWrapsAfterRemoval(t *testing.T) {
	r := New(Config{})
	s1, s2, s3 := newShard(t, "s1"), newShard(t, "s2"), newShard(t, "s3")
	require.NoError(t, r.AddShard("s1", s1))
	require.NoError(t, r.AddShard("s2", s2))
	require.NoError(t, r.AddShard("s3", s3))

	for i := 0; i < 4; i++ {
		_, err := r.ChooseShard()
		require.NoError(t, err)
	}

	require.NoError(t, r.RemoveShard("s2"))
	assert.True(t, s2.Closed())
	assert.Equal(t, 2, r.Count())

	for _, want := range []*repository.Shard{s1, s3, s1} {
		got, err := r.ChooseShard()
		require.NoError(t, err)
		assert.Same(t, want, got)
	}
}

func TestCreateShardCapacity(t *testing.T) {
	ctx := context.Background()
	opener := &countingOpener{t: t}
	r := New(Config{MaxShards: 2, Opener: opener.open})

	_, err := r.CreateShard(ctx, "a", "/a")
	require.NoError(t, err)
	_, err = r.CreateShard(ctx, "b", "/b")
	require.NoError(t, err)

	_, err = r.CreateShard(ctx, "c", "/c")
	assert.ErrorIs(t, err, ErrTooManyShards)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"a", "b"}, r.Keys())
	assert.Equal(t, 2, opener.calls, "a full registry opens nothing")

	err = r.AddShard("d", newShard(t, "d"))
	assert.ErrorIs(t, err, ErrTooManyShards)
	assert.Equal(t, 2, r.Count())
}

func TestCreateShardDuplicateKey(t *testing.T) {
	ctx := context.Background()
	opener := &countingOpener{t: t}
	r := New(Config{Opener: opener.open})

	first, err := r.CreateShard(ctx, "a", "/a")
	require.NoError(t, err)

	_, err = r.CreateShard(ctx, "a", "/elsewhere")
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.Equal(t, 1, opener.calls)

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Same(t, first, got)

	err = r.AddShard("a", newShard(t, "other"))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestCreateShardOpenFailureLeavesNoState(t *testing.T) {
	boom := errors.New("disk on fire")
	opener := &countingOpener{t: t, fail: boom}
	r := New(Config{Opener: opener.open})

	_, err := r.CreateShard(context.Background(), "a", "/a")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Keys())
}

func TestCreateShardOpensOutsideLock(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	r := New(Config{MaxShards: 2, Opener: func(ctx context.Context, key, location string) (*repository.Shard, error) {
		close(started)
		<-release
		return newShard(t, key), nil
	}})
	existing := newShard(t, "existing")
	require.NoError(t, r.AddShard("existing", existing))

	type result struct {
		shard *repository.Shard
		err   error
	}
	done := make(chan result, 1)
	go func() {
		shard, err := r.CreateShard(ctx, "slow", "/slow")
		done <- result{shard, err}
	}()
	<-started

	// Lookups proceed while the shard opens.
	lookups := make(chan struct{})
	go func() {
		defer close(lookups)
		got, err := r.Get("existing")
		assert.NoError(t, err)
		assert.Same(t, existing, got)
		_, err = r.ChooseShard()
		assert.NoError(t, err)
	}()
	select {
	case <-lookups:
	case <-time.After(5 * time.Second):
		t.Fatal("lookups blocked by an opening shard")
	}

	// The key and the capacity slot are reserved.
	_, err := r.CreateShard(ctx, "slow", "/elsewhere")
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.ErrorIs(t, r.AddShard("other", newShard(t, "other")), ErrTooManyShards)
	assert.Equal(t, []string{"existing"}, r.Keys())

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "slow", res.shard.Name())
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"existing", "slow"}, r.Keys())
}

func TestCreateShardOpenFailureReleasesReservation(t *testing.T) {
	boom := errors.New("disk on fire")
	opener := &countingOpener{t: t, fail: boom}
	r := New(Config{MaxShards: 1, Opener: opener.open})

	_, err := r.CreateShard(context.Background(), "a", "/a")
	assert.ErrorIs(t, err, boom)

	opener.fail = nil
	shard, err := r.CreateShard(context.Background(), "a", "/a")
	require.NoError(t, err)
	assert.Equal(t, "a", shard.Name())
	assert.Equal(t, 1, r.Count())
}

func TestCreateShardDefaultOpener(t *testing.T) {
	r := New(Config{ShardOptions: repository.ShardOptions{InMemory: true}})
	defer r.Close()

	shard, err := r.CreateShard(context.Background(), "disk-1", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "disk-1", shard.Name())
	assert.Equal(t, DefaultMaxShards, r.MaxShards())
}

func TestGetOrAssign(t *testing.T) {
	r := New(Config{})
	s1, s2 := newShard(t, "s1"), newShard(t, "s2")
	require.NoError(t, r.AddShard("s1", s1))
	require.NoError(t, r.AddShard("s2", s2))

	a, err := r.GetOrAssign("au-a")
	require.NoError(t, err)
	b, err := r.GetOrAssign("au-b")
	require.NoError(t, err)
	again, err := r.GetOrAssign("au-a")
	require.NoError(t, err)

	assert.Same(t, s1, a)
	assert.Same(t, s2, b)
	assert.Same(t, a, again)
	assert.Equal(t, 2, r.Count(), "assigned keys alias existing shards")
	assert.Equal(t, []string{"au-a", "au-b", "s1", "s2"}, r.Keys())
}

func TestLookupErrors(t *testing.T) {
	r := New(Config{})

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrShardNotFound)
	_, err = r.ChooseShard()
	assert.ErrorIs(t, err, ErrNoShards)
	_, err = r.GetOrAssign("au")
	assert.ErrorIs(t, err, ErrNoShards)
	assert.ErrorIs(t, r.RemoveShard("missing"), ErrShardNotFound)
}

func TestAuRepositoryFindsExistingAU(t *testing.T) {
	ctx := context.Background()
	r := New(Config{})
	s1, s2 := newShard(t, "s1"), newShard(t, "s2")
	require.NoError(t, r.AddShard("s1", s1))
	require.NoError(t, r.AddShard("s2", s2))

	// The AU already lives in s2, as it would after a restart.
	_, err := s2.AuRepository(ctx, "au-old")
	require.NoError(t, err)

	au, err := r.AuRepository(ctx, "au-old")
	require.NoError(t, err)
	assert.Same(t, s2, au.Shard())

	fresh, err := r.AuRepository(ctx, "au-new")
	require.NoError(t, err)
	assert.Same(t, s1, fresh.Shard())

	bound, err := r.Get("au-old")
	require.NoError(t, err)
	assert.Same(t, s2, bound)
}

func TestRemoveAliasKeepsShard(t *testing.T) {
	r := New(Config{})
	s1 := newShard(t, "s1")
	require.NoError(t, r.AddShard("s1", s1))
	require.NoError(t, r.AddShard("alias", s1))
	assert.Equal(t, 1, r.Count())

	require.NoError(t, r.RemoveShard("alias"))
	assert.False(t, s1.Closed())
	assert.Equal(t, 1, r.Count())

	require.NoError(t, r.RemoveShard("s1"))
	assert.True(t, s1.Closed())
	assert.Zero(t, r.Count())
}

func TestRemoveShardDropsAssignedKeys(t *testing.T) {
	r := New(Config{})
	s1, s2 := newShard(t, "s1"), newShard(t, "s2")
	require.NoError(t, r.AddShard("s1", s1))
	require.NoError(t, r.AddShard("s2", s2))
	_, err := r.GetOrAssign("au-a")
	require.NoError(t, err)
	_, err = r.GetOrAssign("au-b")
	require.NoError(t, err)

	// An AU binding is only a binding.
	require.NoError(t, r.RemoveShard("au-b"))
	assert.False(t, s2.Closed())
	assert.Equal(t, 2, r.Count())

	// Removing the shard's own key takes its AU bindings with it.
	require.NoError(t, r.RemoveShard("s1"))
	assert.True(t, s1.Closed())
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"s2"}, r.Keys())

	_, err = r.Get("au-a")
	assert.ErrorIs(t, err, ErrShardNotFound)
	reassigned, err := r.GetOrAssign("au-a")
	require.NoError(t, err)
	assert.Same(t, s2, reassigned)
}

func TestCloseClosesAliasedShardsOnce(t *testing.T) {
	r := New(Config{})
	s1, s2 := newShard(t, "s1"), newShard(t, "s2")
	require.NoError(t, r.AddShard("s1", s1))
	require.NoError(t, r.AddShard("s2", s2))
	_, err := r.GetOrAssign("au-1")
	require.NoError(t, err)
	_, err = r.GetOrAssign("au-2")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, s1.Closed())
	assert.True(t, s2.Closed())
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Keys())

	require.NoError(t, r.Close())
	_, err = r.Get("s1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.AddShard("s3", newShard(t, "s3")), ErrClosed)
}

func TestProcessRegistry(t *testing.T) {
	t.Cleanup(func() { _ = Reset() })

	_, err := Default()
	require.ErrorIs(t, err, ErrNotInitialized)

	r := New(Config{})
	shard := newShard(t, "s1")
	require.NoError(t, r.AddShard("s1", shard))
	require.NoError(t, r.AddShard("alias", shard))

	require.NoError(t, Init(r))
	assert.ErrorIs(t, Init(New(Config{})), ErrAlreadyInitialized)

	got, err := Default()
	require.NoError(t, err)
	assert.Same(t, r, got)

	require.NoError(t, Reset())
	assert.True(t, shard.Closed())
	_, err = Default()
	assert.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, Reset())
}

func TestHealthcheck(t *testing.T) {
	r := New(Config{})
	require.ErrorIs(t, r.Healthcheck(context.Background()), ErrNoShards)

	s1 := newShard(t, "s1")
	s2 := newShard(t, "s2")
	require.NoError(t, r.AddShard("s1", s1))
	require.NoError(t, r.AddShard("s2", s2))
	assert.NoError(t, r.Healthcheck(context.Background()))

	require.NoError(t, s2.Close())
	err := r.Healthcheck(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrClosed)
	assert.Contains(t, err.Error(), `shard "s2"`)
}
