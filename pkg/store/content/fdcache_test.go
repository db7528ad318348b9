package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(paths[i], []byte(name), 0644))
	}
	return paths
}

func TestFDCacheReusesDescriptor(t *testing.T) {
	paths := writeFiles(t, "a")
	c := NewFDCache(2)
	defer c.Close()

	f1, release1, err := c.Acquire(paths[0])
	require.NoError(t, err)
	f2, release2, err := c.Acquire(paths[0])
	require.NoError(t, err)
	assert.Same(t, f1, f2)

	release1()
	release2()
	size, maxSize := c.Stats()
	assert.Equal(t, 1, size)
	assert.Equal(t, 2, maxSize)
}

func TestFDCacheEvictionKeepsBusyHandlesOpen(t *testing.T) {
	paths := writeFiles(t, "a", "b", "c")
	c := NewFDCache(1)
	defer c.Close()

	fa, releaseA, err := c.Acquire(paths[0])
	require.NoError(t, err)

	_, releaseB, err := c.Acquire(paths[1])
	require.NoError(t, err)
	releaseB()

	// a was evicted while in use but must still be readable.
	buf := make([]byte, 1)
	_, err = fa.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", string(buf))

	releaseA()
	_, err = fa.ReadAt(buf, 0)
	assert.Error(t, err, "descriptor closes on last release")

	_, releaseC, err := c.Acquire(paths[2])
	require.NoError(t, err)
	releaseC()

	size, _ := c.Stats()
	assert.Equal(t, 1, size)
}

func TestFDCacheRemove(t *testing.T) {
	paths := writeFiles(t, "a")
	c := NewFDCache(4)
	defer c.Close()

	f, release, err := c.Acquire(paths[0])
	require.NoError(t, err)
	c.Remove(paths[0])

	size, _ := c.Stats()
	assert.Zero(t, size)

	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	release()
	release() // idempotent
}

func TestFDCacheMissingFile(t *testing.T) {
	c := NewFDCache(0)
	defer c.Close()

	_, _, err := c.Acquire(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}
