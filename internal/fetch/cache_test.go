package fetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedListsArchivesAndPartials(t *testing.T) {
	f := newFetcher(t, Options{})
	nodeDir := filepath.Join(f.cacheDir, "node")
	yarnDir := filepath.Join(f.cacheDir, "yarn")
	require.NoError(t, os.MkdirAll(nodeDir, 0o755))
	require.NoError(t, os.MkdirAll(yarnDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nodeDir, "node-v20.11.0-linux-x64.tar.xz"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(nodeDir, "node-v20.11.0-linux-x64.tar.xz.lock"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(yarnDir, "yarn-1.22.19.tgz.part"), []byte("12"), 0o644))

	files, err := f.Cached()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, CachedFile{Tool: "node", Name: "node-v20.11.0-linux-x64.tar.xz", Path: filepath.Join(nodeDir, "node-v20.11.0-linux-x64.tar.xz"), Size: 5}, files[0])
	assert.Equal(t, "yarn-1.22.19.tgz", files[1].Name)
	assert.True(t, files[1].Partial)
}

func TestCachedWithoutCacheDir(t *testing.T) {
	f := newFetcher(t, Options{CacheDir: filepath.Join(t.TempDir(), "missing")})
	files, err := f.Cached()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestEvictSkipsLockedArchive(t *testing.T) {
	f := newFetcher(t, Options{})
	dir := filepath.Join(f.cacheDir, "node")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	archive := filepath.Join(dir, "node.tar.gz")
	require.NoError(t, os.WriteFile(archive+partSuffix, []byte("partial"), 0o644))

	files, err := f.Cached()
	require.NoError(t, err)
	require.Len(t, files, 1)

	held := flock.New(archive + lockSuffix)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	removed, err := f.Evict(files[0])
	require.NoError(t, err)
	assert.False(t, removed)
	assert.FileExists(t, archive+partSuffix)

	require.NoError(t, held.Unlock())
	removed, err = f.Evict(files[0])
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, archive+partSuffix)
}
