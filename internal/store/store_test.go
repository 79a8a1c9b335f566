package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolpin/internal/paths"
	"toolpin/internal/toolerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sp := paths.New(t.TempDir())
	require.NoError(t, sp.EnsureDirs())
	return New(sp)
}

func stage(t *testing.T, s *Store, tool, ver string) string {
	t.Helper()
	dir, err := s.NewStaging(tool, ver)
	require.NoError(t, err)
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", tool), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, WriteMetadata(root, Entry{Tool: tool, Version: ver, InstalledAt: time.Now().UTC()}))
	return root
}

func TestCommitMakesEntryVisible(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Lookup("node", "20.11.0")
	require.NoError(t, err)
	require.False(t, ok)

	root := stage(t, s, "node", "20.11.0")
	entry, committed, err := s.Commit(root, Entry{Tool: "node", Version: "20.11.0"})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, s.EntryDir("node", "20.11.0"), entry.Root)

	got, ok, err := s.Lookup("node", "20.11.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node", got.Tool)
	assert.FileExists(t, filepath.Join(got.Root, "bin", "node"))
	assert.NoDirExists(t, root)
}

func TestCommitLosingRaceReturnsExisting(t *testing.T) {
	s := newTestStore(t)

	first := stage(t, s, "yarn", "1.22.19")
	_, committed, err := s.Commit(first, Entry{Tool: "yarn", Version: "1.22.19"})
	require.NoError(t, err)
	require.True(t, committed)

	second := stage(t, s, "yarn", "1.22.19")
	entry, committed, err := s.Commit(second, Entry{Tool: "yarn", Version: "1.22.19"})
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, s.EntryDir("yarn", "1.22.19"), entry.Root)
	assert.DirExists(t, second, "loser's staged tree is left to the caller")
}

func TestStagedTreeIsNotAnEntry(t *testing.T) {
	s := newTestStore(t)
	stage(t, s, "node", "18.19.0")

	_, ok, err := s.Lookup("node", "18.19.0")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := s.List("")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDirectoryWithoutMetadataIsNotAnEntry(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.EntryDir("node", "16.0.0"), "bin"), 0o755))

	_, ok, err := s.Lookup("node", "16.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	root := stage(t, s, "node", "16.0.0")
	_, committed, err := s.Commit(root, Entry{Tool: "node", Version: "16.0.0"})
	require.NoError(t, err)
	assert.True(t, committed)
}

func TestCommitReportsRetryFailure(t *testing.T) {
	s := newTestStore(t)
	final := s.EntryDir("node", "16.0.0")
	// The staged tree sits inside the leftover, so moving the leftover aside
	// takes the staged tree with it and the retried rename cannot succeed.
	staged := filepath.Join(final, "staged")
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "bin"), 0o755))

	_, committed, err := s.Commit(staged, Entry{Tool: "node", Version: "16.0.0"})
	require.Error(t, err)
	assert.False(t, committed)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestListOrdersByPrecedence(t *testing.T) {
	s := newTestStore(t)
	for _, v := range []string{"1.10.0", "1.9.0", "1.10.0-rc.1"} {
		_, _, err := s.Commit(stage(t, s, "yarn", v), Entry{Tool: "yarn", Version: v})
		require.NoError(t, err)
	}
	_, _, err := s.Commit(stage(t, s, "node", "20.0.0"), Entry{Tool: "node", Version: "20.0.0"})
	require.NoError(t, err)

	entries, err := s.List("")
	require.NoError(t, err)
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key())
	}
	assert.Equal(t, []string{"node@20.0.0", "yarn@1.9.0", "yarn@1.10.0-rc.1", "yarn@1.10.0"}, keys)
}

func TestUninstall(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Commit(stage(t, s, "node", "20.11.0"), Entry{Tool: "node", Version: "20.11.0"})
	require.NoError(t, err)

	require.NoError(t, s.Uninstall("node", "20.11.0"))
	_, ok, err := s.Lookup("node", "20.11.0")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Uninstall("node", "20.11.0")
	assert.ErrorIs(t, err, toolerr.ErrNotInstalled)
}

func TestLookupRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Lookup("node", "../../etc")
	assert.ErrorIs(t, err, toolerr.ErrInvalidSpecifier)
	_, _, err = s.Lookup("../node", "1.0.0")
	assert.ErrorIs(t, err, toolerr.ErrInvalidSpecifier)
}

func TestPruneStaging(t *testing.T) {
	s := newTestStore(t)
	old, err := s.NewStaging("node", "20.0.0")
	require.NoError(t, err)
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	fresh, err := s.NewStaging("node", "21.0.0")
	require.NoError(t, err)

	removed, err := s.PruneStaging(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, removed)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
}
