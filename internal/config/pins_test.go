package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolpin/internal/paths"
	"toolpin/internal/tools"
	"toolpin/internal/version"
)

func writePins(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, paths.PinFileName)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPins(t *testing.T) {
	dir := t.TempDir()
	path := writePins(t, dir, "tools:\n  node: \"20\"\n  yarn: ^1.22\n")

	pins, err := LoadPins(path, tools.DefaultRegistry())
	require.NoError(t, err)
	assert.Equal(t, []string{"node", "yarn"}, pins.Tools())
	assert.Equal(t, version.KindRange, pins.Spec("node").Kind())
	assert.Equal(t, "^1.22", pins.Spec("yarn").String())
	assert.True(t, pins.Spec("pnpm").IsZero())

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, abs, pins.Root)
}

func TestLoadPinsListsEveryProblem(t *testing.T) {
	path := writePins(t, t.TempDir(), "tools:\n  node: \"not a version\"\n  deno: \"1\"\n  Node!: \"20\"\n")

	_, err := LoadPins(path, tools.DefaultRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tools.node")
	assert.Contains(t, err.Error(), "tools.deno: unknown tool")
	assert.Contains(t, err.Error(), "invalid tool name")
}

func TestFindPinsWalksUp(t *testing.T) {
	root := t.TempDir()
	writePins(t, root, "tools:\n  node: lts\n")
	nested := filepath.Join(root, "packages", "web")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	pins, ok, err := FindPins(nested, tools.DefaultRegistry())
	require.NoError(t, err)
	require.True(t, ok)
	tag, isTag := pins.Spec("node").Tag()
	assert.True(t, isTag)
	assert.Equal(t, "lts", tag)

	_, ok, err = FindPins(t.TempDir(), tools.DefaultRegistry())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSavePinPreservesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, paths.PinFileName)

	require.NoError(t, SavePin(path, "node", version.MustParse("20")))
	require.NoError(t, SavePin(path, "yarn", version.MustParse("1.22.19")))
	require.NoError(t, SavePin(path, "node", version.MustParse("18")))

	pins, err := LoadPins(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "18", pins.Spec("node").String())
	assert.Equal(t, "1.22.19", pins.Spec("yarn").String())
}
