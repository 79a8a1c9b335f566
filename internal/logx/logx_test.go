package logx

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	slogcontext "github.com/veqryn/slog-context"

	"toolpin/internal/paths"
)

func TestNewWritesFileAndConsole(t *testing.T) {
	sp := paths.New(t.TempDir())
	var console bytes.Buffer

	logger, closer, err := New(sp, &console, slog.LevelWarn)
	require.NoError(t, err)

	logger.Debug("resolving", "tool", "node")
	logger.Warn("retrying download", "attempt", 2)
	require.NoError(t, closer.Close())

	assert.NotContains(t, console.String(), "resolving")
	assert.Contains(t, console.String(), "retrying download")

	files, err := os.ReadDir(sp.LogsDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(sp.LogsDir + "/" + files[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"resolving"`)
	assert.Contains(t, string(data), `"msg":"retrying download"`)
}

func TestNewKeepsAttrsOnBothOutputs(t *testing.T) {
	sp := paths.New(t.TempDir())
	var console bytes.Buffer

	logger, closer, err := New(sp, &console, slog.LevelInfo)
	require.NoError(t, err)
	logger.With("tool", "yarn").WithGroup("fetch").Info("resumed", "offset", 512)
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "tool=yarn")
	assert.Contains(t, console.String(), "fetch.offset=512")

	files, err := os.ReadDir(sp.LogsDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(sp.LogsDir + "/" + files[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tool":"yarn"`)
	assert.Contains(t, string(data), `"fetch":{"offset":512}`)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), logger)

	slogcontext.FromCtx(ctx).Info("hello")
	assert.Contains(t, buf.String(), "hello")
}
