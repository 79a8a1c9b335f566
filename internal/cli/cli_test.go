package cli

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolpin/internal/activation"
	"toolpin/internal/config"
	"toolpin/internal/paths"
	"toolpin/internal/toolerr"
	"toolpin/internal/version"
)

func TestPipelineRequestsFallsBackToPins(t *testing.T) {
	pinned := map[string]version.Specifier{
		"yarn": version.MustParse("1.x"),
		"node": version.MustParse("^20"),
	}
	reqs, err := pipelineRequests(nil, pinned, true)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "node", reqs[0].Tool)
	assert.Equal(t, "^20", reqs[0].Spec.String())
	assert.Equal(t, "yarn", reqs[1].Tool)

	_, err = pipelineRequests(nil, nil, false)
	assert.ErrorIs(t, err, errNoPins)
}

func TestPipelineRequestsUsesPinForBareTool(t *testing.T) {
	pinned := map[string]version.Specifier{"node": version.MustParse("^20")}
	reqs, err := pipelineRequests([]string{"node", "node@^20", "yarn@1.22.19"}, pinned, true)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "node@^20", reqs[0].String())
	assert.Equal(t, "yarn@1.22.19", reqs[1].String())

	_, err = pipelineRequests([]string{"node@not a version"}, nil, false)
	assert.Error(t, err)
}

func TestPrependPath(t *testing.T) {
	sep := string(os.PathListSeparator)
	env := prependPath([]string{"HOME=/home/u", "PATH=/usr/bin"}, "/opt/tool/bin")
	assert.Equal(t, []string{"HOME=/home/u", "PATH=/opt/tool/bin" + sep + "/usr/bin"}, env)

	env = prependPath([]string{"HOME=/home/u"}, "/opt/tool/bin")
	assert.Equal(t, []string{"HOME=/home/u", "PATH=/opt/tool/bin"}, env)
}

func TestExitCodeAndHint(t *testing.T) {
	cases := []struct {
		kind toolerr.Kind
		code int
	}{
		{toolerr.KindInvalidSpecifier, exitInvalidSpecifier},
		{toolerr.KindNotFound, exitNotFound},
		{toolerr.KindIndexUnavailable, exitIndexUnavailable},
		{toolerr.KindNetworkError, exitNetwork},
		{toolerr.KindChecksumMismatch, exitChecksum},
		{toolerr.KindArchiveCorrupt, exitArchive},
		{toolerr.KindLayoutUnexpected, exitArchive},
		{toolerr.KindDiskFull, exitDiskFull},
		{toolerr.KindPermissionDenied, exitPermission},
		{toolerr.KindNotInstalled, exitNotInstalled},
		{toolerr.KindNoActiveVersion, exitNoActiveVersion},
		{toolerr.KindInterrupted, exitInterrupted},
	}
	for _, tc := range cases {
		err := fmt.Errorf("install node: %w", toolerr.Newf(tc.kind, "test", "boom"))
		assert.Equal(t, tc.code, exitCode(err), "kind %v", tc.kind)
	}
	assert.Equal(t, exitFailure, exitCode(fmt.Errorf("plain failure")))
	assert.Contains(t, hint(toolerr.Newf(toolerr.KindNotFound, "resolve", "no match")), "ls-remote")
	assert.Empty(t, hint(fmt.Errorf("plain failure")))
}

func TestNonEmptyOrDash(t *testing.T) {
	assert.Equal(t, "-", nonEmptyOrDash(""))
	assert.Equal(t, "-", nonEmptyOrDash("  "))
	assert.Equal(t, "lts", nonEmptyOrDash(" lts "))
}

func TestRemoteMatches(t *testing.T) {
	assert.True(t, remoteMatches(version.MustParse("^20"), "20.11.0", nil))
	assert.False(t, remoteMatches(version.MustParse("^20"), "18.19.0", nil))
	assert.True(t, remoteMatches(version.MustParse("lts"), "20.11.0", []string{"lts", "iron"}))
	assert.False(t, remoteMatches(version.MustParse("lts"), "21.6.0", nil))
	assert.False(t, remoteMatches(version.MustParse("^20"), "garbage", nil))
}

func TestTargetScope(t *testing.T) {
	t.Cleanup(func() { scopeGlobal, scopeProject = false, false })
	pins := config.Pins{Root: "/work/app"}

	scope, err := targetScope(pins, true)
	require.NoError(t, err)
	assert.Equal(t, activation.Project("/work/app"), scope)

	scope, err = targetScope(config.Pins{}, false)
	require.NoError(t, err)
	assert.Equal(t, activation.Default(), scope)

	scopeGlobal = true
	scope, err = targetScope(pins, true)
	require.NoError(t, err)
	assert.Equal(t, activation.Default(), scope)

	scopeGlobal, scopeProject = false, true
	wd, err := os.Getwd()
	require.NoError(t, err)
	scope, err = targetScope(config.Pins{}, false)
	require.NoError(t, err)
	assert.Equal(t, activation.Project(wd), scope)

	assert.Equal(t, activation.Default(), lookupScope(config.Pins{}, false))
}

func TestRemoveFilesKeepsSuffix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-1.log"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-2.log"), []byte("two!"), 0o644))

	n, freed, err := removeFiles(dir, "-2.log", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 3, freed)
	assert.FileExists(t, filepath.Join(dir, "a-1.log"))

	n, _, err = removeFiles(dir, "-2.log", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, filepath.Join(dir, "a-1.log"))
	assert.FileExists(t, filepath.Join(dir, "b-2.log"))

	n, _, err = removeFiles(filepath.Join(dir, "missing"), "", false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// demoTarball packs a release of the demo tool whose executable prints its
// version.
func demoTarball(t *testing.T, ver string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	script := "#!/bin/sh\necho demo " + ver + "\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "demo-" + ver + "/bin/demo", Mode: 0o755, Size: int64(len(script)), Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(script))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func demoServer(t *testing.T, versions ...string) *httptest.Server {
	t.Helper()
	archives := map[string][]byte{}
	manifest := "releases:\n"
	for _, v := range versions {
		body := demoTarball(t, v)
		archives["/demo-"+v+".tar.gz"] = body
		manifest += fmt.Sprintf("  - version: %s\n    assets:\n      - {platform: any, url: demo-%s.tar.gz, digest: %q}\n", v, v, digest.FromBytes(body))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.yaml" {
			_, _ = fmt.Fprint(w, manifest)
			return
		}
		body, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "archive", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type cliHarness struct {
	home    string
	project string
}

func newCLIHarness(t *testing.T, srv *httptest.Server) *cliHarness {
	t.Helper()
	h := &cliHarness{home: t.TempDir(), project: t.TempDir()}
	settings := fmt.Sprintf("fetch:\n  initial_backoff: 1ms\n  max_backoff: 1ms\ntools:\n  - name: demo\n    manifest: %s/manifest.yaml\n    executables: [bin/demo]\n", srv.URL)
	require.NoError(t, os.WriteFile(filepath.Join(h.home, "config.yaml"), []byte(settings), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.project, paths.PinFileName), []byte("tools:\n  demo: ^1\n"), 0o644))
	t.Chdir(h.project)
	return h
}

// run executes one toolpin command line against the harness home.
func (h *cliHarness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--home", h.home}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestInstallCurrentWhichUninstall(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("demo release ships a shell script")
	}
	srv := demoServer(t, "1.2.0", "1.3.1", "2.0.0")
	h := newCLIHarness(t, srv)

	out, err := h.run(t, "install")
	require.NoError(t, err)
	assert.Contains(t, out, "1.3.1")
	assert.Contains(t, out, "installed")

	out, err = h.run(t, "current", "--json")
	require.NoError(t, err)
	var rows []currentRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "demo", rows[0].Tool)
	assert.Equal(t, "1.3.1", rows[0].Version)
	assert.Equal(t, "^1", rows[0].Pinned)
	assert.True(t, rows[0].Installed)

	out, err = h.run(t, "which", "demo")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), filepath.Join("bin", "demo")), out)

	out, err = h.run(t, "run", "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo 1.3.1\n", out)

	_, err = h.run(t, "uninstall", "demo@1.3.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	_, err = h.run(t, "uninstall", "demo@^1")
	assert.Equal(t, exitInvalidSpecifier, exitCode(err))

	_, err = h.run(t, "uninstall", "--force", "demo@1.3.1")
	require.NoError(t, err)

	out, err = h.run(t, "ls", "--json")
	require.NoError(t, err)
	var installed []lsRow
	require.NoError(t, json.Unmarshal([]byte(out), &installed))
	assert.Empty(t, installed)

	// The pinned version comes back on next use.
	out, err = h.run(t, "which", "demo")
	require.NoError(t, err)
	assert.FileExists(t, strings.TrimSpace(out))
}

func TestUseSavePinsAndLsRemote(t *testing.T) {
	srv := demoServer(t, "1.2.0", "2.0.0")
	h := newCLIHarness(t, srv)

	out, err := h.run(t, "use", "--save", "demo@2")
	require.NoError(t, err)
	assert.Contains(t, out, "demo 2.0.0 active in project")

	reg, err := (config.Settings{Tools: []config.ToolSettings{{Name: "demo", Manifest: srv.URL + "/manifest.yaml", Executables: []string{"bin/demo"}}}}).Registry()
	require.NoError(t, err)
	pins, err := config.LoadPins(filepath.Join(h.project, paths.PinFileName), reg)
	require.NoError(t, err)
	assert.Equal(t, "2", pins.Spec("demo").String())

	out, err = h.run(t, "ls-remote", "demo", "--json")
	require.NoError(t, err)
	var remote []remoteRow
	require.NoError(t, json.Unmarshal([]byte(out), &remote))
	require.Len(t, remote, 2)
	assert.Equal(t, "2.0.0", remote[0].Version)
	assert.True(t, remote[0].Installed)
	assert.False(t, remote[1].Installed)

	out, err = h.run(t, "unuse", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "demo deactivated")

	_, err = h.run(t, "use", "--global", "--save", "demo@2")
	assert.Error(t, err)
}

func TestCleanAndConfigCommands(t *testing.T) {
	srv := demoServer(t, "1.2.0")
	h := newCLIHarness(t, srv)

	_, err := h.run(t, "fetch", "demo@1.2.0")
	require.NoError(t, err)
	stale := filepath.Join(h.home, "staging", "demo-0.1.0-stale")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	out, err := h.run(t, "clean", "--all", "--dry-run", "--json")
	require.NoError(t, err)
	var dry cleanResult
	require.NoError(t, json.Unmarshal([]byte(out), &dry))
	assert.True(t, dry.DryRun)
	assert.Contains(t, dry.Staging, stale)
	assert.NotEmpty(t, dry.Archives)
	assert.DirExists(t, stale)

	out, err = h.run(t, "clean", "--all", "--json")
	require.NoError(t, err)
	var done cleanResult
	require.NoError(t, json.Unmarshal([]byte(out), &done))
	assert.NotEmpty(t, done.Archives)
	assert.Positive(t, done.FreedBytes)
	assert.NoDirExists(t, stale)

	_, err = h.run(t, "config", "set", "fetch.attempts", "9")
	require.NoError(t, err)
	out, err = h.run(t, "config", "--json")
	require.NoError(t, err)
	var flat map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &flat))
	assert.Equal(t, "9", flat["fetch.attempts"])
	assert.Equal(t, srv.URL+"/manifest.yaml", flat["tools.demo"])

	_, err = h.run(t, "config", "set", "fetch.attempts", "many")
	assert.Error(t, err)

	out, err = h.run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.home, "config.yaml"), strings.TrimSpace(out))
}
