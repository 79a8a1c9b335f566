package autodownload

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolpin/internal/activation"
	"toolpin/internal/fetch"
	"toolpin/internal/install"
	"toolpin/internal/paths"
	"toolpin/internal/platform"
	"toolpin/internal/resolve"
	"toolpin/internal/store"
	"toolpin/internal/toolerr"
	"toolpin/internal/tools"
	"toolpin/internal/version"
)

func toolTarball(t *testing.T, ver string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := map[string]string{
		"tool-x-" + ver + "/bin/tool-x": "#!/bin/sh\necho " + ver + "\n",
		"tool-x-" + ver + "/LICENSE":    "MIT\n",
	}
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// releaseServer publishes tool-x releases through a manifest. With tamper
// set, each served archive has one byte flipped relative to its digest.
type releaseServer struct {
	*httptest.Server
	archiveHits atomic.Int32
}

func newReleaseServer(t *testing.T, versions []string, tamper bool) *releaseServer {
	t.Helper()
	archives := map[string][]byte{}
	manifest := "releases:\n"
	for _, v := range versions {
		body := toolTarball(t, v)
		manifest += fmt.Sprintf("  - version: %s\n    assets:\n      - {platform: any, url: tool-x-%s.tar.gz, digest: %q}\n", v, v, digest.FromBytes(body))
		if tamper {
			body = append([]byte(nil), body...)
			body[len(body)/2] ^= 0xff
		}
		archives["/tool-x-"+v+".tar.gz"] = body
	}
	rs := &releaseServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.yaml" {
			_, _ = fmt.Fprint(w, manifest)
			return
		}
		body, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		rs.archiveHits.Add(1)
		http.ServeContent(w, r, "archive", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(rs.Close)
	return rs
}

type countingResolver struct {
	inner Resolver
	calls atomic.Int32
}

func (c *countingResolver) Resolve(ctx context.Context, tool string, spec version.Specifier) (resolve.Release, error) {
	c.calls.Add(1)
	return c.inner.Resolve(ctx, tool, spec)
}

type countingFetcher struct {
	inner   Fetcher
	calls   atomic.Int32
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (c *countingFetcher) Fetch(ctx context.Context, rel resolve.Release, progress fetch.Progress) (fetch.Archive, error) {
	c.calls.Add(1)
	if c.started != nil {
		c.once.Do(func() { close(c.started) })
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return fetch.Archive{}, toolerr.New(toolerr.KindInterrupted, "fetch", ctx.Err())
		}
	}
	return c.inner.Fetch(ctx, rel, progress)
}

type countingInstaller struct {
	inner Installer
	calls atomic.Int32
}

func (c *countingInstaller) Install(ctx context.Context, archive fetch.Archive, rel resolve.Release) (store.Entry, error) {
	c.calls.Add(1)
	return c.inner.Install(ctx, archive, rel)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Transition(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Progress(string, string, int64, int64) {}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.State)
	}
	return out
}

type harness struct {
	orch      *Orchestrator
	store     *store.Store
	manager   *activation.Manager
	resolver  *countingResolver
	fetcher   *countingFetcher
	installer *countingInstaller
	events    *recorder
}

func newHarness(t *testing.T, srv *releaseServer) *harness {
	t.Helper()
	sp := paths.New(t.TempDir())
	require.NoError(t, sp.EnsureDirs())
	st := store.New(sp)
	plat := platform.Platform{OS: "linux", Arch: "amd64"}
	registry := tools.NewRegistry(tools.Definition{
		Name:        "tool-x",
		Index:       tools.IndexManifest,
		IndexURL:    srv.URL + "/manifest.yaml",
		Executables: []string{"bin/tool-x"},
	})

	h := &harness{
		store:     st,
		manager:   activation.New(st),
		resolver:  &countingResolver{inner: resolve.New(resolve.Options{Registry: registry, IndexDir: sp.IndexDir, Platform: plat})},
		fetcher:   &countingFetcher{inner: fetch.New(fetch.Options{CacheDir: sp.CacheDir, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})},
		installer: &countingInstaller{inner: install.New(install.Options{Store: st, Registry: registry, Platform: plat})},
		events:    &recorder{},
	}
	h.orch = New(Options{
		Resolver:  h.resolver,
		Fetcher:   h.fetcher,
		Installer: h.installer,
		Activator: h.manager,
		Store:     st,
		Reporter:  h.events,
	})
	return h
}

func TestEnsureInstallsAndActivates(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3", "1.4.0", "2.0.0"}, false)
	h := newHarness(t, srv)
	ctx := context.Background()

	res, err := h.orch.Ensure(ctx, Request{Tool: "tool-x", Spec: version.MustParse("1.x"), Scope: activation.Default(), Activate: true})
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", res.Version)
	assert.True(t, res.Installed)
	assert.True(t, res.Activated)

	active, err := h.manager.ResolveActive(ctx, "tool-x", activation.Default())
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", active.Version)
	require.True(t, active.Installed)
	assert.FileExists(t, filepath.Join(active.Entry.Root, "bin", "tool-x"))
	assert.FileExists(t, filepath.Join(active.Entry.Root, store.EntryFileName))

	assert.Equal(t, []State{StateRequested, StateResolving, StateFetching, StateInstalling, StateActivating, StateDone}, h.events.states())
	assert.Empty(t, h.orch.InFlight())
}

func TestEnsureIsIdempotent(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3"}, false)
	h := newHarness(t, srv)
	ctx := context.Background()
	req := Request{Tool: "tool-x", Spec: version.MustParse("^1"), Scope: activation.Default(), Activate: true}

	_, err := h.orch.Ensure(ctx, req)
	require.NoError(t, err)
	res, err := h.orch.Ensure(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Installed)
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
	assert.Equal(t, int32(1), h.installer.calls.Load())
	assert.Equal(t, int32(1), srv.archiveHits.Load())

	// Exact and installed: no resolution at all.
	resolves := h.resolver.calls.Load()
	res, err = h.orch.Ensure(ctx, Request{Tool: "tool-x", Spec: version.MustParse("1.2.3"), Scope: activation.Default(), Activate: true})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", res.Version)
	assert.Equal(t, resolves, h.resolver.calls.Load())
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3"}, false)
	h := newHarness(t, srv)
	h.fetcher.gate = make(chan struct{})
	h.fetcher.started = make(chan struct{})

	const n = 8
	base := t.TempDir()
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope := activation.Project(filepath.Join(base, fmt.Sprintf("p%d", i)))
			results[i], errs[i] = h.orch.Ensure(context.Background(), Request{
				Tool: "tool-x", Spec: version.MustParse("1.2.3"), Scope: scope, Activate: true,
			})
		}(i)
	}

	<-h.fetcher.started
	require.Eventually(t, func() bool { return h.orch.flights.waiting("tool-x@1.2.3") == n }, 5*time.Second, 5*time.Millisecond)
	inflight := h.orch.InFlight()
	require.Len(t, inflight, 1)
	assert.Equal(t, InFlight{Key: "tool-x@1.2.3", Stage: StateFetching}, inflight[0])
	close(h.fetcher.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "1.2.3", results[i].Version)
		assert.True(t, results[i].Shared)
	}
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
	assert.Equal(t, int32(1), h.installer.calls.Load())
	assert.Equal(t, int32(1), h.resolver.calls.Load())
	assert.Equal(t, int32(1), srv.archiveHits.Load())
}

func TestChecksumFailureNeverInstalls(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3"}, true)
	h := newHarness(t, srv)

	_, err := h.orch.Ensure(context.Background(), Request{Tool: "tool-x", Spec: version.MustParse("latest"), Scope: activation.Default(), Activate: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, toolerr.ErrChecksumMismatch)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, StateFetching, failed.Stage)
	assert.Equal(t, "1.2.3", failed.Version)

	assert.Zero(t, h.installer.calls.Load())
	_, ok, lookupErr := h.store.Lookup("tool-x", "1.2.3")
	require.NoError(t, lookupErr)
	assert.False(t, ok)
	states := h.events.states()
	assert.Equal(t, StateFailed, states[len(states)-1])

	_, err = h.manager.ResolveActive(context.Background(), "tool-x", activation.Default())
	assert.ErrorIs(t, err, toolerr.ErrNoActiveVersion)
}

func TestCancelWhileFetching(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3"}, false)
	h := newHarness(t, srv)
	h.fetcher.gate = make(chan struct{})
	h.fetcher.started = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.fetcher.started
		cancel()
	}()

	_, err := h.orch.Ensure(ctx, Request{Tool: "tool-x", Spec: version.MustParse("1.2.3"), Scope: activation.Default(), Activate: true})
	assert.ErrorIs(t, err, toolerr.ErrInterrupted)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, StateFetching, failed.Stage)

	require.Eventually(t, func() bool { return len(h.orch.InFlight()) == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.installer.calls.Load())
	_, ok, lookupErr := h.store.Lookup("tool-x", "1.2.3")
	require.NoError(t, lookupErr)
	assert.False(t, ok)
}

func TestEnsureWithoutActivation(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3"}, false)
	h := newHarness(t, srv)

	res, err := h.orch.Ensure(context.Background(), Request{Tool: "tool-x", Spec: version.MustParse("1.2.3")})
	require.NoError(t, err)
	assert.False(t, res.Activated)
	assert.DirExists(t, res.Entry.Root)

	_, err = h.manager.ResolveActive(context.Background(), "tool-x", activation.Default())
	assert.ErrorIs(t, err, toolerr.ErrNoActiveVersion)
}

func TestEnsureResolutionFailure(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3"}, false)
	h := newHarness(t, srv)

	_, err := h.orch.Ensure(context.Background(), Request{Tool: "tool-x", Spec: version.MustParse("5.x"), Scope: activation.Default()})
	assert.ErrorIs(t, err, toolerr.ErrNotFound)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, StateResolving, failed.Stage)
	assert.Zero(t, h.fetcher.calls.Load())
}

func TestEnsureActive(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3", "2.0.0"}, false)
	h := newHarness(t, srv)
	ctx := context.Background()
	project := activation.Project(t.TempDir())

	_, err := h.orch.EnsureActive(ctx, "tool-x", project, version.Specifier{})
	assert.ErrorIs(t, err, toolerr.ErrNoActiveVersion)

	entry, err := h.orch.EnsureActive(ctx, "tool-x", project, version.MustParse("1"))
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", entry.Version)

	active, err := h.manager.ResolveActive(ctx, "tool-x", project)
	require.NoError(t, err)
	assert.Equal(t, project, active.Scope)

	again, err := h.orch.EnsureActive(ctx, "tool-x", project, version.MustParse("1"))
	require.NoError(t, err)
	assert.Equal(t, entry.Root, again.Root)
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
	assert.Equal(t, int32(1), h.resolver.calls.Load())

	// Changing the pin moves the project to a new version.
	moved, err := h.orch.EnsureActive(ctx, "tool-x", project, version.MustParse("2.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", moved.Version)

	// A recorded version that was removed is downloaded again.
	require.NoError(t, h.store.Uninstall("tool-x", "2.0.0"))
	restored, err := h.orch.EnsureActive(ctx, "tool-x", project, version.Specifier{})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", restored.Version)
	assert.Equal(t, int32(3), h.fetcher.calls.Load())
}

func TestEnsurePrunesAbandonedStaging(t *testing.T) {
	srv := newReleaseServer(t, []string{"1.2.3"}, false)
	h := newHarness(t, srv)
	old, err := h.store.NewStaging("tool-x", "0.9.0")
	require.NoError(t, err)
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	_, err = h.orch.Ensure(context.Background(), Request{Tool: "tool-x", Spec: version.MustParse("1.2.3")})
	require.NoError(t, err)
	assert.NoDirExists(t, old)
}
