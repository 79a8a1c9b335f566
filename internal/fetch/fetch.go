// Package fetch downloads release archives into the download cache and
// verifies them against the digest published by the release index. It is the
// only component that retries.
package fetch

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	slogcontext "github.com/veqryn/slog-context"

	"toolpin/internal/resolve"
	"toolpin/internal/toolerr"
)

const (
	DefaultAttempts       = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 15 * time.Second
	DefaultStallTimeout   = 30 * time.Second
	DefaultDialTimeout    = 15 * time.Second
	DefaultTLSTimeout     = 15 * time.Second
	DefaultHeaderTimeout  = 30 * time.Second

	partSuffix = ".part"
	lockSuffix = ".lock"
)

var errStalled = errors.New("download stalled")

// Archive is a verified archive in the download cache.
type Archive struct {
	Path string
	Size int64
	// Reused reports that the archive was already cached and no bytes moved.
	Reused bool
}

// Progress receives the bytes written so far and the expected total, which
// is 0 when unknown.
type Progress func(done, total int64)

// Options configures a Fetcher. Zero values select the defaults above.
type Options struct {
	CacheDir       string
	Client         *http.Client
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StallTimeout   time.Duration
	DialTimeout    time.Duration
	TLSTimeout     time.Duration
	HeaderTimeout  time.Duration
	UserAgent      string
}

// Fetcher downloads archives with resume and bounded retries.
type Fetcher struct {
	cacheDir       string
	client         *http.Client
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	stallTimeout   time.Duration
	userAgent      string
}

// New constructs a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "toolpin"
	}
	if opts.Client == nil {
		opts.Client = newClient(opts)
	}
	return &Fetcher{
		cacheDir:       opts.CacheDir,
		client:         opts.Client,
		attempts:       opts.Attempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		stallTimeout:   opts.StallTimeout,
		userAgent:      opts.UserAgent,
	}
}

// newClient bounds connection setup. The body has no overall deadline; the
// stall watchdog covers it instead.
func newClient(opts Options) *http.Client {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = DefaultDialTimeout
	}
	tlsTimeout := opts.TLSTimeout
	if tlsTimeout <= 0 {
		tlsTimeout = DefaultTLSTimeout
	}
	header := opts.HeaderTimeout
	if header <= 0 {
		header = DefaultHeaderTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: header,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          16,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport}
}

// ArchivePath is where the verified archive for rel lives in the cache.
func (f *Fetcher) ArchivePath(rel resolve.Release) string {
	return filepath.Join(f.cacheDir, rel.Tool, rel.ArchiveName())
}

// Fetch returns a verified archive for rel, downloading it when the cache has
// no verified copy. Failures are NetworkError, ChecksumMismatch, or
// Interrupted; no partial file survives a returned error.
func (f *Fetcher) Fetch(ctx context.Context, rel resolve.Release, progress Progress) (Archive, error) {
	logger := slogcontext.FromCtx(ctx).With("tool", rel.Tool, "version", rel.Version)
	if err := rel.Digest.Validate(); err != nil {
		return Archive{}, toolerr.New(toolerr.KindChecksumMismatch, "fetch", fmt.Errorf("%s: cannot verify against %q: %w", rel.Key(), rel.Digest, err))
	}

	final := f.ArchivePath(rel)
	if archive, ok := f.cached(ctx, rel, final); ok {
		return archive, nil
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return Archive{}, toolerr.FromFS(toolerr.KindNetworkError, "fetch", err)
	}
	lock := flock.New(final + lockSuffix)
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return Archive{}, toolerr.New(toolerr.KindInterrupted, "fetch", ctx.Err())
		}
		if err == nil {
			err = fmt.Errorf("%s: lock not acquired", lock.Path())
		}
		return Archive{}, toolerr.FromFS(toolerr.KindNetworkError, "lock archive", err)
	}
	defer func() { _ = lock.Unlock() }()

	// Another process may have finished while we waited for the lock.
	if archive, ok := f.cached(ctx, rel, final); ok {
		return archive, nil
	}

	part := final + partSuffix
	dl := &download{fetcher: f, rel: rel, part: part, progress: progress}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = f.initialBackoff
	expo.MaxInterval = f.maxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(f.attempts-1)), ctx)

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return dl.attempt(ctx, attempt)
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("download attempt failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		_ = os.Remove(part)
		if ctx.Err() != nil {
			return Archive{}, toolerr.New(toolerr.KindInterrupted, "fetch", ctx.Err())
		}
		var tErr *toolerr.Error
		if errors.As(err, &tErr) {
			return Archive{}, err
		}
		return Archive{}, toolerr.New(toolerr.KindNetworkError, "fetch", err)
	}

	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return Archive{}, toolerr.FromFS(toolerr.KindNetworkError, "finalize download", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return Archive{}, toolerr.FromFS(toolerr.KindNetworkError, "finalize download", err)
	}
	logger.Info("archive downloaded", "path", final, "bytes", info.Size(), "attempts", attempt)
	return Archive{Path: final, Size: info.Size()}, nil
}

// cached reports a verified archive already at final. A copy that fails
// verification is removed.
func (f *Fetcher) cached(ctx context.Context, rel resolve.Release, final string) (Archive, bool) {
	info, err := os.Stat(final)
	if err != nil || !info.Mode().IsRegular() {
		return Archive{}, false
	}
	ok, err := verifyFile(final, rel)
	if err != nil || !ok {
		slogcontext.FromCtx(ctx).Warn("discarding cached archive that fails verification", "path", final, "error", err)
		_ = os.Remove(final)
		return Archive{}, false
	}
	return Archive{Path: final, Size: info.Size(), Reused: true}, true
}

func verifyFile(path string, rel resolve.Release) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()
	verifier := rel.Digest.Verifier()
	if _, err := io.Copy(verifier, file); err != nil {
		return false, err
	}
	return verifier.Verified(), nil
}
