package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	slogcontext "github.com/veqryn/slog-context"

	"toolpin/internal/resolve"
	"toolpin/internal/toolerr"
)

// download carries state across the attempts of one Fetch.
type download struct {
	fetcher  *Fetcher
	rel      resolve.Release
	part     string
	progress Progress
	// noRange is set once any response omits "Accept-Ranges: bytes".
	noRange bool
}

// attempt performs one HTTP exchange. Permanent failures are wrapped with
// backoff.Permanent; everything else is retried.
func (d *download) attempt(ctx context.Context, n int) error {
	logger := slogcontext.FromCtx(ctx).With("tool", d.rel.Tool, "version", d.rel.Version, "attempt", n)

	offset, err := d.resumeOffset()
	if err != nil {
		return backoff.Permanent(err)
	}

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(actx, http.MethodGet, d.rel.URL, nil)
	if err != nil {
		return backoff.Permanent(toolerr.New(toolerr.KindNetworkError, "fetch", err))
	}
	req.Header.Set("User-Agent", d.fetcher.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		logger.Debug("resuming download", "offset", offset)
	}

	watchdog := time.AfterFunc(d.fetcher.stallTimeout, func() { cancel(errStalled) })
	defer watchdog.Stop()

	resp, err := d.fetcher.client.Do(req)
	if err != nil {
		return d.transferError(ctx, actx, err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Accept-Ranges") != "bytes" {
		d.noRange = true
	}

	var total int64
	switch {
	case resp.StatusCode == http.StatusOK:
		offset = 0
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			d.noRange = true
			_ = os.Remove(d.part)
			return toolerr.Newf(toolerr.KindNetworkError, "fetch", "%s: unexpected Content-Range %q", d.rel.Key(), resp.Header.Get("Content-Range"))
		}
		total = size
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_ = os.Remove(d.part)
		return toolerr.Newf(toolerr.KindNetworkError, "fetch", "%s: range not satisfiable, restarting", d.rel.Key())
	case transientStatus(resp.StatusCode):
		return toolerr.Newf(toolerr.KindNetworkError, "fetch", "GET %s: %s", d.rel.URL, resp.Status)
	default:
		return backoff.Permanent(toolerr.Newf(toolerr.KindNetworkError, "fetch", "GET %s: %s", d.rel.URL, resp.Status))
	}
	if total == 0 && d.rel.Size > 0 {
		total = d.rel.Size
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(d.part, flags, 0o644)
	if err != nil {
		return backoff.Permanent(toolerr.FromFS(toolerr.KindNetworkError, "open partial download", err))
	}

	body := &watchedReader{r: resp.Body, watchdog: watchdog, stall: d.fetcher.stallTimeout}
	written, copyErr := copyWithProgress(file, body, offset, total, d.progress)
	closeErr := file.Close()
	if copyErr != nil {
		var writeErr *writeError
		if errors.As(copyErr, &writeErr) {
			return backoff.Permanent(toolerr.FromFS(toolerr.KindNetworkError, "write partial download", writeErr.err))
		}
		logger.Debug("transfer interrupted", "bytes", offset+written, "error", copyErr)
		return d.transferError(ctx, actx, copyErr)
	}
	if closeErr != nil {
		return backoff.Permanent(toolerr.FromFS(toolerr.KindNetworkError, "close partial download", closeErr))
	}

	ok, err := verifyFile(d.part, d.rel)
	if err != nil {
		return backoff.Permanent(toolerr.FromFS(toolerr.KindNetworkError, "verify download", err))
	}
	if !ok {
		_ = os.Remove(d.part)
		return backoff.Permanent(toolerr.Newf(toolerr.KindChecksumMismatch, "fetch", "%s: archive does not match %s", d.rel.Key(), d.rel.Digest))
	}
	return nil
}

// resumeOffset is the length of an existing partial file, or 0 when resuming
// is not possible.
func (d *download) resumeOffset() (int64, error) {
	info, err := os.Stat(d.part)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, toolerr.FromFS(toolerr.KindNetworkError, "inspect partial download", err)
	}
	if d.noRange {
		return 0, nil
	}
	return info.Size(), nil
}

// transferError classifies a failed exchange. Caller cancellation stops the
// retry loop; a stall is retried like any other transport error.
func (d *download) transferError(ctx, actx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(toolerr.New(toolerr.KindInterrupted, "fetch", ctx.Err()))
	}
	if errors.Is(context.Cause(actx), errStalled) {
		return toolerr.New(toolerr.KindNetworkError, "fetch", fmt.Errorf("%s: no data for %s: %w", d.rel.Key(), d.fetcher.stallTimeout, errStalled))
	}
	return toolerr.New(toolerr.KindNetworkError, "fetch", err)
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// parseContentRange reads "bytes start-end/size"; size is 0 when "*".
func parseContentRange(header string) (start, size int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, totalRaw, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	startRaw, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if totalRaw != "*" {
		size, err = strconv.ParseInt(totalRaw, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return start, size, true
}

// watchedReader pushes the stall deadline forward whenever bytes arrive.
type watchedReader struct {
	r        io.Reader
	watchdog *time.Timer
	stall    time.Duration
}

func (w *watchedReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.watchdog.Reset(w.stall)
	}
	return n, err
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func copyWithProgress(dst io.Writer, src io.Reader, offset, total int64, progress Progress) (int64, error) {
	buf := make([]byte, 64*1024)
	var written int64
	if progress != nil {
		progress(offset, total)
	}
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, &writeError{err: err}
			}
			written += int64(n)
			if progress != nil {
				progress(offset+written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
