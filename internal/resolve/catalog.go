package resolve

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/Masterminds/semver/v3"

	"toolpin/internal/toolerr"
	"toolpin/internal/tools"
	"toolpin/internal/version"
)

const maxIndexBytes = 64 << 20

// catalog is an index document normalised across source formats.
type catalog struct {
	releases map[string]catalogRelease
	tags     map[string]string
}

type catalogRelease struct {
	version string
	// nodedist
	lts   string
	files []string
	// npm
	tarball   string
	integrity string
	// manifest
	assets  []ManifestAsset
	baseURL string
}

func newCatalog() catalog {
	return catalog{releases: map[string]catalogRelease{}, tags: map[string]string{}}
}

// add registers a release under its canonical version, dropping entries that
// are not semantic versions.
func (c catalog) add(raw string, rel catalogRelease) (string, bool) {
	ver, err := version.Normalize(raw)
	if err != nil {
		return "", false
	}
	rel.version = ver
	c.releases[ver] = rel
	return ver, true
}

func (c catalog) has(ver string) bool {
	_, ok := c.releases[ver]
	return ok
}

func (c catalog) versions() []string {
	out := make([]string, 0, len(c.releases))
	for v := range c.releases {
		out = append(out, v)
	}
	version.Sort(out)
	return out
}

// highestStable returns the greatest non-prerelease version accepted by keep.
func (c catalog) highestStable(keep func(catalogRelease) bool) (string, bool) {
	var best *semver.Version
	for raw, rel := range c.releases {
		v, err := semver.NewVersion(raw)
		if err != nil || v.Prerelease() != "" {
			continue
		}
		if keep != nil && !keep(rel) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	if best == nil {
		return "", false
	}
	return version.Canonical(best), true
}

// indexSource understands one index format.
type indexSource interface {
	indexURL(def tools.Definition) string
	accept() string
	parse(def tools.Definition, body []byte) (catalog, error)
	describe(ctx context.Context, r *Resolver, def tools.Definition, rel catalogRelease) (Release, error)
}

// get downloads an index document. Failures are IndexUnavailable, or
// Interrupted when ctx ended.
func (r *Resolver) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, toolerr.New(toolerr.KindIndexUnavailable, "fetch index", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if isCancel(ctx, err) {
			return nil, toolerr.New(toolerr.KindInterrupted, "fetch index", err)
		}
		return nil, toolerr.New(toolerr.KindIndexUnavailable, "fetch index", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, toolerr.Newf(toolerr.KindIndexUnavailable, "fetch index", "GET %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexBytes+1))
	if err != nil {
		if isCancel(ctx, err) {
			return nil, toolerr.New(toolerr.KindInterrupted, "fetch index", err)
		}
		return nil, toolerr.New(toolerr.KindIndexUnavailable, "fetch index", err)
	}
	if len(body) > maxIndexBytes {
		return nil, toolerr.Newf(toolerr.KindIndexUnavailable, "fetch index", "GET %s: document exceeds %d bytes", url, maxIndexBytes)
	}
	return body, nil
}

func notPublishedFor(def tools.Definition, ver, plat string) error {
	return toolerr.New(toolerr.KindNotFound, "resolve", fmt.Errorf("%s@%s has no archive for %s", def.Name, ver, plat))
}
