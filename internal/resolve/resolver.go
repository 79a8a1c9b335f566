// Package resolve turns version specifiers into concrete release descriptors
// by consulting a tool's release index. It never touches the tool store and
// never retries; retrying transfers is the fetcher's job.
package resolve

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"

	"toolpin/internal/platform"
	"toolpin/internal/toolerr"
	"toolpin/internal/tools"
	"toolpin/internal/version"
)

// DefaultIndexTTL bounds how long a cached index answers tag and range
// lookups before it is refreshed.
const DefaultIndexTTL = time.Hour

// Release describes one downloadable archive of a concrete tool version.
type Release struct {
	Tool     string
	Version  string
	Platform platform.Platform
	URL      string
	Digest   digest.Digest
	// Size is the archive length in bytes, or 0 when the index omits it.
	Size   int64
	Format tools.ArchiveFormat
}

// Key renders the (tool, version) identity.
func (r Release) Key() string { return r.Tool + "@" + r.Version }

// ArchiveName is the file name the archive is cached under.
func (r Release) ArchiveName() string {
	name := path.Base(r.URL)
	if name == "." || name == "/" || name == "" {
		name = r.Tool + "-" + r.Version + "." + string(r.Format)
	}
	return name
}

// Available is one entry of a remote version listing.
type Available struct {
	Version string
	Tags    []string
}

// Options configures a Resolver.
type Options struct {
	Registry *tools.Registry
	// IndexDir holds cached index documents. Caching is disabled when empty.
	IndexDir string
	Client   *http.Client
	TTL      time.Duration
	// Offline answers from cached indexes only.
	Offline   bool
	Platform  platform.Platform
	UserAgent string
}

// Resolver maps (tool, specifier) to a Release.
type Resolver struct {
	registry  *tools.Registry
	cache     indexCache
	client    *http.Client
	ttl       time.Duration
	offline   bool
	platform  platform.Platform
	userAgent string
	now       func() time.Time
}

// New constructs a Resolver, filling unset options with defaults.
func New(opts Options) *Resolver {
	if opts.Registry == nil {
		opts.Registry = tools.DefaultRegistry()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultIndexTTL
	}
	if opts.Platform == (platform.Platform{}) {
		opts.Platform = platform.Current()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "toolpin"
	}
	return &Resolver{
		registry:  opts.Registry,
		cache:     indexCache{dir: opts.IndexDir},
		client:    opts.Client,
		ttl:       opts.TTL,
		offline:   opts.Offline,
		platform:  opts.Platform,
		userAgent: opts.UserAgent,
		now:       time.Now,
	}
}

// Platform is the platform releases are resolved for.
func (r *Resolver) Platform() platform.Platform { return r.platform }

// Resolve returns the highest release of tool satisfying spec.
func (r *Resolver) Resolve(ctx context.Context, tool string, spec version.Specifier) (Release, error) {
	if spec.IsZero() {
		return Release{}, toolerr.Newf(toolerr.KindInvalidSpecifier, "resolve", "missing version specifier")
	}
	def, src, err := r.source(tool)
	if err != nil {
		return Release{}, err
	}
	logger := slogcontext.FromCtx(ctx).With("tool", def.Name, "spec", spec.String())

	want := ""
	if exact, ok := spec.Exact(); ok {
		want = version.Canonical(exact)
	}

	cat, err := r.catalog(ctx, def, src, want)
	if err != nil {
		return Release{}, err
	}

	ver, err := pick(def.Name, cat, spec)
	if err != nil {
		return Release{}, err
	}
	logger.Debug("resolved version", "version", ver)

	rel, err := src.describe(ctx, r, def, cat.releases[ver])
	if err != nil {
		return Release{}, err
	}
	rel.Tool = def.Name
	rel.Version = ver
	rel.Platform = r.platform
	if err := rel.Digest.Validate(); err != nil {
		return Release{}, toolerr.Newf(toolerr.KindIndexUnavailable, "resolve", "%s: index digest %q: %v", rel.Key(), rel.Digest, err)
	}
	return rel, nil
}

// List returns every version the tool's index publishes, ascending.
func (r *Resolver) List(ctx context.Context, tool string) ([]Available, error) {
	def, src, err := r.source(tool)
	if err != nil {
		return nil, err
	}
	cat, err := r.catalog(ctx, def, src, "")
	if err != nil {
		return nil, err
	}
	byVersion := map[string][]string{}
	for tag, ver := range cat.tags {
		byVersion[ver] = append(byVersion[ver], tag)
	}
	versions := cat.versions()
	out := make([]Available, 0, len(versions))
	for _, v := range versions {
		tags := byVersion[v]
		sort.Strings(tags)
		out = append(out, Available{Version: v, Tags: tags})
	}
	return out, nil
}

func (r *Resolver) source(tool string) (tools.Definition, indexSource, error) {
	name, err := version.ParseTool(tool)
	if err != nil {
		return tools.Definition{}, nil, err
	}
	def, ok := r.registry.Definition(name)
	if !ok {
		return tools.Definition{}, nil, toolerr.Newf(toolerr.KindNotFound, "resolve", "unknown tool %q", tool)
	}
	switch def.Index {
	case tools.IndexNodeDist:
		return def, nodeDistSource{}, nil
	case tools.IndexNPM:
		return def, npmSource{}, nil
	case tools.IndexManifest:
		return def, manifestSource{}, nil
	default:
		return tools.Definition{}, nil, toolerr.Newf(toolerr.KindIndexUnavailable, "resolve", "%s: unsupported index kind %q", def.Name, def.Index)
	}
}

// catalog loads the tool's index. Exact lookups (want != "") accept a cached
// index of any age that already lists the version; tag and range lookups need
// a cached index younger than the TTL. Offline mode never uses the network.
func (r *Resolver) catalog(ctx context.Context, def tools.Definition, src indexSource, want string) (catalog, error) {
	logger := slogcontext.FromCtx(ctx)
	docURL := src.indexURL(def)

	if cached, fetchedAt, ok := r.cache.load(def.Name, docURL); ok {
		cat, err := src.parse(def, cached)
		if err != nil {
			logger.Warn("discarding unreadable cached index", "tool", def.Name, "error", err)
		} else {
			fresh := r.now().Sub(fetchedAt) < r.ttl
			switch {
			case r.offline:
				return cat, nil
			case want != "" && cat.has(want):
				return cat, nil
			case want == "" && fresh:
				return cat, nil
			}
		}
	}

	if r.offline {
		return catalog{}, toolerr.Newf(toolerr.KindIndexUnavailable, "resolve", "%s: no cached index available offline", def.Name)
	}

	body, err := r.get(ctx, docURL, src.accept())
	if err != nil {
		return catalog{}, err
	}
	cat, err := src.parse(def, body)
	if err != nil {
		return catalog{}, toolerr.New(toolerr.KindIndexUnavailable, "resolve", fmt.Errorf("%s: parse index: %w", def.Name, err))
	}
	if err := r.cache.store(def.Name, docURL, body, r.now()); err != nil {
		logger.Warn("could not cache index", "tool", def.Name, "error", err)
	}
	return cat, nil
}

func pick(tool string, cat catalog, spec version.Specifier) (string, error) {
	switch spec.Kind() {
	case version.KindExact:
		exact, _ := spec.Exact()
		ver := version.Canonical(exact)
		if !cat.has(ver) {
			return "", toolerr.Newf(toolerr.KindNotFound, "resolve", "%s@%s is not published", tool, ver)
		}
		return ver, nil
	case version.KindTag:
		tag, _ := spec.Tag()
		ver, ok := cat.tags[tag]
		if !ok || !cat.has(ver) {
			return "", toolerr.Newf(toolerr.KindNotFound, "resolve", "%s has no release tagged %q", tool, tag)
		}
		return ver, nil
	default:
		best, ok := spec.Highest(cat.versions())
		if !ok {
			return "", toolerr.Newf(toolerr.KindNotFound, "resolve", "no %s release satisfies %q", tool, spec.String())
		}
		return version.Canonical(best), nil
	}
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
