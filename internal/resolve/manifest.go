package resolve

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"toolpin/internal/toolerr"
	"toolpin/internal/tools"
	"toolpin/internal/version"
)

// PlatformAny marks a manifest asset usable on every platform.
const PlatformAny = "any"

// Manifest is toolpin's own release index, served as JSON or YAML.
type Manifest struct {
	Releases []ManifestRelease `yaml:"releases" json:"releases"`
}

type ManifestRelease struct {
	Version string          `yaml:"version" json:"version"`
	Tags    []string        `yaml:"tags,omitempty" json:"tags,omitempty"`
	Assets  []ManifestAsset `yaml:"assets" json:"assets"`
}

type ManifestAsset struct {
	// Platform is an "os-arch" key or "any".
	Platform string `yaml:"platform" json:"platform"`
	URL      string `yaml:"url" json:"url"`
	Digest   string `yaml:"digest" json:"digest"`
	Size     int64  `yaml:"size,omitempty" json:"size,omitempty"`
	Format   string `yaml:"format,omitempty" json:"format,omitempty"`
}

type manifestSource struct{}

func (manifestSource) indexURL(def tools.Definition) string { return def.IndexURL }

func (manifestSource) accept() string { return "application/json, application/yaml;q=0.9" }

// parse accepts YAML, which also covers JSON documents. An explicit "latest"
// tag wins; otherwise latest is the highest stable release.
func (manifestSource) parse(def tools.Definition, body []byte) (catalog, error) {
	var m Manifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		return catalog{}, err
	}
	cat := newCatalog()
	for _, rel := range m.Releases {
		ver, ok := cat.add(rel.Version, catalogRelease{assets: rel.Assets, baseURL: def.IndexURL})
		if !ok {
			continue
		}
		for _, tag := range rel.Tags {
			cat.tags[strings.ToLower(strings.TrimSpace(tag))] = ver
		}
	}
	if _, ok := cat.tags[version.TagLatest]; !ok {
		if ver, ok := cat.highestStable(nil); ok {
			cat.tags[version.TagLatest] = ver
		}
	}
	return cat, nil
}

func (manifestSource) describe(_ context.Context, r *Resolver, def tools.Definition, rel catalogRelease) (Release, error) {
	key := r.platform.Key()
	var chosen *ManifestAsset
	for i := range rel.assets {
		asset := &rel.assets[i]
		if asset.Platform == key {
			chosen = asset
			break
		}
		if asset.Platform == PlatformAny && chosen == nil {
			chosen = asset
		}
	}
	if chosen == nil {
		return Release{}, notPublishedFor(def, rel.version, key)
	}

	target, err := resolveAssetURL(rel.baseURL, chosen.URL)
	if err != nil {
		return Release{}, toolerr.New(toolerr.KindIndexUnavailable, "resolve", fmt.Errorf("%s@%s: asset url: %w", def.Name, rel.version, err))
	}
	dgst, err := digest.Parse(chosen.Digest)
	if err != nil {
		return Release{}, toolerr.New(toolerr.KindIndexUnavailable, "resolve", fmt.Errorf("%s@%s: asset digest: %w", def.Name, rel.version, err))
	}

	format := tools.ArchiveFormat(strings.ToLower(chosen.Format))
	if format == "" {
		inferred, ok := tools.FormatFromName(target)
		if !ok {
			return Release{}, toolerr.Newf(toolerr.KindIndexUnavailable, "resolve", "%s@%s: cannot infer archive format of %s", def.Name, rel.version, target)
		}
		format = inferred
	}
	return Release{URL: target, Digest: dgst, Size: chosen.Size, Format: format}, nil
}

// resolveAssetURL lets manifests use URLs relative to the manifest itself.
func resolveAssetURL(base, ref string) (string, error) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	if refURL.IsAbs() {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

func normalizeQuiet(raw string) string {
	ver, err := version.Normalize(raw)
	if err != nil {
		return raw
	}
	return ver
}
