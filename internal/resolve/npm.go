package resolve

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/opencontainers/go-digest"

	"toolpin/internal/toolerr"
	"toolpin/internal/tools"
)

// npmSource reads an npm registry package document. The abbreviated
// ("corgi") form carries everything needed.
type npmSource struct{}

type npmDocument struct {
	DistTags map[string]string     `json:"dist-tags"`
	Versions map[string]npmVersion `json:"versions"`
}

type npmVersion struct {
	Dist struct {
		Tarball   string `json:"tarball"`
		Integrity string `json:"integrity"`
	} `json:"dist"`
}

func (npmSource) indexURL(def tools.Definition) string { return def.IndexURL }

func (npmSource) accept() string {
	return "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8"
}

func (npmSource) parse(_ tools.Definition, body []byte) (catalog, error) {
	var doc npmDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return catalog{}, err
	}
	cat := newCatalog()
	for raw, v := range doc.Versions {
		cat.add(raw, catalogRelease{tarball: v.Dist.Tarball, integrity: v.Dist.Integrity})
	}
	for tag, raw := range doc.DistTags {
		rel, ok := cat.releases[normalizeQuiet(raw)]
		if !ok {
			continue
		}
		cat.tags[strings.ToLower(tag)] = rel.version
	}
	return cat, nil
}

func (npmSource) describe(_ context.Context, _ *Resolver, def tools.Definition, rel catalogRelease) (Release, error) {
	if rel.tarball == "" {
		return Release{}, toolerr.Newf(toolerr.KindIndexUnavailable, "resolve", "%s@%s: index lists no tarball", def.Name, rel.version)
	}
	dgst, ok := integrityDigest(rel.integrity)
	if !ok {
		return Release{}, toolerr.Newf(toolerr.KindIndexUnavailable, "resolve", "%s@%s: index lists no sha512 integrity", def.Name, rel.version)
	}
	format, ok := tools.FormatFromName(rel.tarball)
	if !ok {
		format = tools.FormatTarGz
	}
	return Release{URL: rel.tarball, Digest: dgst, Format: format}, nil
}

// integrityDigest converts a Subresource Integrity value ("sha512-<base64>",
// possibly one of several space-separated hashes) into a digest.
func integrityDigest(sri string) (digest.Digest, bool) {
	for _, field := range strings.Fields(sri) {
		algo, encoded, ok := strings.Cut(field, "-")
		if !ok || algo != "sha512" {
			continue
		}
		if i := strings.IndexByte(encoded, '?'); i >= 0 {
			encoded = encoded[:i]
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) != 64 {
			continue
		}
		return digest.NewDigestFromEncoded(digest.SHA512, hex.EncodeToString(raw)), true
	}
	return "", false
}
