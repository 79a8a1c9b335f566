package resolve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"

	"toolpin/internal/toolerr"
	"toolpin/internal/tools"
	"toolpin/internal/version"
)

// nodeDistSource reads the nodejs.org/dist layout.
type nodeDistSource struct{}

type nodeDistRelease struct {
	Version string          `json:"version"`
	LTS     json.RawMessage `json:"lts"`
	Files   []string        `json:"files"`
}

func (nodeDistSource) indexURL(def tools.Definition) string {
	return strings.TrimRight(def.IndexURL, "/") + "/index.json"
}

func (nodeDistSource) accept() string { return "application/json" }

// parse builds the catalog. "latest" is the highest release, "lts" the
// highest release carrying an LTS codename, and each codename ("iron") is a
// tag of its own.
func (nodeDistSource) parse(_ tools.Definition, body []byte) (catalog, error) {
	var entries []nodeDistRelease
	if err := json.Unmarshal(body, &entries); err != nil {
		return catalog{}, err
	}
	cat := newCatalog()
	for _, e := range entries {
		cat.add(e.Version, catalogRelease{lts: ltsCodename(e.LTS), files: e.Files})
	}
	if ver, ok := cat.highestStable(nil); ok {
		cat.tags[version.TagLatest] = ver
	}
	isLTS := func(rel catalogRelease) bool { return rel.lts != "" }
	if ver, ok := cat.highestStable(isLTS); ok {
		cat.tags[version.TagLTS] = ver
	}
	codenames := map[string]bool{}
	for _, rel := range cat.releases {
		if rel.lts != "" {
			codenames[rel.lts] = true
		}
	}
	for name := range codenames {
		if ver, ok := cat.highestStable(func(rel catalogRelease) bool { return rel.lts == name }); ok {
			cat.tags[name] = ver
		}
	}
	return cat, nil
}

// ltsCodename decodes the "lts" field, which is false or a codename.
func ltsCodename(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(name))
}

func (nodeDistSource) describe(ctx context.Context, r *Resolver, def tools.Definition, rel catalogRelease) (Release, error) {
	nodeKey, err := r.platform.NodeKey()
	if err != nil {
		return Release{}, toolerr.New(toolerr.KindNotFound, "resolve", err)
	}
	if len(rel.files) > 0 && !publishesNodeFile(rel.files, nodeKey) {
		return Release{}, notPublishedFor(def, rel.version, nodeKey)
	}

	base := strings.TrimRight(def.IndexURL, "/") + "/v" + rel.version
	sums, err := r.nodeShasums(ctx, def, rel.version, base+"/SHASUMS256.txt")
	if err != nil {
		return Release{}, err
	}

	formats := []tools.ArchiveFormat{tools.FormatTarXz, tools.FormatTarGz}
	if r.platform.Windows() {
		formats = []tools.ArchiveFormat{tools.FormatZip}
	}
	for _, format := range formats {
		name := fmt.Sprintf("node-v%s-%s.%s", rel.version, nodeKey, format)
		sum, ok := sums[name]
		if !ok {
			continue
		}
		return Release{
			URL:    base + "/" + name,
			Digest: digest.NewDigestFromEncoded(digest.SHA256, sum),
			Format: format,
		}, nil
	}
	return Release{}, notPublishedFor(def, rel.version, nodeKey)
}

// publishesNodeFile matches the platform against index.json "files" keys,
// which name macOS "osx" and mark archive kinds with a suffix.
func publishesNodeFile(files []string, nodeKey string) bool {
	osName, arch, _ := strings.Cut(nodeKey, "-")
	candidates := []string{nodeKey}
	switch osName {
	case "darwin":
		candidates = []string{"osx-" + arch + "-tar"}
	case "win":
		candidates = []string{"win-" + arch + "-zip"}
	}
	for _, f := range files {
		for _, c := range candidates {
			if f == c {
				return true
			}
		}
	}
	return false
}

// nodeShasums returns file name → hex sha256 for one release. Checksum lists
// never change once published, so they are cached without expiry.
func (r *Resolver) nodeShasums(ctx context.Context, def tools.Definition, ver, url string) (map[string]string, error) {
	blobName := "SHASUMS256-v" + ver + ".txt"
	body, ok := r.cache.blob(def.Name, blobName)
	if !ok {
		if r.offline {
			return nil, toolerr.Newf(toolerr.KindIndexUnavailable, "resolve", "%s@%s: checksums not cached", def.Name, ver)
		}
		fetched, err := r.get(ctx, url, "text/plain")
		if err != nil {
			return nil, err
		}
		body = fetched
		if err := r.cache.storeBlob(def.Name, blobName, body); err != nil {
			slogcontext.FromCtx(ctx).Warn("could not cache checksums", "tool", def.Name, "version", ver, "error", err)
		}
	}
	return parseShasums(body), nil
}

func parseShasums(body []byte) map[string]string {
	sums := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		sums[strings.TrimPrefix(fields[1], "*")] = strings.ToLower(fields[0])
	}
	return sums
}
