package resolve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
)

// indexCache keeps raw index documents on disk, one per (tool, index URL), so
// a mirror override never answers from another mirror's document.
type indexCache struct {
	dir string
}

type indexCacheMeta struct {
	Tool      string    `json:"tool"`
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (c indexCache) paths(tool, url string) (doc, meta string) {
	key := digest.FromString(url).Encoded()[:16]
	base := filepath.Join(c.dir, tool, key)
	return base + ".doc", base + ".meta.json"
}

func (c indexCache) load(tool, url string) ([]byte, time.Time, bool) {
	if c.dir == "" {
		return nil, time.Time{}, false
	}
	docPath, metaPath := c.paths(tool, url)
	rawMeta, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, time.Time{}, false
	}
	var meta indexCacheMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta.URL != url {
		return nil, time.Time{}, false
	}
	doc, err := os.ReadFile(docPath)
	if err != nil {
		return nil, time.Time{}, false
	}
	return doc, meta.FetchedAt, true
}

// store writes the document before its metadata so a reader that sees the
// metadata also sees a complete document.
func (c indexCache) store(tool, url string, doc []byte, fetchedAt time.Time) error {
	if c.dir == "" {
		return nil
	}
	docPath, metaPath := c.paths(tool, url)
	if err := os.MkdirAll(filepath.Dir(docPath), 0o755); err != nil {
		return fmt.Errorf("create index cache dir: %w", err)
	}
	if err := atomicwriter.WriteFile(docPath, doc, 0o644); err != nil {
		return fmt.Errorf("write index document: %w", err)
	}
	meta, err := json.MarshalIndent(indexCacheMeta{Tool: tool, URL: url, FetchedAt: fetchedAt}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index metadata: %w", err)
	}
	if err := atomicwriter.WriteFile(metaPath, meta, 0o644); err != nil {
		return fmt.Errorf("write index metadata: %w", err)
	}
	return nil
}

// blob returns an immutable cached document such as a release checksum list.
func (c indexCache) blob(tool, name string) ([]byte, bool) {
	if c.dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(c.dir, tool, name))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c indexCache) storeBlob(tool, name string, data []byte) error {
	if c.dir == "" {
		return nil
	}
	target := filepath.Join(c.dir, tool, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create index cache dir: %w", err)
	}
	return atomicwriter.WriteFile(target, data, 0o644)
}
