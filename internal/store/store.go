// Package store implements the on-disk tool store. An installed version is a
// directory tools/<tool>/<version> that carries its own metadata file; the
// directory only ever appears through a single rename of a fully staged tree,
// so readers observe either no entry or a complete one and never need a lock.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"toolpin/internal/paths"
	"toolpin/internal/toolerr"
	"toolpin/internal/version"
)

// EntryFileName is the metadata file written inside every installed version.
const EntryFileName = ".toolpin-entry.json"

// Entry is an installed tool version.
type Entry struct {
	Tool        string        `json:"tool"`
	Version     string        `json:"version"`
	InstalledAt time.Time     `json:"installed_at"`
	Platform    string        `json:"platform,omitempty"`
	Source      string        `json:"source,omitempty"`
	Digest      digest.Digest `json:"digest,omitempty"`
	Root        string        `json:"-"`
}

// Key renders the (tool, version) identity.
func (e Entry) Key() string { return e.Tool + "@" + e.Version }

// Store reads and mutates a tool store rooted at a toolpin home.
type Store struct {
	paths paths.StorePaths
}

// New returns a store for the given layout.
func New(p paths.StorePaths) *Store {
	return &Store{paths: p}
}

// Paths exposes the layout the store was opened with.
func (s *Store) Paths() paths.StorePaths { return s.paths }

// EntryDir is the canonical location of an installed version.
func (s *Store) EntryDir(tool, ver string) string {
	return filepath.Join(s.paths.ToolsDir, tool, ver)
}

func validateIdentity(tool, ver string) error {
	if _, err := version.ParseTool(tool); err != nil {
		return err
	}
	if _, err := version.Normalize(ver); err != nil {
		return toolerr.New(toolerr.KindInvalidSpecifier, "store", err)
	}
	if strings.ContainsAny(ver, `/\`) {
		return toolerr.Newf(toolerr.KindInvalidSpecifier, "store", "invalid version %q", ver)
	}
	return nil
}

// Lookup returns the installed entry for (tool, version). A directory
// without readable metadata is not an entry.
func (s *Store) Lookup(tool, ver string) (Entry, bool, error) {
	if err := validateIdentity(tool, ver); err != nil {
		return Entry{}, false, err
	}
	return readEntry(s.EntryDir(tool, ver))
}

func readEntry(dir string) (Entry, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, EntryFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrInvalid) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read entry metadata: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, nil
	}
	entry.Root = dir
	return entry, true, nil
}

// List returns installed entries for tool, or for every tool when tool is
// empty, ordered by tool name then version precedence.
func (s *Store) List(tool string) ([]Entry, error) {
	var toolNames []string
	if tool != "" {
		toolNames = []string{tool}
	} else {
		dirs, err := os.ReadDir(s.paths.ToolsDir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, d := range dirs {
			if d.IsDir() {
				toolNames = append(toolNames, d.Name())
			}
		}
	}
	sort.Strings(toolNames)

	var entries []Entry
	for _, name := range toolNames {
		dirs, err := os.ReadDir(filepath.Join(s.paths.ToolsDir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("list %s versions: %w", name, err)
		}
		versions := make([]string, 0, len(dirs))
		for _, d := range dirs {
			if d.IsDir() {
				versions = append(versions, d.Name())
			}
		}
		version.Sort(versions)
		for _, v := range versions {
			entry, ok, err := readEntry(filepath.Join(s.paths.ToolsDir, name, v))
			if err != nil {
				return nil, err
			}
			if ok {
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}

// NewStaging creates an empty staging directory for one install attempt.
func (s *Store) NewStaging(tool, ver string) (string, error) {
	if err := os.MkdirAll(s.paths.StagingDir, 0o755); err != nil {
		return "", toolerr.FromFS(toolerr.KindPermissionDenied, "prepare staging", err)
	}
	dir, err := os.MkdirTemp(s.paths.StagingDir, tool+"-"+ver+"-")
	if err != nil {
		return "", toolerr.FromFS(toolerr.KindPermissionDenied, "create staging", err)
	}
	return dir, nil
}

// WriteMetadata stores entry metadata inside a staged root prior to commit.
func WriteMetadata(root string, e Entry) error {
	buf, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entry metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, EntryFileName), buf, 0o644); err != nil {
		return toolerr.FromFS(toolerr.KindPermissionDenied, "write entry metadata", err)
	}
	return nil
}

// Commit moves a staged root into its canonical location with one rename.
// When another writer committed the same version first, the existing entry
// is returned with committed == false and the staged tree is left for the
// caller to discard.
func (s *Store) Commit(staged string, e Entry) (Entry, bool, error) {
	if err := validateIdentity(e.Tool, e.Version); err != nil {
		return Entry{}, false, err
	}
	final := s.EntryDir(e.Tool, e.Version)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return Entry{}, false, toolerr.FromFS(toolerr.KindPermissionDenied, "prepare tool dir", err)
	}

	if err := os.Rename(staged, final); err != nil {
		if existing, ok, lookupErr := readEntry(final); lookupErr == nil && ok {
			return existing, false, nil
		}
		if info, statErr := os.Stat(final); statErr == nil && info.IsDir() {
			// A leftover directory without metadata is not an entry; move it
			// aside and retry once.
			if err := s.discard(final); err != nil {
				return Entry{}, false, err
			}
			if err := os.Rename(staged, final); err != nil {
				return Entry{}, false, toolerr.FromFS(toolerr.KindPermissionDenied, "commit entry", err)
			}
			e.Root = final
			return e, true, nil
		}
		return Entry{}, false, toolerr.FromFS(toolerr.KindPermissionDenied, "commit entry", err)
	}
	e.Root = final
	return e, true, nil
}

// Uninstall removes an installed version. The entry disappears from readers'
// view in one rename; the bulk delete happens afterwards in staging.
func (s *Store) Uninstall(tool, ver string) error {
	_, ok, err := s.Lookup(tool, ver)
	if err != nil {
		return err
	}
	if !ok {
		return toolerr.Newf(toolerr.KindNotInstalled, "uninstall", "%s@%s is not installed", tool, ver)
	}
	return s.discard(s.EntryDir(tool, ver))
}

func (s *Store) discard(dir string) error {
	if err := os.MkdirAll(s.paths.StagingDir, 0o755); err != nil {
		return toolerr.FromFS(toolerr.KindPermissionDenied, "prepare staging", err)
	}
	trash, err := os.MkdirTemp(s.paths.StagingDir, "trash-")
	if err != nil {
		return toolerr.FromFS(toolerr.KindPermissionDenied, "create trash", err)
	}
	target := filepath.Join(trash, filepath.Base(dir))
	if err := os.Rename(dir, target); err != nil {
		_ = os.Remove(trash)
		return toolerr.FromFS(toolerr.KindPermissionDenied, "remove entry", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return fmt.Errorf("delete removed entry: %w", err)
	}
	return nil
}

// PruneStaging deletes staging directories older than maxAge, which are
// leftovers of interrupted installs. It returns the removed paths.
func (s *Store) PruneStaging(maxAge time.Duration) ([]string, error) {
	dirs, err := os.ReadDir(s.paths.StagingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read staging: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, d := range dirs {
		info, err := d.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.paths.StagingDir, d.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
