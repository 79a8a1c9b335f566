// Package install unpacks verified archives into the tool store. Archives
// are unpacked into a staging directory on the store's filesystem and become
// visible only through one rename, so an interrupted install never leaves a
// partial entry behind.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	slogcontext "github.com/veqryn/slog-context"

	"toolpin/internal/fetch"
	"toolpin/internal/platform"
	"toolpin/internal/resolve"
	"toolpin/internal/store"
	"toolpin/internal/toolerr"
	"toolpin/internal/tools"
)

// Options configures an Installer.
type Options struct {
	Store    *store.Store
	Registry *tools.Registry
	Platform platform.Platform
}

// Installer turns archives into store entries.
type Installer struct {
	store    *store.Store
	registry *tools.Registry
	platform platform.Platform
	now      func() time.Time
}

// New constructs an Installer.
func New(opts Options) *Installer {
	if opts.Registry == nil {
		opts.Registry = tools.DefaultRegistry()
	}
	if opts.Platform == (platform.Platform{}) {
		opts.Platform = platform.Current()
	}
	return &Installer{
		store:    opts.Store,
		registry: opts.Registry,
		platform: opts.Platform,
		now:      time.Now,
	}
}

// Staged is an unpacked, validated tree waiting for Commit.
type Staged struct {
	// Dir is the staging directory owned by this attempt.
	Dir string
	// Root is the tree that will become the entry directory.
	Root  string
	Entry store.Entry
}

// Discard removes the staging directory.
func (s Staged) Discard() {
	if s.Dir != "" {
		_ = os.RemoveAll(s.Dir)
	}
}

// Install makes rel available in the store. An existing complete entry is a
// no-op success, as is losing a commit race to another writer.
func (i *Installer) Install(ctx context.Context, archive fetch.Archive, rel resolve.Release) (store.Entry, error) {
	logger := slogcontext.FromCtx(ctx).With("tool", rel.Tool, "version", rel.Version)

	if existing, ok, err := i.store.Lookup(rel.Tool, rel.Version); err != nil {
		return store.Entry{}, err
	} else if ok {
		logger.Debug("already installed", "root", existing.Root)
		return existing, nil
	}

	staged, err := i.Stage(ctx, archive.Path, rel)
	if err != nil {
		return store.Entry{}, err
	}
	defer staged.Discard()

	entry, committed, err := i.store.Commit(staged.Root, staged.Entry)
	if err != nil {
		return store.Entry{}, err
	}
	if committed {
		logger.Info("installed", "root", entry.Root)
	} else {
		logger.Debug("another writer installed first", "root", entry.Root)
	}
	return entry, nil
}

// Stage unpacks archivePath into a fresh staging directory, strips a single
// top-level directory, validates the layout, and writes entry metadata. The
// caller must Commit or Discard the result.
func (i *Installer) Stage(ctx context.Context, archivePath string, rel resolve.Release) (Staged, error) {
	def, ok := i.registry.Definition(rel.Tool)
	if !ok {
		return Staged{}, toolerr.Newf(toolerr.KindNotFound, "install", "unknown tool %q", rel.Tool)
	}
	format := rel.Format
	if format == "" {
		inferred, ok := tools.FormatFromName(archivePath)
		if !ok {
			return Staged{}, toolerr.Newf(toolerr.KindArchiveCorrupt, "install", "cannot infer archive format of %s", filepath.Base(archivePath))
		}
		format = inferred
	}

	dir, err := i.store.NewStaging(rel.Tool, rel.Version)
	if err != nil {
		return Staged{}, err
	}
	staged := Staged{Dir: dir}

	unpackDir := filepath.Join(dir, "unpack")
	if err := os.MkdirAll(unpackDir, 0o755); err != nil {
		staged.Discard()
		return Staged{}, toolerr.FromFS(toolerr.KindPermissionDenied, "prepare staging", err)
	}
	if err := extractArchive(ctx, format, archivePath, unpackDir); err != nil {
		staged.Discard()
		return Staged{}, err
	}

	root, err := stripTopLevel(unpackDir)
	if err != nil {
		staged.Discard()
		return Staged{}, err
	}
	if err := i.validateLayout(def, root); err != nil {
		staged.Discard()
		return Staged{}, err
	}

	entry := store.Entry{
		Tool:        rel.Tool,
		Version:     rel.Version,
		InstalledAt: i.now().UTC(),
		Platform:    i.platform.Key(),
		Source:      rel.URL,
		Digest:      rel.Digest,
	}
	if err := store.WriteMetadata(root, entry); err != nil {
		staged.Discard()
		return Staged{}, err
	}
	staged.Root = root
	staged.Entry = entry
	return staged, nil
}

// Commit publishes a staged tree. committed is false when another writer
// already produced the entry.
func (i *Installer) Commit(staged Staged) (store.Entry, bool, error) {
	return i.store.Commit(staged.Root, staged.Entry)
}

// stripTopLevel returns the single directory an archive wraps its contents
// in ("node-v20.11.0-linux-x64/", "package/"), or dir itself when there is
// none.
func stripTopLevel(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", toolerr.FromFS(toolerr.KindArchiveCorrupt, "inspect unpacked archive", err)
	}
	if len(entries) == 0 {
		return "", toolerr.Newf(toolerr.KindLayoutUnexpected, "install", "archive unpacked to nothing")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// validateLayout checks every executable the tool declares and makes sure
// each is runnable; package tarballs do not always carry execute bits.
func (i *Installer) validateLayout(def tools.Definition, root string) error {
	var missing []string
	for _, rel := range def.Layout(i.platform) {
		target := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, rel)
				continue
			}
			return toolerr.FromFS(toolerr.KindLayoutUnexpected, "validate layout", err)
		}
		if info.IsDir() {
			missing = append(missing, rel)
			continue
		}
		if !i.platform.Windows() && info.Mode().Perm()&0o111 == 0 {
			if err := os.Chmod(target, info.Mode().Perm()|0o111); err != nil {
				return toolerr.FromFS(toolerr.KindPermissionDenied, "mark executable", err)
			}
		}
	}
	if len(missing) > 0 {
		return toolerr.New(toolerr.KindLayoutUnexpected, "install", fmt.Errorf("%s archive lacks %v", def.Name, missing))
	}
	return nil
}
