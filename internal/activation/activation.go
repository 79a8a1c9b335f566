// Package activation records which version of each tool is active, per
// scope. Records are replaced atomically; writers of the same record
// serialise on a lock file so concurrent read-modify-write cycles never lose
// an update, and readers never lock.
package activation

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"
	"gopkg.in/yaml.v3"

	"toolpin/internal/paths"
	"toolpin/internal/store"
	"toolpin/internal/toolerr"
	"toolpin/internal/version"
)

// ScopeKind distinguishes the machine-wide record from per-project ones.
type ScopeKind int

const (
	ScopeDefault ScopeKind = iota
	ScopeProject
)

// Scope names one activation record.
type Scope struct {
	Kind ScopeKind
	// Root is the absolute project root for project scopes.
	Root string
}

// Default is the machine-wide scope.
func Default() Scope { return Scope{Kind: ScopeDefault} }

// Project is the scope of the project rooted at root.
func Project(root string) Scope {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return Scope{Kind: ScopeProject, Root: abs}
}

func (s Scope) String() string {
	if s.Kind == ScopeProject {
		return "project " + s.Root
	}
	return "default"
}

// Label is the short scope name used in listings.
func (s Scope) Label() string {
	if s.Kind == ScopeProject {
		return "project"
	}
	return "default"
}

// chain is the lookup order starting at s.
func (s Scope) chain() []Scope {
	if s.Kind == ScopeProject {
		return []Scope{s, Default()}
	}
	return []Scope{s}
}

// Record is the persisted content of one scope.
type Record struct {
	Scope     Scope             `yaml:"-"`
	Project   string            `yaml:"project,omitempty"`
	Tools     map[string]string `yaml:"tools"`
	UpdatedAt time.Time         `yaml:"updated_at"`
}

// Active is the outcome of ResolveActive.
type Active struct {
	Tool    string
	Version string
	// Scope is the scope whose record supplied Version.
	Scope Scope
	// Installed is false when the recorded version has no store entry.
	Installed bool
	Entry     store.Entry
}

// Manager reads and writes activation records.
type Manager struct {
	store *store.Store
	paths paths.StorePaths
	now   func() time.Time
}

// New returns a Manager bound to st.
func New(st *store.Store) *Manager {
	return &Manager{store: st, paths: st.Paths(), now: time.Now}
}

// RecordPath is the file backing scope.
func (m *Manager) RecordPath(scope Scope) string {
	if scope.Kind == ScopeProject {
		key := digest.FromString(scope.Root).Encoded()[:32]
		return filepath.Join(m.paths.ProjectsDir, key+".yaml")
	}
	return filepath.Join(m.paths.ActivationDir, "default.yaml")
}

// Activate makes version the active version of tool in scope. The version
// must be installed.
func (m *Manager) Activate(ctx context.Context, tool, ver string, scope Scope) error {
	tool, err := version.ParseTool(tool)
	if err != nil {
		return err
	}
	_, ok, err := m.store.Lookup(tool, ver)
	if err != nil {
		return err
	}
	if !ok {
		return toolerr.Newf(toolerr.KindNotInstalled, "activate", "%s@%s is not installed", tool, ver)
	}

	err = m.update(ctx, scope, func(rec *Record) bool {
		if rec.Tools[tool] == ver {
			return false
		}
		rec.Tools[tool] = ver
		return true
	})
	if err != nil {
		return err
	}
	slogcontext.FromCtx(ctx).Info("activated", "tool", tool, "version", ver, "scope", scope.String())
	return nil
}

// Deactivate removes tool from scope's record. It reports whether a pin was
// removed.
func (m *Manager) Deactivate(ctx context.Context, tool string, scope Scope) (bool, error) {
	tool, err := version.ParseTool(tool)
	if err != nil {
		return false, err
	}
	removed := false
	err = m.update(ctx, scope, func(rec *Record) bool {
		if _, ok := rec.Tools[tool]; !ok {
			return false
		}
		delete(rec.Tools, tool)
		removed = true
		return true
	})
	return removed, err
}

// ResolveActive walks scope's fallback chain (project, then default) and
// returns the first recorded version of tool.
func (m *Manager) ResolveActive(ctx context.Context, tool string, scope Scope) (Active, error) {
	tool, err := version.ParseTool(tool)
	if err != nil {
		return Active{}, err
	}
	for _, s := range scope.chain() {
		rec, ok, err := m.Record(s)
		if err != nil {
			return Active{}, err
		}
		if !ok {
			continue
		}
		ver, ok := rec.Tools[tool]
		if !ok {
			continue
		}
		active := Active{Tool: tool, Version: ver, Scope: s}
		entry, installed, err := m.store.Lookup(tool, ver)
		if err != nil {
			return Active{}, err
		}
		active.Installed = installed
		active.Entry = entry
		slogcontext.FromCtx(ctx).Debug("active version", "tool", tool, "version", ver, "scope", s.String(), "installed", installed)
		return active, nil
	}
	return Active{}, toolerr.Newf(toolerr.KindNoActiveVersion, "resolve active", "no active %s version for %s", tool, scope)
}

// Record reads scope's record without locking.
func (m *Manager) Record(scope Scope) (Record, bool, error) {
	return readRecord(m.RecordPath(scope), scope)
}

// Records lists every existing record, default first, then projects by root.
func (m *Manager) Records() ([]Record, error) {
	var out []Record
	if rec, ok, err := m.Record(Default()); err != nil {
		return nil, err
	} else if ok {
		out = append(out, rec)
	}

	files, err := os.ReadDir(m.paths.ProjectsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list project records: %w", err)
	}
	var projects []Record
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".yaml") {
			continue
		}
		rec, ok, err := readRecord(filepath.Join(m.paths.ProjectsDir, f.Name()), Scope{Kind: ScopeProject})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec.Scope.Root = rec.Project
		projects = append(projects, rec)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Project < projects[j].Project })
	return append(out, projects...), nil
}

func readRecord(path string, scope Scope) (Record, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, toolerr.FromFS(toolerr.KindPermissionDenied, "read activation record", err)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("parse activation record %s: %w", path, err)
	}
	if rec.Tools == nil {
		rec.Tools = map[string]string{}
	}
	rec.Scope = scope
	return rec, true, nil
}

// update applies mutate under the record's writer lock and replaces the file
// atomically when mutate reports a change.
func (m *Manager) update(ctx context.Context, scope Scope, mutate func(*Record) bool) error {
	path := m.RecordPath(scope)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolerr.FromFS(toolerr.KindPermissionDenied, "prepare activation dir", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return toolerr.New(toolerr.KindInterrupted, "lock activation record", ctx.Err())
		}
		if err == nil {
			err = fmt.Errorf("%s: lock not acquired", lock.Path())
		}
		return toolerr.FromFS(toolerr.KindPermissionDenied, "lock activation record", err)
	}
	defer func() { _ = lock.Unlock() }()

	rec, ok, err := readRecord(path, scope)
	if err != nil {
		return err
	}
	if !ok {
		rec = Record{Scope: scope, Tools: map[string]string{}}
	}
	if scope.Kind == ScopeProject {
		rec.Project = scope.Root
	}
	if !mutate(&rec) {
		return nil
	}
	rec.UpdatedAt = m.now().UTC()

	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode activation record: %w", err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return toolerr.FromFS(toolerr.KindPermissionDenied, "write activation record", err)
	}
	return nil
}
