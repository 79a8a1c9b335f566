// Package autodownload coordinates the resolve, fetch, install and activate
// pipeline and deduplicates concurrent requests for the same tool version.
package autodownload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	slogcontext "github.com/veqryn/slog-context"

	"toolpin/internal/activation"
	"toolpin/internal/fetch"
	"toolpin/internal/resolve"
	"toolpin/internal/store"
	"toolpin/internal/toolerr"
	"toolpin/internal/version"
)

// DefaultStagingMaxAge is the age past which staging directories are treated
// as leftovers of interrupted installs.
const DefaultStagingMaxAge = 24 * time.Hour

type Resolver interface {
	Resolve(ctx context.Context, tool string, spec version.Specifier) (resolve.Release, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, rel resolve.Release, progress fetch.Progress) (fetch.Archive, error)
}

type Installer interface {
	Install(ctx context.Context, archive fetch.Archive, rel resolve.Release) (store.Entry, error)
}

type Activator interface {
	Activate(ctx context.Context, tool, ver string, scope activation.Scope) error
	ResolveActive(ctx context.Context, tool string, scope activation.Scope) (activation.Active, error)
}

type Store interface {
	Lookup(tool, ver string) (store.Entry, bool, error)
	PruneStaging(maxAge time.Duration) ([]string, error)
}

// Options wires the orchestrator to its components.
type Options struct {
	Resolver      Resolver
	Fetcher       Fetcher
	Installer     Installer
	Activator     Activator
	Store         Store
	Reporter      Reporter
	StagingMaxAge time.Duration
}

// Request asks for a tool version to be present and, optionally, active.
type Request struct {
	Tool  string
	Spec  version.Specifier
	Scope activation.Scope
	// Activate stops the pipeline after installing when false.
	Activate bool
}

// Result describes a finished request.
type Result struct {
	Tool    string
	Version string
	Entry   store.Entry
	// Installed is true when this request's flight fetched and installed
	// the version rather than finding it in the store.
	Installed bool
	// Shared is true when the flight served more than one caller.
	Shared    bool
	Activated bool
	Scope     activation.Scope
}

// Orchestrator runs requests through the pipeline.
type Orchestrator struct {
	resolver      Resolver
	fetcher       Fetcher
	installer     Installer
	activator     Activator
	store         Store
	reporter      Reporter
	stagingMaxAge time.Duration

	flights   *inflight
	pruneOnce sync.Once
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	if opts.StagingMaxAge <= 0 {
		opts.StagingMaxAge = DefaultStagingMaxAge
	}
	return &Orchestrator{
		resolver:      opts.Resolver,
		fetcher:       opts.Fetcher,
		installer:     opts.Installer,
		activator:     opts.Activator,
		store:         opts.Store,
		reporter:      opts.Reporter,
		stagingMaxAge: opts.StagingMaxAge,
		flights:       newInflight(),
	}
}

// InFlight lists the fetch-and-install runs currently in progress.
func (o *Orchestrator) InFlight() []InFlight {
	return o.flights.snapshot()
}

type installOutcome struct {
	entry     store.Entry
	installed bool
}

// Ensure drives req to Done or Failed. Cancelling ctx aborts resolving and
// fetching; once installing has begun the install and activation complete
// regardless.
func (o *Orchestrator) Ensure(ctx context.Context, req Request) (Result, error) {
	tool, err := version.ParseTool(req.Tool)
	if err != nil {
		return Result{}, o.fail(req, "", StateRequested, err)
	}
	req.Tool = tool
	if req.Spec.IsZero() {
		return Result{}, o.fail(req, "", StateRequested, toolerr.Newf(toolerr.KindInvalidSpecifier, "autodownload", "missing version specifier"))
	}
	ctx = slogcontext.With(ctx, "tool", tool, "spec", req.Spec.String())
	logger := slogcontext.FromCtx(ctx)
	o.emit(req, "", StateRequested, nil)
	o.pruneStaging(ctx)

	var (
		ver string
		rel *resolve.Release
	)
	if exact, ok := req.Spec.Exact(); ok {
		ver = version.Canonical(exact)
	} else {
		o.emit(req, "", StateResolving, nil)
		resolved, err := o.resolver.Resolve(ctx, tool, req.Spec)
		if err != nil {
			return Result{}, o.fail(req, "", StateResolving, err)
		}
		ver = resolved.Version
		rel = &resolved
	}

	result := Result{Tool: tool, Version: ver}
	entry, installed, err := o.store.Lookup(tool, ver)
	if err != nil {
		return Result{}, o.fail(req, ver, StateRequested, err)
	}
	if installed {
		logger.Debug("already installed", "version", ver)
		result.Entry = entry
	} else {
		key := tool + "@" + ver
		val, shared, err := o.flights.do(ctx, key, func(fctx context.Context, f *flight) (any, error) {
			return o.fetchAndInstall(fctx, f, req, ver, rel)
		})
		if err != nil {
			var failed *FailedError
			if errors.As(err, &failed) {
				o.emit(req, ver, StateFailed, err)
				return Result{}, err
			}
			return Result{}, o.fail(req, ver, StateFetching, err)
		}
		outcome := val.(installOutcome)
		result.Entry = outcome.entry
		result.Installed = outcome.installed
		result.Shared = shared
	}

	if req.Activate {
		o.emit(req, ver, StateActivating, nil)
		if err := o.activator.Activate(context.WithoutCancel(ctx), tool, ver, req.Scope); err != nil {
			return Result{}, o.fail(req, ver, StateActivating, err)
		}
		result.Activated = true
		result.Scope = req.Scope
	}
	o.emit(req, ver, StateDone, nil)
	return result, nil
}

// fetchAndInstall is the work of one flight. rel is nil when the caller had
// an exact specifier and skipped resolution.
func (o *Orchestrator) fetchAndInstall(ctx context.Context, f *flight, req Request, ver string, rel *resolve.Release) (installOutcome, error) {
	tool := req.Tool

	// Another process may have installed the version meanwhile.
	if entry, ok, err := o.store.Lookup(tool, ver); err == nil && ok {
		return installOutcome{entry: entry}, nil
	}

	if rel == nil {
		f.set(StateResolving)
		o.emit(req, ver, StateResolving, nil)
		exact, err := version.Parse(ver)
		if err != nil {
			return installOutcome{}, &FailedError{Tool: tool, Version: ver, Stage: StateResolving, Err: err}
		}
		resolved, err := o.resolver.Resolve(ctx, tool, exact)
		if err != nil {
			return installOutcome{}, &FailedError{Tool: tool, Version: ver, Stage: StateResolving, Err: err}
		}
		rel = &resolved
	}

	f.set(StateFetching)
	o.emit(req, ver, StateFetching, nil)
	archive, err := o.fetcher.Fetch(ctx, *rel, func(done, total int64) {
		o.reporter.Progress(tool, ver, done, total)
	})
	if err != nil {
		return installOutcome{}, &FailedError{Tool: tool, Version: ver, Stage: StateFetching, Err: err}
	}

	f.set(StateInstalling)
	o.emit(req, ver, StateInstalling, nil)
	entry, err := o.installer.Install(context.WithoutCancel(ctx), archive, *rel)
	if err != nil {
		return installOutcome{}, &FailedError{Tool: tool, Version: ver, Stage: StateInstalling, Err: err}
	}
	return installOutcome{entry: entry, installed: true}, nil
}

// EnsureActive is the shim contract: it returns the store entry of the
// version that should run for tool in scope, autodownloading and activating
// it when needed. pin is the project's pinned specifier and may be zero.
func (o *Orchestrator) EnsureActive(ctx context.Context, tool string, scope activation.Scope, pin version.Specifier) (store.Entry, error) {
	active, err := o.activator.ResolveActive(ctx, tool, scope)
	switch {
	case err == nil:
		if active.Installed && satisfies(pin, active, scope) {
			return active.Entry, nil
		}
	case errors.Is(err, toolerr.ErrNoActiveVersion):
		if pin.IsZero() {
			return store.Entry{}, err
		}
	default:
		return store.Entry{}, err
	}

	spec := pin
	if spec.IsZero() {
		exact, err := version.Parse(active.Version)
		if err != nil {
			return store.Entry{}, err
		}
		spec = exact
		scope = active.Scope
	}
	res, err := o.Ensure(ctx, Request{Tool: tool, Spec: spec, Scope: scope, Activate: true})
	if err != nil {
		return store.Entry{}, err
	}
	return res.Entry, nil
}

// satisfies reports whether the active version honours pin. Tags cannot be
// checked offline, so a tag pin accepts whatever its own scope activated.
func satisfies(pin version.Specifier, active activation.Active, scope activation.Scope) bool {
	if pin.IsZero() {
		return true
	}
	if pin.Kind() == version.KindTag {
		return active.Scope == scope
	}
	v, err := semver.NewVersion(active.Version)
	if err != nil {
		return false
	}
	return pin.Matches(v)
}

func (o *Orchestrator) pruneStaging(ctx context.Context) {
	o.pruneOnce.Do(func() {
		removed, err := o.store.PruneStaging(o.stagingMaxAge)
		logger := slogcontext.FromCtx(ctx)
		if err != nil {
			logger.Warn("pruning staging failed", "error", err)
			return
		}
		if len(removed) > 0 {
			logger.Info("pruned abandoned staging directories", "count", len(removed))
		}
	})
}

func (o *Orchestrator) emit(req Request, ver string, state State, err error) {
	o.reporter.Transition(Event{Tool: req.Tool, Spec: req.Spec.String(), Version: ver, State: state, Err: err})
}

func (o *Orchestrator) fail(req Request, ver string, stage State, err error) error {
	failed := &FailedError{Tool: req.Tool, Version: ver, Stage: stage, Err: err}
	o.emit(req, ver, StateFailed, failed)
	return failed
}
