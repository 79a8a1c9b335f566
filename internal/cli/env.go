package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"toolpin/internal/activation"
	"toolpin/internal/autodownload"
	"toolpin/internal/config"
	"toolpin/internal/fetch"
	"toolpin/internal/install"
	"toolpin/internal/logx"
	"toolpin/internal/paths"
	"toolpin/internal/platform"
	"toolpin/internal/resolve"
	"toolpin/internal/store"
	"toolpin/internal/tools"
)

// env is the wired pipeline for one command invocation.
type env struct {
	paths      paths.StorePaths
	settings   config.Settings
	registry   *tools.Registry
	platform   platform.Platform
	store      *store.Store
	resolver   *resolve.Resolver
	fetcher    *fetch.Fetcher
	installer  *install.Installer
	activation *activation.Manager
	logger     *slog.Logger

	closer io.Closer
}

// loadEnv resolves the home, reads settings, opens the log file and builds
// every pipeline component. The returned context carries the logger.
func loadEnv(cmd *cobra.Command) (*env, context.Context, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sp, err := paths.Resolve(homeDir)
	if err != nil {
		return nil, nil, err
	}
	if err := sp.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	settings, err := config.Load(sp)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	if offlineMode {
		settings.Offline = true
	}
	level, err := logx.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger, closer, err := logx.New(sp, cmd.ErrOrStderr(), level)
	if err != nil {
		return nil, nil, err
	}
	registry, err := settings.Registry()
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	plat := platform.Current()
	userAgent := "toolpin/" + Version
	st := store.New(sp)
	e := &env{
		paths:    sp,
		settings: settings,
		registry: registry,
		platform: plat,
		store:    st,
		resolver: resolve.New(resolve.Options{
			Registry:  registry,
			IndexDir:  sp.IndexDir,
			TTL:       settings.Index.TTL,
			Offline:   settings.Offline,
			Platform:  plat,
			UserAgent: userAgent,
		}),
		fetcher: fetch.New(fetch.Options{
			CacheDir:       sp.CacheDir,
			Attempts:       settings.Fetch.Attempts,
			InitialBackoff: settings.Fetch.InitialBackoff,
			MaxBackoff:     settings.Fetch.MaxBackoff,
			StallTimeout:   settings.Fetch.StallTimeout,
			DialTimeout:    settings.Fetch.ConnectTimeout,
			TLSTimeout:     settings.Fetch.ConnectTimeout,
			HeaderTimeout:  settings.Fetch.HeaderTimeout,
			UserAgent:      userAgent,
		}),
		installer:  install.New(install.Options{Store: st, Registry: registry, Platform: plat}),
		activation: activation.New(st),
		logger:     logger,
		closer:     closer,
	}
	logger.Debug("command started", "command", cmd.CommandPath(), "home", sp.Root, "platform", plat.Key(), "offline", settings.Offline)
	return e, logx.WithLogger(ctx, logger), nil
}

func (e *env) orchestrator(rep autodownload.Reporter) *autodownload.Orchestrator {
	return autodownload.New(autodownload.Options{
		Resolver:      e.resolver,
		Fetcher:       e.fetcher,
		Installer:     e.installer,
		Activator:     e.activation,
		Store:         e.store,
		Reporter:      rep,
		StagingMaxAge: e.settings.Staging.MaxAge,
	})
}

// pins loads the pin file governing the working directory, if any.
func (e *env) pins() (config.Pins, bool, error) {
	wd, err := os.Getwd()
	if err != nil {
		return config.Pins{}, false, err
	}
	return config.FindPins(wd, e.registry)
}

func (e *env) Close() {
	if e.closer != nil {
		_ = e.closer.Close()
	}
}
