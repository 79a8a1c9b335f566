package cli

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"toolpin/internal/activation"
	"toolpin/internal/autodownload"
	"toolpin/internal/tui"
	"toolpin/internal/version"
)

// maxParallelTools bounds how many tools install concurrently.
const maxParallelTools = 4

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install [tool[@version]...]",
		Short: "Install and activate tool versions (default: the project's pins)",
		Example: `  toolpin install                 # everything pinned in .toolpin.yaml
  toolpin install node@20 yarn@1
  toolpin install --global node@lts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, args, true)
		},
	}
	addScopeFlags(cmd)
	return cmd
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [tool[@version]...]",
		Short: "Download and install tool versions without activating them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, args, false)
		},
	}
	return cmd
}

type pipelineResult struct {
	Tool      string `json:"tool"`
	Request   string `json:"request"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Installed bool   `json:"installed"`
	Shared    bool   `json:"shared,omitempty"`
	Activated bool   `json:"activated"`
	Scope     string `json:"scope,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runPipeline(cmd *cobra.Command, args []string, activate bool) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	pins, hasPins, err := e.pins()
	if err != nil {
		return err
	}
	reqs, err := pipelineRequests(args, pins.Specs, hasPins)
	if err != nil {
		return err
	}
	scope := activation.Default()
	if activate {
		if scope, err = targetScope(pins, hasPins); err != nil {
			return err
		}
	}

	results := make([]pipelineResult, len(reqs))
	work := func(ctx context.Context, rep autodownload.Reporter) error {
		orch := e.orchestrator(rep)
		var g errgroup.Group
		g.SetLimit(maxParallelTools)
		errs := make([]error, len(reqs))
		for i, req := range reqs {
			g.Go(func() error {
				res, err := orch.Ensure(ctx, autodownload.Request{Tool: req.Tool, Spec: req.Spec, Scope: scope, Activate: activate})
				results[i] = toPipelineResult(req, res, err)
				errs[i] = err
				return nil
			})
		}
		_ = g.Wait()
		return errors.Join(errs...)
	}

	out := cmd.OutOrStdout()
	switch tui.DetectMode(out, plainOutput, outputJSON) {
	case tui.ModeJSON:
		err = work(ctx, nil)
		if encErr := writeJSON(out, results); encErr != nil {
			return encErr
		}
		return err
	case tui.ModeTUI:
		model := tui.NewProgressModel("", tui.InstallColumns())
		for _, req := range reqs {
			model.AddRow(tui.RowKey(req.Tool, req.Spec.String()), []string{req.Tool, req.Spec.String(), "", "pending"})
		}
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		return tui.RunWithWork(out, model, cancel, func(send func(tea.Msg)) error {
			return work(runCtx, tui.NewModelReporter(send))
		})
	default:
		err = work(ctx, tui.NewPlainReporter(cmd.ErrOrStderr()))
		printPipelineResults(out, results)
		return err
	}
}

// pipelineRequests parses tool@spec arguments, falling back to every pinned
// tool. Duplicate requests collapse into one.
func pipelineRequests(args []string, pinned map[string]version.Specifier, hasPins bool) ([]version.Request, error) {
	var reqs []version.Request
	seen := map[string]bool{}
	add := func(req version.Request) {
		if seen[req.String()] {
			return
		}
		seen[req.String()] = true
		reqs = append(reqs, req)
	}

	if len(args) == 0 {
		if !hasPins || len(pinned) == 0 {
			return nil, errNoPins
		}
		for tool, spec := range pinned {
			add(version.Request{Tool: tool, Spec: spec})
		}
		sortRequests(reqs)
		return reqs, nil
	}

	for _, arg := range args {
		req, err := version.ParseRequest(arg)
		if err != nil {
			return nil, err
		}
		if _, explicit := splitSpec(arg); !explicit {
			if spec, ok := pinned[req.Tool]; ok {
				req.Spec = spec
			}
		}
		add(req)
	}
	return reqs, nil
}

func toPipelineResult(req version.Request, res autodownload.Result, err error) pipelineResult {
	out := pipelineResult{Tool: req.Tool, Request: req.Spec.String()}
	if err != nil {
		var failed *autodownload.FailedError
		if errors.As(err, &failed) {
			out.Version = failed.Version
		}
		out.Error = err.Error()
		return out
	}
	out.Version = res.Version
	out.Path = res.Entry.Root
	out.Installed = res.Installed
	out.Shared = res.Shared
	out.Activated = res.Activated
	if res.Activated {
		out.Scope = res.Scope.String()
	}
	return out
}

func printPipelineResults(w io.Writer, results []pipelineResult) {
	t := newTable(w, "Tool", "Request", "Version", "Status", "Scope")
	for _, r := range results {
		status := "present"
		switch {
		case r.Error != "":
			status = "failed"
		case r.Installed:
			status = "installed"
		}
		t.AppendRow([]any{r.Tool, r.Request, nonEmptyOrDash(r.Version), status, nonEmptyOrDash(r.Scope)})
	}
	t.Render()
}

// splitSpec reports the specifier part of a tool@spec argument and whether
// one was given.
func splitSpec(arg string) (string, bool) {
	_, spec, ok := strings.Cut(arg, "@")
	return spec, ok
}

func sortRequests(reqs []version.Request) {
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Tool < reqs[j].Tool })
}
