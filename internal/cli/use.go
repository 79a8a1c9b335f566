package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"toolpin/internal/activation"
	"toolpin/internal/autodownload"
	"toolpin/internal/config"
	"toolpin/internal/paths"
	"toolpin/internal/toolerr"
	"toolpin/internal/tui"
	"toolpin/internal/version"
)

var useSave bool

func newUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <tool[@version]>",
		Short: "Activate a tool version, installing it first when needed",
		Args:  cobra.ExactArgs(1),
		RunE:  runUse,
	}
	addScopeFlags(cmd)
	cmd.Flags().BoolVar(&useSave, "save", false, "Also pin the requested specifier in .toolpin.yaml")
	return cmd
}

type useResult struct {
	Tool      string `json:"tool"`
	Version   string `json:"version"`
	Scope     string `json:"scope"`
	Installed bool   `json:"installed"`
	Pinned    string `json:"pinned,omitempty"`
}

func runUse(cmd *cobra.Command, args []string) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	pins, hasPins, err := e.pins()
	if err != nil {
		return err
	}
	req, err := version.ParseRequest(args[0])
	if err != nil {
		return err
	}
	scope, err := targetScope(pins, hasPins)
	if err != nil {
		return err
	}
	if useSave && scope.Kind != activation.ScopeProject {
		return fmt.Errorf("--save needs a project scope; run inside a project or pass --project")
	}

	var rep autodownload.Reporter
	if !outputJSON {
		rep = tui.NewPlainReporter(cmd.ErrOrStderr())
	}
	res, err := e.orchestrator(rep).Ensure(ctx, autodownload.Request{Tool: req.Tool, Spec: req.Spec, Scope: scope, Activate: true})
	if err != nil {
		return err
	}

	out := useResult{Tool: res.Tool, Version: res.Version, Scope: scope.String(), Installed: res.Installed}
	if useSave {
		pinFile := filepath.Join(scope.Root, paths.PinFileName)
		if err := config.SavePin(pinFile, req.Tool, req.Spec); err != nil {
			return err
		}
		out.Pinned = pinFile
	}

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	cmd.Printf("%s %s active in %s\n", out.Tool, out.Version, out.Scope)
	if out.Pinned != "" {
		cmd.Printf("pinned %s@%s in %s\n", req.Tool, req.Spec, out.Pinned)
	}
	return nil
}

func newUnuseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unuse <tool>",
		Short: "Remove a tool's activation from a scope",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnuse,
	}
	addScopeFlags(cmd)
	return cmd
}

func runUnuse(cmd *cobra.Command, args []string) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tool, err := version.ParseTool(args[0])
	if err != nil {
		return err
	}
	pins, hasPins, err := e.pins()
	if err != nil {
		return err
	}
	scope, err := targetScope(pins, hasPins)
	if err != nil {
		return err
	}
	removed, err := e.activation.Deactivate(ctx, tool, scope)
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"tool": tool, "scope": scope.String(), "removed": removed})
	}
	if !removed {
		cmd.Printf("%s was not active in %s\n", tool, scope)
		return nil
	}
	cmd.Printf("%s deactivated in %s\n", tool, scope)
	return nil
}

func newCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current [tool...]",
		Short: "Show the active version of each tool for the working directory",
		RunE:  runCurrent,
	}
}

type currentRow struct {
	Tool      string `json:"tool"`
	Version   string `json:"version,omitempty"`
	Pinned    string `json:"pinned,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

func runCurrent(cmd *cobra.Command, args []string) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	pins, hasPins, err := e.pins()
	if err != nil {
		return err
	}
	scope := lookupScope(pins, hasPins)

	toolNames := args
	if len(toolNames) == 0 {
		toolNames = currentTools(e, pins, scope)
	}

	rows := make([]currentRow, 0, len(toolNames))
	for _, name := range toolNames {
		tool, err := version.ParseTool(name)
		if err != nil {
			return err
		}
		row := currentRow{Tool: tool, Pinned: pins.Spec(tool).String()}
		active, err := e.activation.ResolveActive(ctx, tool, scope)
		switch {
		case err == nil:
			row.Version = active.Version
			row.Scope = active.Scope.String()
			row.Installed = active.Installed
			if active.Installed {
				row.Path = active.Entry.Root
			}
		case toolerr.KindOf(err) == toolerr.KindNoActiveVersion:
		default:
			return err
		}
		rows = append(rows, row)
	}

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	t := newTable(cmd.OutOrStdout(), "Tool", "Version", "Pinned", "Scope", "Installed")
	for _, r := range rows {
		installed := "no"
		if r.Installed {
			installed = "yes"
		}
		if r.Version == "" {
			installed = "-"
		}
		t.AppendRow([]any{r.Tool, nonEmptyOrDash(r.Version), nonEmptyOrDash(r.Pinned), nonEmptyOrDash(r.Scope), installed})
	}
	t.Render()
	return nil
}

// currentTools lists the tools worth reporting: pinned ones plus every tool
// with an activation in the scope chain.
func currentTools(e *env, pins config.Pins, scope activation.Scope) []string {
	set := map[string]bool{}
	for _, tool := range pins.Tools() {
		set[tool] = true
	}
	scopes := []activation.Scope{activation.Default()}
	if scope.Kind == activation.ScopeProject {
		scopes = append(scopes, scope)
	}
	for _, s := range scopes {
		rec, ok, err := e.activation.Record(s)
		if err != nil || !ok {
			continue
		}
		for tool := range rec.Tools {
			set[tool] = true
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
