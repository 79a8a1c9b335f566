package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"toolpin/internal/autodownload"
	"toolpin/internal/store"
	"toolpin/internal/tui"
	"toolpin/internal/version"
)

func newWhichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "which <tool>",
		Short: "Print the executable that runs for a tool here, installing it when needed",
		Args:  cobra.ExactArgs(1),
		RunE:  runWhich,
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <tool> [args...]",
		Short: "Run a tool's active version, installing it when needed",
		Example: `  toolpin run node --version
  toolpin run yarn install`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}
	// Flags after the tool name belong to the tool.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

type resolvedTool struct {
	Tool       string `json:"tool"`
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

// ensureExecutable is the shim contract: find the version that should run for
// tool in the working directory, autodownload and activate it if needed, and
// return its main executable.
func ensureExecutable(ctx context.Context, cmd *cobra.Command, e *env, name string) (resolvedTool, error) {
	tool, err := version.ParseTool(name)
	if err != nil {
		return resolvedTool{}, err
	}
	def, ok := e.registry.Definition(tool)
	if !ok {
		return resolvedTool{}, fmt.Errorf("unknown tool: %s (known: %s)", tool, strings.Join(e.registry.Names(), ", "))
	}
	pins, hasPins, err := e.pins()
	if err != nil {
		return resolvedTool{}, err
	}

	var rep autodownload.Reporter
	if !outputJSON && tui.IsTerminal(cmd.ErrOrStderr()) {
		status := tui.NewStatusWriter(cmd.ErrOrStderr())
		defer status.Stop()
		rep = tui.NewStatusReporter(status)
	}

	entry, err := e.orchestrator(rep).EnsureActive(ctx, tool, lookupScope(pins, hasPins), pins.Spec(tool))
	if err != nil {
		return resolvedTool{}, err
	}
	return resolvedTool{Tool: tool, Version: entry.Version, Executable: executablePath(entry, def.MainExecutable(e.platform))}, nil
}

func executablePath(entry store.Entry, rel string) string {
	return filepath.Join(entry.Root, filepath.FromSlash(rel))
}

func runWhich(cmd *cobra.Command, args []string) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	resolved, err := ensureExecutable(ctx, cmd, e, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), resolved)
	}
	cmd.Println(resolved.Executable)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	resolved, err := ensureExecutable(ctx, cmd, e, args[0])
	if err != nil {
		return err
	}

	// The child gets the terminal's signals directly; toolpin waits for it.
	child := exec.Command(resolved.Executable, args[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Env = prependPath(os.Environ(), filepath.Dir(resolved.Executable))
	e.logger.DebugContext(ctx, "running tool", "tool", resolved.Tool, "version", resolved.Version, "executable", resolved.Executable)

	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if code < 0 {
				code = exitFailure
			}
			return exitStatus(code)
		}
		return fmt.Errorf("run %s: %w", resolved.Executable, err)
	}
	return nil
}

// prependPath puts dir first on PATH so a tool's scripts find their
// siblings.
func prependPath(environ []string, dir string) []string {
	out := make([]string, 0, len(environ)+1)
	found := false
	for _, kv := range environ {
		key, value, _ := strings.Cut(kv, "=")
		if strings.EqualFold(key, "PATH") && !found {
			found = true
			out = append(out, key+"="+dir+string(os.PathListSeparator)+value)
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+dir)
	}
	return out
}
