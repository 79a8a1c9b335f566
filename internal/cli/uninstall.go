package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"toolpin/internal/toolerr"
	"toolpin/internal/version"
)

var uninstallForce bool

func newUninstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall <tool@version>",
		Short: "Remove an installed tool version from the store",
		Args:  cobra.ExactArgs(1),
		RunE:  runUninstall,
	}
	cmd.Flags().BoolVarP(&uninstallForce, "force", "f", false, "Remove even when a scope still activates the version")
	return cmd
}

func runUninstall(cmd *cobra.Command, args []string) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	req, err := version.ParseRequest(args[0])
	if err != nil {
		return err
	}
	exact, ok := req.Spec.Exact()
	if !ok {
		return toolerr.Newf(toolerr.KindInvalidSpecifier, "uninstall", "%s: uninstall needs an exact version such as %s@20.11.0", args[0], req.Tool)
	}
	ver := version.Canonical(exact)

	records, err := e.activation.Records()
	if err != nil {
		return err
	}
	users := activeIn(records, req.Tool, ver)
	if len(users) > 0 && !uninstallForce {
		return fmt.Errorf("%s@%s is active in %d scope(s) (%s); pass --force to remove it anyway", req.Tool, ver, len(users), users[0])
	}

	if err := e.store.Uninstall(req.Tool, ver); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "uninstalled", "tool", req.Tool, "version", ver, "still_active_in", len(users))

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"tool": req.Tool, "version": ver, "removed": true, "active_in": users})
	}
	cmd.Printf("removed %s@%s\n", req.Tool, ver)
	for _, scope := range users {
		cmd.Printf("warning: %s still activates it; it will be downloaded again on next use\n", scope)
	}
	return nil
}
