package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X toolpin/internal/cli.Version=...".
var Version = "dev"

var (
	homeDir     string
	outputJSON  bool
	logLevel    string
	offlineMode bool
	plainOutput bool
)

// Execute runs the root cobra command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var status exitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if h := hint(err); h != "" {
		fmt.Fprintf(os.Stderr, "hint: %s\n", h)
	}
	return exitCode(err)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "toolpin",
		Short:         "Per-project toolchain version manager",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// cmd.Print* writes to stderr unless an output is set.
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVar(&homeDir, "home", "", "toolpin home directory (default $TOOLPIN_HOME or the per-OS data dir)")
	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output machine-readable JSON")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Console log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&offlineMode, "offline", false, "Resolve from cached release indexes only")
	cmd.PersistentFlags().BoolVar(&plainOutput, "plain", false, "Disable interactive progress output")

	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newUseCmd())
	cmd.AddCommand(newUnuseCmd())
	cmd.AddCommand(newCurrentCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newLsRemoteCmd())
	cmd.AddCommand(newUninstallCmd())
	cmd.AddCommand(newWhichCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCleanCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}
