package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"toolpin/internal/activation"
	"toolpin/internal/config"
)

var (
	scopeGlobal  bool
	scopeProject bool
)

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&scopeGlobal, "global", "g", false, "Use the machine-wide default scope")
	cmd.Flags().BoolVar(&scopeProject, "project", false, "Use the project scope of the working directory even without a pin file")
	cmd.MarkFlagsMutuallyExclusive("global", "project")
}

// targetScope picks the activation scope for a command: --global forces the
// default scope, --project the working directory, otherwise the project
// owning the nearest pin file or the default scope when there is none.
func targetScope(pins config.Pins, hasPins bool) (activation.Scope, error) {
	switch {
	case scopeGlobal:
		return activation.Default(), nil
	case scopeProject:
		if hasPins {
			return activation.Project(pins.Root), nil
		}
		wd, err := os.Getwd()
		if err != nil {
			return activation.Scope{}, err
		}
		return activation.Project(wd), nil
	case hasPins:
		return activation.Project(pins.Root), nil
	default:
		return activation.Default(), nil
	}
}

// lookupScope is the scope shims resolve from: the project owning the
// nearest pin file, else the default scope.
func lookupScope(pins config.Pins, hasPins bool) activation.Scope {
	if hasPins {
		return activation.Project(pins.Root)
	}
	return activation.Default()
}

var errNoPins = errors.New("no tools given and no .toolpin.yaml found in this directory or its parents")
