package cli

import (
	"sort"

	"github.com/spf13/cobra"

	"toolpin/internal/config"
	"toolpin/internal/paths"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective settings",
		Long: `Shows the settings in effect after config.yaml and TOOLPIN_* environment
overrides are applied.`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one setting to config.yaml",
		Example: `  toolpin config set fetch.attempts 8
  toolpin config set index.ttl 6h`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: config.Keys(),
		RunE:      runConfigSet,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the settings file location",
		Args:  cobra.NoArgs,
		RunE:  runConfigPath,
	})
	return cmd
}

// The config commands skip loadEnv so a broken settings file can still be
// inspected and repaired.

func runConfigShow(cmd *cobra.Command, _ []string) error {
	sp, err := paths.Resolve(homeDir)
	if err != nil {
		return err
	}
	settings, err := config.Load(sp)
	if err != nil {
		return err
	}
	flat := settings.Flatten()
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), flat)
	}
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	t := newTable(cmd.OutOrStdout(), "Key", "Value")
	for _, key := range keys {
		t.AppendRow([]any{key, nonEmptyOrDash(flat[key])})
	}
	t.Render()
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	sp, err := paths.Resolve(homeDir)
	if err != nil {
		return err
	}
	if err := config.Set(sp, args[0], args[1]); err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]string{"key": args[0], "value": args[1], "file": sp.SettingsFile})
	}
	cmd.Printf("set %s = %s in %s\n", args[0], args[1], sp.SettingsFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	sp, err := paths.Resolve(homeDir)
	if err != nil {
		return err
	}
	cmd.Println(sp.SettingsFile)
	return nil
}
