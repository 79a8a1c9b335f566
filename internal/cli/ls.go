package cli

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"toolpin/internal/activation"
	"toolpin/internal/version"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls [tool]",
		Aliases: []string{"list"},
		Short:   "List installed tool versions and where they are active",
		Args:    cobra.MaximumNArgs(1),
		RunE:    runLs,
	}
}

type lsRow struct {
	Tool        string    `json:"tool"`
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
	Path        string    `json:"path"`
	ActiveIn    []string  `json:"active_in,omitempty"`
}

func runLs(cmd *cobra.Command, args []string) error {
	e, _, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tool := ""
	if len(args) == 1 {
		if tool, err = version.ParseTool(args[0]); err != nil {
			return err
		}
	}
	entries, err := e.store.List(tool)
	if err != nil {
		return err
	}
	records, err := e.activation.Records()
	if err != nil {
		return err
	}

	rows := make([]lsRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, lsRow{
			Tool:        entry.Tool,
			Version:     entry.Version,
			InstalledAt: entry.InstalledAt,
			Path:        entry.Root,
			ActiveIn:    activeIn(records, entry.Tool, entry.Version),
		})
	}

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	if len(rows) == 0 {
		cmd.Println("(nothing installed)")
		return nil
	}
	t := newTable(cmd.OutOrStdout(), "Tool", "Version", "Installed", "Active In")
	for _, r := range rows {
		t.AppendRow([]any{r.Tool, r.Version, humanize.Time(r.InstalledAt), nonEmptyOrDash(strings.Join(r.ActiveIn, ", "))})
	}
	t.Render()
	return nil
}

func activeIn(records []activation.Record, tool, ver string) []string {
	var scopes []string
	for _, rec := range records {
		if rec.Tools[tool] == ver {
			scopes = append(scopes, rec.Scope.String())
		}
	}
	return scopes
}
