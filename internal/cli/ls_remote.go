package cli

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"toolpin/internal/version"
)

var lsRemoteLimit int

func newLsRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls-remote <tool[@version]>",
		Short: "List versions published in a tool's release index",
		Example: `  toolpin ls-remote node
  toolpin ls-remote node@^20`,
		Args: cobra.ExactArgs(1),
		RunE: runLsRemote,
	}
	cmd.Flags().IntVarP(&lsRemoteLimit, "limit", "n", 20, "Show at most this many versions, newest first (0 for all)")
	return cmd
}

type remoteRow struct {
	Version   string   `json:"version"`
	Tags      []string `json:"tags,omitempty"`
	Installed bool     `json:"installed"`
}

func runLsRemote(cmd *cobra.Command, args []string) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	req, err := version.ParseRequest(args[0])
	if err != nil {
		return err
	}
	_, filtered := splitSpec(args[0])
	available, err := e.resolver.List(ctx, req.Tool)
	if err != nil {
		return err
	}

	var rows []remoteRow
	// available is ordered oldest first.
	for i := len(available) - 1; i >= 0; i-- {
		a := available[i]
		if filtered && !remoteMatches(req.Spec, a.Version, a.Tags) {
			continue
		}
		_, installed, err := e.store.Lookup(req.Tool, a.Version)
		if err != nil {
			return err
		}
		rows = append(rows, remoteRow{Version: a.Version, Tags: a.Tags, Installed: installed})
		if lsRemoteLimit > 0 && len(rows) >= lsRemoteLimit {
			break
		}
	}

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	if len(rows) == 0 {
		cmd.Println("(no matching versions)")
		return nil
	}
	t := newTable(cmd.OutOrStdout(), "Version", "Tags", "Installed")
	for _, r := range rows {
		installed := ""
		if r.Installed {
			installed = "yes"
		}
		t.AppendRow([]any{r.Version, strings.Join(r.Tags, ", "), installed})
	}
	t.Render()
	return nil
}

func remoteMatches(spec version.Specifier, ver string, tags []string) bool {
	if tag, ok := spec.Tag(); ok {
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
		return false
	}
	v, err := semver.NewVersion(ver)
	if err != nil {
		return false
	}
	return spec.Matches(v)
}
