package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	cleanDryRun  bool
	cleanAll     bool
	cleanCache   bool
	cleanIndexes bool
	cleanLogs    bool
)

func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove leftovers of interrupted installs and, optionally, cached downloads",
		Long: `Removes staging directories left behind by interrupted installs. Only
directories older than staging.max_age are touched unless --all is given, so
installs running in other processes are left alone.`,
		Args: cobra.NoArgs,
		RunE: runClean,
	}
	cmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "List what would be removed without deleting")
	cmd.Flags().BoolVar(&cleanAll, "all", false, "Remove every staging directory regardless of age, plus --cache, --index and --logs")
	cmd.Flags().BoolVar(&cleanCache, "cache", false, "Remove downloaded archives and partial downloads")
	cmd.Flags().BoolVar(&cleanIndexes, "index", false, "Remove cached release indexes")
	cmd.Flags().BoolVar(&cleanLogs, "logs", false, "Remove log files")
	return cmd
}

type cleanResult struct {
	Staging    []string `json:"staging"`
	Archives   []string `json:"archives,omitempty"`
	Busy       []string `json:"busy,omitempty"`
	Indexes    int      `json:"indexes,omitempty"`
	Logs       int      `json:"logs,omitempty"`
	FreedBytes int64    `json:"freed_bytes"`
	DryRun     bool     `json:"dry_run"`
}

func runClean(cmd *cobra.Command, _ []string) error {
	e, ctx, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	res := cleanResult{DryRun: cleanDryRun}
	maxAge := e.settings.Staging.MaxAge
	if cleanAll {
		maxAge = 0
	}

	if cleanDryRun {
		staged, err := stagingCandidates(e.paths.StagingDir, maxAge)
		if err != nil {
			return err
		}
		res.Staging = staged
	} else {
		removed, err := e.store.PruneStaging(maxAge)
		if err != nil {
			return err
		}
		res.Staging = removed
	}

	if cleanAll || cleanCache {
		files, err := e.fetcher.Cached()
		if err != nil {
			return err
		}
		for _, file := range files {
			if cleanDryRun {
				res.Archives = append(res.Archives, file.Path)
				res.FreedBytes += file.Size
				continue
			}
			ok, err := e.fetcher.Evict(file)
			if err != nil {
				return err
			}
			if !ok {
				res.Busy = append(res.Busy, file.Path)
				continue
			}
			res.Archives = append(res.Archives, file.Path)
			res.FreedBytes += file.Size
		}
	}

	if cleanAll || cleanIndexes {
		n, freed, err := removeFiles(e.paths.IndexDir, "", cleanDryRun)
		if err != nil {
			return err
		}
		res.Indexes, res.FreedBytes = n, res.FreedBytes+freed
	}

	if cleanAll || cleanLogs {
		// The log file of this invocation is open and kept.
		n, freed, err := removeFiles(e.paths.LogsDir, fmt.Sprintf("-%d.log", os.Getpid()), cleanDryRun)
		if err != nil {
			return err
		}
		res.Logs, res.FreedBytes = n, res.FreedBytes+freed
	}

	e.logger.InfoContext(ctx, "clean finished", "staging", len(res.Staging), "archives", len(res.Archives), "busy", len(res.Busy), "freed", res.FreedBytes, "dry_run", cleanDryRun)
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), res)
	}

	verb := "removed"
	if cleanDryRun {
		verb = "would remove"
	}
	cmd.Printf("%s %d staging director%s\n", verb, len(res.Staging), plural(len(res.Staging), "y", "ies"))
	if cleanAll || cleanCache {
		cmd.Printf("%s %d cached archive%s\n", verb, len(res.Archives), plural(len(res.Archives), "", "s"))
	}
	if cleanAll || cleanIndexes {
		cmd.Printf("%s %d index file%s\n", verb, res.Indexes, plural(res.Indexes, "", "s"))
	}
	if cleanAll || cleanLogs {
		cmd.Printf("%s %d log file%s\n", verb, res.Logs, plural(res.Logs, "", "s"))
	}
	for _, path := range res.Busy {
		cmd.Printf("skipped %s: download in progress\n", path)
	}
	cmd.Printf("freed %s\n", humanize.Bytes(uint64(res.FreedBytes)))
	return nil
}

// stagingCandidates lists what PruneStaging would remove.
func stagingCandidates(dir string, maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read staging: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	var out []string
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	return out, nil
}

// removeFiles deletes regular files under dir, except names ending in keep.
func removeFiles(dir, keep string, dryRun bool) (int, int64, error) {
	count := 0
	var freed int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || (keep != "" && strings.HasSuffix(d.Name(), keep)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
		}
		count++
		freed += info.Size()
		return nil
	})
	return count, freed, err
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
