package fetch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
)

// CachedFile is an archive, or an unfinished download, in the cache.
type CachedFile struct {
	Tool    string `json:"tool"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Partial bool   `json:"partial"`
}

// Cached lists the archives in the download cache, ordered by tool and name.
// Lock files are not listed.
func (f *Fetcher) Cached() ([]CachedFile, error) {
	toolDirs, err := os.ReadDir(f.cacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read download cache: %w", err)
	}
	var files []CachedFile
	for _, td := range toolDirs {
		if !td.IsDir() {
			continue
		}
		dir := filepath.Join(f.cacheDir, td.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read download cache: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasSuffix(name, lockSuffix) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, CachedFile{
				Tool:    td.Name(),
				Name:    strings.TrimSuffix(name, partSuffix),
				Path:    filepath.Join(dir, name),
				Size:    info.Size(),
				Partial: strings.HasSuffix(name, partSuffix),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Tool != files[j].Tool {
			return files[i].Tool < files[j].Tool
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// Evict removes a cached file unless a download of the same archive holds
// its lock, in which case it reports false.
func (f *Fetcher) Evict(file CachedFile) (bool, error) {
	final := filepath.Join(filepath.Dir(file.Path), file.Name)
	lock := flock.New(final + lockSuffix)
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return false, nil
	}
	defer func() { _ = lock.Unlock() }()
	if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove %s: %w", file.Path, err)
	}
	return true, nil
}
