package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// EnvHome overrides the toolpin home directory.
const EnvHome = "TOOLPIN_HOME"

// PinFileName is the per-project pin file discovered by walking up from the
// working directory.
const PinFileName = ".toolpin.yaml"

// StorePaths captures canonical locations inside a toolpin home.
type StorePaths struct {
	Root          string
	ToolsDir      string
	StagingDir    string
	CacheDir      string
	IndexDir      string
	ActivationDir string
	ProjectsDir   string
	LogsDir       string
	SettingsFile  string
}

// Resolve determines the home directory from the optional --home flag, the
// TOOLPIN_HOME environment variable, or the per-OS default, in that order.
func Resolve(homeFlag string) (StorePaths, error) {
	if homeFlag != "" {
		abs, err := filepath.Abs(homeFlag)
		if err != nil {
			return StorePaths{}, fmt.Errorf("resolve home: %w", err)
		}
		return New(abs), nil
	}
	if override, ok := os.LookupEnv(EnvHome); ok && override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return StorePaths{}, fmt.Errorf("resolve %s: %w", EnvHome, err)
		}
		return New(abs), nil
	}
	root, err := defaultRoot()
	if err != nil {
		return StorePaths{}, err
	}
	return New(root), nil
}

func defaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("detect user home: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "toolpin"), nil
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "toolpin"), nil
		}
		return filepath.Join(home, "AppData", "Local", "toolpin"), nil
	default:
		if data := os.Getenv("XDG_DATA_HOME"); data != "" {
			return filepath.Join(data, "toolpin"), nil
		}
		return filepath.Join(home, ".local", "share", "toolpin"), nil
	}
}

// New lays out a home rooted at root. Staging lives beside tools so the
// final rename never crosses a filesystem boundary.
func New(root string) StorePaths {
	activation := filepath.Join(root, "activation")
	return StorePaths{
		Root:          root,
		ToolsDir:      filepath.Join(root, "tools"),
		StagingDir:    filepath.Join(root, "staging"),
		CacheDir:      filepath.Join(root, "cache"),
		IndexDir:      filepath.Join(root, "index"),
		ActivationDir: activation,
		ProjectsDir:   filepath.Join(activation, "projects"),
		LogsDir:       filepath.Join(root, "logs"),
		SettingsFile:  filepath.Join(root, "config.yaml"),
	}
}

// EnsureDirs creates the standard hierarchy.
func (p StorePaths) EnsureDirs() error {
	dirs := []string{p.ToolsDir, p.StagingDir, p.CacheDir, p.IndexDir, p.ProjectsDir, p.LogsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// FindProjectRoot walks up from start looking for a pin file. It returns ""
// without error when none is found.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	for {
		ok, err := FileExists(filepath.Join(dir, PinFileName))
		if err != nil {
			return "", err
		}
		if ok {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// FileExists reports whether a path exists and is a regular file.
func FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// DirExists reports whether a path exists and is a directory.
func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
