package tools

import (
	"path"
	"strings"

	"toolpin/internal/platform"
)

// IndexKind selects the release index format a tool publishes.
type IndexKind string

const (
	// IndexNodeDist is the nodejs.org/dist layout: index.json plus a
	// SHASUMS256.txt per release.
	IndexNodeDist IndexKind = "nodedist"
	// IndexNPM is an npm registry package document.
	IndexNPM IndexKind = "npm"
	// IndexManifest is toolpin's own JSON or YAML release manifest.
	IndexManifest IndexKind = "manifest"
)

// ArchiveFormat is the container format of a release archive.
type ArchiveFormat string

const (
	FormatTarGz  ArchiveFormat = "tar.gz"
	FormatTarXz  ArchiveFormat = "tar.xz"
	FormatTarZst ArchiveFormat = "tar.zst"
	FormatZip    ArchiveFormat = "zip"
)

// FormatFromName infers the archive format from a file name or URL path.
func FormatFromName(name string) (ArchiveFormat, bool) {
	lower := strings.ToLower(path.Base(name))
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, true
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXz, true
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZst, true
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, true
	default:
		return "", false
	}
}

// Definition contains what the pipeline needs to know about a managed tool.
type Definition struct {
	Name        string
	DisplayName string
	Index       IndexKind
	IndexURL    string
	// Executables lists paths, relative to an installed version's root, that
	// must exist after unpacking. The first entry is the one shims run.
	Executables []string
	// WindowsExecutables replaces Executables on Windows when set.
	WindowsExecutables []string
}

// Layout returns the executables expected for the platform.
func (d Definition) Layout(p platform.Platform) []string {
	if p.Windows() && len(d.WindowsExecutables) > 0 {
		return d.WindowsExecutables
	}
	return d.Executables
}

// MainExecutable returns the relative path shims invoke.
func (d Definition) MainExecutable(p platform.Platform) string {
	layout := d.Layout(p)
	if len(layout) == 0 {
		return ""
	}
	return layout[0]
}
