// Package platform names the host operating system and architecture in the
// forms release indexes use.
package platform

import (
	"fmt"
	"runtime"
)

// Platform is an os/arch pair using Go's GOOS/GOARCH names.
type Platform struct {
	OS   string
	Arch string
}

// Current returns the host platform.
func Current() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// Key is the generic "os-arch" triple used by toolpin manifests.
func (p Platform) Key() string {
	return p.OS + "-" + p.Arch
}

func (p Platform) String() string { return p.Key() }

// NodeKey returns the platform segment used in Node.js distribution names,
// e.g. "linux-x64" or "win-arm64".
func (p Platform) NodeKey() (string, error) {
	var osName string
	switch p.OS {
	case "linux", "darwin", "aix":
		osName = p.OS
	case "windows":
		osName = "win"
	default:
		return "", fmt.Errorf("node distributions unavailable for %s", p.OS)
	}

	var arch string
	switch p.Arch {
	case "amd64":
		arch = "x64"
	case "386":
		arch = "x86"
	case "arm64":
		arch = "arm64"
	case "arm":
		arch = "armv7l"
	case "ppc64le", "s390x":
		arch = p.Arch
	default:
		return "", fmt.Errorf("node distributions unavailable for %s/%s", p.OS, p.Arch)
	}
	return osName + "-" + arch, nil
}

// Windows reports whether executables carry an .exe suffix.
func (p Platform) Windows() bool {
	return p.OS == "windows"
}
