package cli

import (
	"errors"
	"fmt"

	"toolpin/internal/toolerr"
)

// Exit codes by failure kind. Codes are stable so scripts can branch on them.
const (
	exitFailure          = 1
	exitInvalidSpecifier = 2
	exitNotFound         = 3
	exitIndexUnavailable = 4
	exitNetwork          = 5
	exitChecksum         = 6
	exitArchive          = 7
	exitDiskFull         = 8
	exitPermission       = 9
	exitNotInstalled     = 10
	exitNoActiveVersion  = 11
	exitInterrupted      = 130
)

// exitStatus is a child process's exit code passed through by run.
type exitStatus int

func (s exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(s)) }

func exitCode(err error) int {
	switch toolerr.KindOf(err) {
	case toolerr.KindInvalidSpecifier:
		return exitInvalidSpecifier
	case toolerr.KindNotFound:
		return exitNotFound
	case toolerr.KindIndexUnavailable:
		return exitIndexUnavailable
	case toolerr.KindNetworkError:
		return exitNetwork
	case toolerr.KindChecksumMismatch:
		return exitChecksum
	case toolerr.KindArchiveCorrupt, toolerr.KindLayoutUnexpected:
		return exitArchive
	case toolerr.KindDiskFull:
		return exitDiskFull
	case toolerr.KindPermissionDenied:
		return exitPermission
	case toolerr.KindNotInstalled:
		return exitNotInstalled
	case toolerr.KindNoActiveVersion:
		return exitNoActiveVersion
	case toolerr.KindInterrupted:
		return exitInterrupted
	default:
		return exitFailure
	}
}

// hint suggests a next step for the failure kinds a user can act on.
func hint(err error) string {
	switch {
	case errors.Is(err, toolerr.ErrInvalidSpecifier):
		return "use an exact version (20.11.0), a range (^20, 20.x, >=18 <21) or a tag (latest, lts)"
	case errors.Is(err, toolerr.ErrNotFound):
		return "run `toolpin ls-remote <tool>` to see published versions"
	case errors.Is(err, toolerr.ErrIndexUnavailable):
		return "check connectivity or the index.mirrors setting; --offline uses cached indexes"
	case errors.Is(err, toolerr.ErrNetwork):
		return "the download can be retried; partial data is resumed"
	case errors.Is(err, toolerr.ErrChecksumMismatch):
		return "the archive did not match its published digest and was discarded"
	case errors.Is(err, toolerr.ErrDiskFull):
		return "free disk space, then run `toolpin clean --cache`"
	case errors.Is(err, toolerr.ErrPermissionDenied):
		return "check write access to the toolpin home (--home or TOOLPIN_HOME)"
	case errors.Is(err, toolerr.ErrNotInstalled):
		return "run `toolpin install <tool>@<version>` first"
	case errors.Is(err, toolerr.ErrNoActiveVersion):
		return "pin a version in .toolpin.yaml or run `toolpin use <tool>@<version>`"
	default:
		return ""
	}
}
