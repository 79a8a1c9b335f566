package autodownload

import "fmt"

// State is a step of the autodownload pipeline.
type State int

const (
	StateRequested State = iota
	StateResolving
	StateFetching
	StateInstalling
	StateActivating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateResolving:
		return "resolving"
	case StateFetching:
		return "fetching"
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// FailedError reports the stage a request failed in. The component error is
// kept in the chain so errors.Is(err, toolerr.ErrChecksumMismatch) and
// friends hold.
type FailedError struct {
	Tool    string
	Version string
	Stage   State
	Err     error
}

func (e *FailedError) Error() string {
	subject := e.Tool
	if e.Version != "" {
		subject += "@" + e.Version
	}
	return fmt.Sprintf("%s: %s failed: %v", subject, e.Stage, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Event is one state transition.
type Event struct {
	Tool string
	// Spec is the specifier as requested.
	Spec string
	// Version is empty until resolution picked one.
	Version string
	State   State
	Err     error
}

// Reporter observes pipeline progress. Implementations must be safe for
// concurrent use; events from in-flight installs arrive on other goroutines.
type Reporter interface {
	Transition(Event)
	Progress(tool, version string, done, total int64)
}

type nopReporter struct{}

func (nopReporter) Transition(Event) {}
func (nopReporter) Progress(string, string, int64, int64) {}
