package tui

import (
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/mattn/go-isatty"
)

// OutputMode describes how progress output should be rendered.
type OutputMode int

const (
	// ModeTUI redraws a live table with bubbletea.
	ModeTUI OutputMode = iota
	// ModePlain prints one line per state transition.
	ModePlain
	// ModeJSON suppresses progress; the command prints a JSON result.
	ModeJSON
)

// DetectMode picks the output mode for out. Anything that is not an
// interactive terminal gets plain lines.
func DetectMode(out io.Writer, plain, jsonOutput bool) OutputMode {
	if jsonOutput {
		return ModeJSON
	}
	if plain || !IsTerminal(out) {
		return ModePlain
	}
	if runtime.GOOS != "windows" {
		term := os.Getenv("TERM")
		if term == "" || strings.EqualFold(term, "dumb") {
			return ModePlain
		}
	}
	return ModeTUI
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
