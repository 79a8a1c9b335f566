package tui

import (
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"toolpin/internal/autodownload"
)

// RowKey identifies the table row of a tool request.
func RowKey(tool, spec string) string {
	return tool + "@" + spec
}

// InstallColumns is the table layout used by install and fetch.
func InstallColumns() []Column {
	return []Column{
		{Header: "TOOL", Width: 8},
		{Header: "REQUEST", Width: 10},
		{Header: "VERSION", Width: 12},
		{Header: "STATUS", Width: 10},
		{Header: "PROGRESS", Width: 24},
	}
}

// ModelReporter forwards orchestrator events to a running ProgressModel.
type ModelReporter struct {
	send func(tea.Msg)

	mu sync.Mutex
	// rows maps tool@version to the rows waiting on it; several requests
	// can share one download.
	rows map[string][]string
}

// NewModelReporter constructs a reporter that delivers messages via send.
func NewModelReporter(send func(tea.Msg)) *ModelReporter {
	return &ModelReporter{send: send, rows: map[string][]string{}}
}

// Transition implements autodownload.Reporter.
func (r *ModelReporter) Transition(ev autodownload.Event) {
	key := RowKey(ev.Tool, ev.Spec)
	fields := map[string]string{"STATUS": ev.State.String()}
	if ev.Version != "" {
		fields["VERSION"] = ev.Version
		r.track(ev.Tool+"@"+ev.Version, key)
	}
	r.send(RowUpdateMsg{Key: key, Fields: fields})
}

// Progress implements autodownload.Reporter.
func (r *ModelReporter) Progress(tool, ver string, done, total int64) {
	r.mu.Lock()
	keys := append([]string(nil), r.rows[tool+"@"+ver]...)
	r.mu.Unlock()
	for _, key := range keys {
		r.send(BytesMsg{Key: key, Done: done, Total: total})
	}
}

func (r *ModelReporter) track(release, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows[release] {
		if existing == key {
			return
		}
	}
	r.rows[release] = append(r.rows[release], key)
}

// PlainReporter prints one line per state transition. Byte progress is
// not printed.
type PlainReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainReporter writes transitions to w.
func NewPlainReporter(w io.Writer) *PlainReporter {
	return &PlainReporter{w: w}
}

// Transition implements autodownload.Reporter.
func (r *PlainReporter) Transition(ev autodownload.Event) {
	if ev.State == autodownload.StateRequested {
		return
	}
	subject := RowKey(ev.Tool, ev.Spec)
	if ev.Version != "" && ev.Version != ev.Spec {
		subject += " (" + ev.Version + ")"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Err != nil {
		fmt.Fprintf(r.w, "%s: %s: %v\n", subject, ev.State, ev.Err)
		return
	}
	fmt.Fprintf(r.w, "%s: %s\n", subject, ev.State)
}

// Progress implements autodownload.Reporter.
func (r *PlainReporter) Progress(string, string, int64, int64) {}

// StatusReporter drives a StatusWriter spinner, used when a shim
// autodownloads before running a tool.
type StatusReporter struct {
	status *StatusWriter
}

// NewStatusReporter reports through sw.
func NewStatusReporter(sw *StatusWriter) *StatusReporter {
	return &StatusReporter{status: sw}
}

// Transition implements autodownload.Reporter.
func (r *StatusReporter) Transition(ev autodownload.Event) {
	if ev.State.Terminal() {
		return
	}
	subject := ev.Tool
	if ev.Version != "" {
		subject += " " + ev.Version
	}
	r.status.Update(fmt.Sprintf("%s %s", ev.State, subject))
}

// Progress implements autodownload.Reporter.
func (r *StatusReporter) Progress(tool, ver string, done, total int64) {
	text := fmt.Sprintf("fetching %s %s %s", tool, ver, humanize.Bytes(uint64(done)))
	if total > 0 {
		text += " / " + humanize.Bytes(uint64(total))
	}
	r.status.Detail(text)
}
