package tui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// StatusWriter draws a single spinning status line on a terminal while a
// shim waits for an autodownload. It writes nothing until the first Update.
type StatusWriter struct {
	w          io.Writer
	mu         sync.Mutex
	message    string
	phaseStart time.Time
	done       chan struct{}
	stopped    bool
	drawn      bool
}

// NewStatusWriter starts a background spinner that renders the current
// status message to w every 100ms.
func NewStatusWriter(w io.Writer) *StatusWriter {
	sw := &StatusWriter{
		w:          w,
		phaseStart: time.Now(),
		done:       make(chan struct{}),
	}
	go sw.loop()
	return sw
}

// Update starts a new phase: the message changes and the elapsed timer
// restarts.
func (sw *StatusWriter) Update(msg string) {
	sw.mu.Lock()
	sw.message = msg
	sw.phaseStart = time.Now()
	sw.mu.Unlock()
}

// Detail replaces the message within the current phase.
func (sw *StatusWriter) Detail(msg string) {
	sw.mu.Lock()
	sw.message = msg
	sw.mu.Unlock()
}

// Stop clears the status line, if one was drawn, and stops the spinner.
func (sw *StatusWriter) Stop() {
	sw.mu.Lock()
	if sw.stopped {
		sw.mu.Unlock()
		return
	}
	sw.stopped = true
	drawn := sw.drawn
	sw.mu.Unlock()
	close(sw.done)
	if drawn {
		fmt.Fprintf(sw.w, "\r\033[K")
	}
}

func (sw *StatusWriter) loop() {
	tick := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			sw.mu.Lock()
			if sw.stopped || sw.message == "" {
				sw.mu.Unlock()
				continue
			}
			msg := sw.message
			start := sw.phaseStart
			sw.drawn = true
			spinner := spinnerFrames[tick%len(spinnerFrames)]
			tick++
			fmt.Fprintf(sw.w, "\r\033[K%s %s (%s)", spinner, msg, formatElapsed(time.Since(start)))
			sw.mu.Unlock()
		}
	}
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < 10*time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
