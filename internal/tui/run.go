package tui

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"
)

// RunWithWork starts a bubbletea program for model, runs workFn in a
// goroutine and blocks until both have finished. workFn receives the
// program's Send. Quitting the program early calls cancel so the work can
// stop. The work's own error is returned in preference to a rendering error.
func RunWithWork(out io.Writer, model ProgressModel, cancel context.CancelFunc, workFn func(send func(tea.Msg)) error) error {
	p := tea.NewProgram(model, tea.WithOutput(out), tea.WithoutSignalHandler())

	workErr := make(chan error, 1)
	go func() {
		err := workFn(p.Send)
		workErr <- err
		p.Send(WorkDoneMsg{})
	}()

	finalModel, runErr := p.Run()
	cancel()
	if err := <-workErr; err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if m, ok := finalModel.(ProgressModel); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}
