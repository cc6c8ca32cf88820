package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	spinnerFrameWidth = 2 // braille frames render about two columns wide
	spinnerDelay      = 80 * time.Millisecond
	spinnerClearPad   = 5
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinner animates a status line on a terminal while an operation runs.
// On a non-terminal it prints the message once.
type spinner struct {
	w       io.Writer
	message string
	stop    chan struct{}
	done    sync.WaitGroup
}

func newSpinner(w io.Writer, message string) *spinner {
	return &spinner{w: w, message: message, stop: make(chan struct{})}
}

func (s *spinner) Start() {
	if !isTTY() {
		fmt.Fprintf(s.w, "%s...\n", s.message)
		return
	}

	s.done.Add(1)
	go func() {
		defer s.done.Done()
		style := lipgloss.NewStyle().Foreground(colorPrimary)
		ticker := time.NewTicker(spinnerDelay)
		defer ticker.Stop()

		for i := 0; ; i++ {
			fmt.Fprintf(s.w, "\r%s %s", style.Render(spinnerFrames[i%len(spinnerFrames)]), s.message)
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the animation and clears the line.
func (s *spinner) Stop() {
	close(s.stop)
	s.done.Wait()
	if isTTY() {
		width := spinnerFrameWidth + 1 + len(s.message) + spinnerClearPad
		fmt.Fprint(s.w, "\r"+strings.Repeat(" ", width)+"\r")
	}
}

// withSpinner runs op behind a spinner on stderr. JSON output gets no spinner.
func withSpinner[T any](w io.Writer, message string, op func() (T, error)) (T, error) {
	if outputJSON {
		return op()
	}
	spin := newSpinner(w, message)
	spin.Start()
	defer spin.Stop()
	return op()
}
