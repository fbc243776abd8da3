// Package console renders the chat UI as plain lines on a terminal.
package console

import (
	"fmt"
	"html"
	"io"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// UI writes the chat log and status changes to w. Markup in log entries
// is reduced to text.
type UI struct {
	mu     sync.Mutex
	w      io.Writer
	strict *bluemonday.Policy
	status string
	input  string
}

// New creates a terminal UI writing to w.
func New(w io.Writer) *UI {
	return &UI{w: w, strict: bluemonday.StrictPolicy()}
}

// AppendLog prints markup as text, one line per <br>.
func (u *UI) AppendLog(markup string) {
	text := strings.ReplaceAll(markup, "<br>", "\n")
	text = html.UnescapeString(u.strict.Sanitize(text))

	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprint(u.w, text)
}

// SetStatus prints the status when it changes. Clearing it prints nothing.
func (u *UI) SetStatus(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if text == u.status {
		return
	}
	u.status = text
	if text != "" {
		fmt.Fprintf(u.w, "(%s)\n", text)
	}
}

// Status returns the current status text.
func (u *UI) Status() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *UI) InputValue() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.input
}

func (u *UI) SetInputValue(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.input = text
}
