package workspace

import (
	"regexp"
	"sync"
	"time"
)

const consoleCapacity = 500

var errorLine = regexp.MustCompile(`(?i)\b(error|failed|exception)\b`)

// ConsoleLine is one line of runtime output.
type ConsoleLine struct {
	Text  string    `json:"text"`
	Error bool      `json:"error"`
	At    time.Time `json:"at"`
}

// Console keeps the most recent runtime output lines.
type Console struct {
	mu    sync.Mutex
	lines []ConsoleLine
}

// NewConsole returns an empty console.
func NewConsole() *Console {
	return &Console{}
}

// Append records a line, dropping the oldest once the console is full.
func (c *Console) Append(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, ConsoleLine{Text: text, Error: errorLine.MatchString(text), At: time.Now()})
	if over := len(c.lines) - consoleCapacity; over > 0 {
		c.lines = append(c.lines[:0:0], c.lines[over:]...)
	}
}

// Lines returns the buffered lines, oldest first.
func (c *Console) Lines() []ConsoleLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConsoleLine(nil), c.lines...)
}

// Errors returns the text of the last n error lines, oldest first.
func (c *Console) Errors(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for i := len(c.lines) - 1; i >= 0 && len(out) < n; i-- {
		if c.lines[i].Error {
			out = append(out, c.lines[i].Text)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Clear drops every line.
func (c *Console) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
}
