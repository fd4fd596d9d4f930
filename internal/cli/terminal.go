package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

// LineReader reads one line of input after printing prompt. It returns io.EOF
// or liner.ErrPromptAborted when the user is done.
type LineReader interface {
	Prompt(prompt string) (string, error)
}

// Terminal is a liner-backed LineReader with persistent input history.
type Terminal struct {
	line        *liner.State
	historyFile string
}

// NewTerminal takes over the terminal. historyFile may be empty to keep
// history for this session only.
func NewTerminal(historyFile string) *Terminal {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	t := &Terminal{line: line, historyFile: historyFile}
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	return t
}

// DefaultHistoryFile lives in the user's config directory.
func DefaultHistoryFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "studychat", "history")
}

func (t *Terminal) Prompt(prompt string) (string, error) {
	input, err := t.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		t.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves the history and restores the terminal.
func (t *Terminal) Close() {
	defer t.line.Close()
	if t.historyFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.historyFile), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(t.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	t.line.WriteHistory(f)
}
