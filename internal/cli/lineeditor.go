package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const (
	historyFileName = ".natsio_history"
	historySize     = 500
)

// lineEditor reads shell input with readline on a terminal and falls back
// to a plain scanner when input is piped or running inside Emacs.
type lineEditor struct {
	interactive bool
	rl          *readline.Instance

	scanner *bufio.Scanner
	out     io.Writer
}

func newLineEditor(in io.Reader, out, errOut io.Writer) *lineEditor {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) || os.Getenv("INSIDE_EMACS") != "" {
		return &lineEditor{scanner: bufio.NewScanner(in), out: out}
	}

	var historyPath string
	if home, err := os.UserHomeDir(); err == nil {
		historyPath = filepath.Join(home, historyFileName)
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            historyPath,
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		fmt.Fprintf(errOut, "warning: readline init failed (%v), using basic input\n", err)
		return &lineEditor{scanner: bufio.NewScanner(in), out: out}
	}
	return &lineEditor{interactive: true, rl: rl, out: out}
}

// readLine returns io.EOF on end of input or Ctrl-C.
func (le *lineEditor) readLine(prompt string) (string, error) {
	if le.interactive {
		le.rl.SetPrompt(prompt)
		line, err := le.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				return "", io.EOF
			}
			return "", err
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			_ = le.rl.SaveToHistory(trimmed)
		}
		return line, nil
	}

	fmt.Fprint(le.out, prompt)
	if !le.scanner.Scan() {
		if err := le.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return le.scanner.Text(), nil
}

func (le *lineEditor) Close() error {
	if le.rl != nil {
		return le.rl.Close()
	}
	return nil
}
