// Package setup implements the interactive "recipesync init" wizard that
// writes a first config file.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompter asks questions on w and reads answers line by line from r.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter returns a Prompter over r and w.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(r), out: w}
}

// ask prints the prompt and returns the trimmed answer. ok is false once the
// input is exhausted.
func (p *Prompter) ask(format string, args ...any) (answer string, ok bool) {
	_, _ = fmt.Fprintf(p.out, "  "+format+": ", args...)
	if !p.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.in.Text()), true
}

func (p *Prompter) note(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, "  ("+format+")\n", args...)
}

// String asks for a value, offering def for a blank answer. With no default
// the question repeats until something is typed.
func (p *Prompter) String(label, def string) string {
	question := label
	if def != "" {
		question = fmt.Sprintf("%s [%s]", label, def)
	}
	for {
		v, ok := p.ask("%s", question)
		switch {
		case !ok:
			return def
		case v != "":
			return v
		case def != "":
			return def
		}
		p.note("required, please enter a value")
	}
}

// Optional asks for a value that may be left blank.
func (p *Prompter) Optional(label string) string {
	v, _ := p.ask("%s (optional)", label)
	return v
}

// Confirm asks a yes/no question; a blank answer means defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	v, ok := p.ask("%s %s", label, hint)
	if !ok || v == "" {
		return defaultYes
	}
	switch strings.ToLower(v) {
	case "y", "yes":
		return true
	}
	return false
}

// Select lists options with 1-based numbers and returns the zero-based index
// of the one picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}
	_, _ = fmt.Fprintf(p.out, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.out, "    %d) %s\n", i+1, opt)
	}
	for {
		v, ok := p.ask("Choice [1-%d]", len(options))
		if !ok {
			return -1, fmt.Errorf("no input")
		}
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.note("enter a number between 1 and %d", len(options))
	}
}
