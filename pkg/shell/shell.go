// Package shell provides the ishell backed command surface of the spy.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"mbspy/pkg/spy"
)

const shellKey = "$shell"

// Shell runs spy commands interactively or one at a time.
type Shell struct {
	// Color enables styled CRC status columns.
	Color bool
	// PCAP selects the flavour written by the pcap command.
	PCAP spy.PCAPOptions
	// Out receives the output of one-shot commands.
	Out io.Writer

	Session *spy.Session
	// Shell is nil unless interactive.
	Shell *ishell.Shell

	ok  lipgloss.Style
	bad lipgloss.Style
}

// New creates a shell over sess. Colors are enabled when stdout is a
// terminal.
func New(sess *spy.Session, interactive bool) *Shell {
	s := &Shell{
		Color:   term.IsTerminal(int(os.Stdout.Fd())),
		PCAP:    spy.PCAPOptions{RTAC: true},
		Out:     os.Stdout,
		Session: sess,
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
	if interactive {
		s.Shell = ishell.New()
		s.Shell.Set(shellKey, s)
		for _, cmd := range commands {
			s.Shell.AddCmd(s.ishellCmd(cmd))
		}
		s.updatePrompt()
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// contextWriter prints through an ishell context.
type contextWriter struct {
	c *ishell.Context
}

func (w contextWriter) Write(p []byte) (int, error) {
	w.c.Print(string(p))
	return len(p), nil
}

func (s *Shell) ishellCmd(cmd command) *ishell.Cmd {
	return &ishell.Cmd{
		Name:    cmd.name,
		Aliases: cmd.aliases,
		Help:    cmd.help,
		Func: func(c *ishell.Context) {
			sh := ShellFrom(c)
			if err := cmd.run(sh, context.Background(), contextWriter{c}, c.Args); err != nil {
				c.Err(err)
			}
			sh.updatePrompt()
		},
	}
}

func (s *Shell) updatePrompt() {
	if s.Shell == nil {
		return
	}
	s.Shell.SetPrompt(s.Session.Prompt())
}

// Exec runs one command, writing its output to w.
func (s *Shell) Exec(ctx context.Context, w io.Writer, args ...string) error {
	if len(args) == 0 {
		return fmt.Errorf("command expected")
	}
	name := strings.ToLower(args[0])
	for _, cmd := range commands {
		if cmd.matches(name) {
			return cmd.run(s, ctx, w, args[1:])
		}
	}
	return fmt.Errorf("unknown command %q, try help", args[0])
}

// Run executes args as a single command when given, else starts the
// interactive shell.
func (s *Shell) Run(ctx context.Context, args ...string) error {
	if len(args) > 0 {
		return s.Exec(ctx, s.Out, args...)
	}
	if s.Shell == nil {
		return fmt.Errorf("command expected")
	}
	s.Shell.Println(s.Session.Version())
	s.Shell.Run()
	return nil
}

// formatEntry renders e like spy.Entry.String with a styled CRC column.
func (s *Shell) formatEntry(e spy.Entry) string {
	if !s.Color {
		return e.String()
	}
	style := s.bad
	if e.Valid {
		style = s.ok
	}
	status := style.Render(fmt.Sprintf("%-3s", e.CRCStatus()))
	return fmt.Sprintf("[%3d/%3d/%s] %s", e.Index, len(e.Frame.Data), status, e.Text)
}

func (s *Shell) printEntries(w io.Writer, entries []spy.Entry) {
	for _, e := range entries {
		fmt.Fprintln(w, s.formatEntry(e))
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no frames")
	}
}
