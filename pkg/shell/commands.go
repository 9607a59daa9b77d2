package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"mbspy/pkg/line"
	"mbspy/pkg/spy"
)

// DefaultCount is the number of frames listed by dump and analyze.
const DefaultCount = 10

type command struct {
	name    string
	aliases []string
	help    string
	run     func(s *Shell, ctx context.Context, w io.Writer, args []string) error
}

func (c command) matches(name string) bool {
	if c.name == name {
		return true
	}
	for _, a := range c.aliases {
		if a == name {
			return true
		}
	}
	return false
}

var commands = []command{
	{name: "baudrate", aliases: []string{"baud"}, help: "show or set the baud rate", run: (*Shell).baudrate},
	{name: "parity", help: "show or set the parity: N, E or O", run: (*Shell).parity},
	{name: "stop", help: "show or set the stop bits: 1 or 2", run: (*Shell).stopBits},
	{name: "eof", help: "show or set the end of frame delay in ms, auto for computed", run: (*Shell).eof},
	{name: "on", help: "start listening", run: (*Shell).on},
	{name: "off", help: "stop listening", run: (*Shell).off},
	{name: "clear", help: "discard captured frames", run: (*Shell).clear},
	{name: "dump", help: "dump [n]: print the last n frames in hex, 0 for all", run: (*Shell).dump},
	{name: "analyze", aliases: []string{"an"}, help: "analyze [n]: decode the last n frames, 0 for all", run: (*Shell).analyze},
	{name: "save", help: "save the line settings", run: (*Shell).save},
	{name: "load", help: "reload the line settings from the configuration file", run: (*Shell).load},
	{name: "version", help: "print the version", run: (*Shell).version},
	{name: "status", help: "print capture counters", run: (*Shell).status},
	{name: "follow", help: "follow [dump|analyze]: print frames as captured until Ctrl-C", run: (*Shell).follow},
	{name: "pcap", help: "pcap FILE [n]: write the last n frames to a pcap file, all by default", run: (*Shell).pcap},
}

func maxArgs(args []string, n int) error {
	if len(args) > n {
		return fmt.Errorf("too many arguments: %s", strings.Join(args[n:], " "))
	}
	return nil
}

func (s *Shell) baudrate(_ context.Context, w io.Writer, args []string) error {
	if err := maxArgs(args, 1); err != nil {
		return err
	}
	cfg := s.Session.Config()
	if len(args) == 0 {
		fmt.Fprintln(w, cfg.Baudrate())
		return nil
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return &line.InvalidValueError{Param: "baudrate", Value: args[0], Allowed: "an integer"}
	}
	return cfg.SetBaudrate(v)
}

func (s *Shell) parity(_ context.Context, w io.Writer, args []string) error {
	if err := maxArgs(args, 1); err != nil {
		return err
	}
	cfg := s.Session.Config()
	if len(args) == 0 {
		fmt.Fprintln(w, cfg.Parity())
		return nil
	}
	return cfg.SetParityString(args[0])
}

func (s *Shell) stopBits(_ context.Context, w io.Writer, args []string) error {
	if err := maxArgs(args, 1); err != nil {
		return err
	}
	cfg := s.Session.Config()
	if len(args) == 0 {
		fmt.Fprintln(w, cfg.StopBits())
		return nil
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return &line.InvalidValueError{Param: "stop bits", Value: args[0], Allowed: "1 or 2"}
	}
	return cfg.SetStopBits(v)
}

func (s *Shell) eof(_ context.Context, w io.Writer, args []string) error {
	if err := maxArgs(args, 1); err != nil {
		return err
	}
	cfg := s.Session.Config()
	if len(args) == 0 {
		mode := "manual"
		if !cfg.HasOverride() {
			mode = "auto"
		}
		fmt.Fprintf(w, "%.3f ms (%s)\n", line.Milliseconds(cfg.EffectiveSilence()), mode)
		return nil
	}
	if strings.EqualFold(args[0], "auto") {
		cfg.ClearSilenceOverride()
		return nil
	}
	ms, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return &line.InvalidValueError{Param: "eof", Value: args[0], Allowed: "milliseconds or auto"}
	}
	return cfg.SetSilenceOverride(line.FromMilliseconds(ms))
}

func (s *Shell) on(ctx context.Context, _ io.Writer, args []string) error {
	if err := maxArgs(args, 0); err != nil {
		return err
	}
	return s.Session.On(ctx)
}

func (s *Shell) off(_ context.Context, _ io.Writer, args []string) error {
	if err := maxArgs(args, 0); err != nil {
		return err
	}
	s.Session.Off()
	return nil
}

func (s *Shell) clear(_ context.Context, _ io.Writer, args []string) error {
	if err := maxArgs(args, 0); err != nil {
		return err
	}
	s.Session.Clear()
	return nil
}

func countArg(args []string, def int) (int, error) {
	if err := maxArgs(args, 1); err != nil {
		return 0, err
	}
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, &line.InvalidValueError{Param: "count", Value: args[0], Allowed: "a non-negative integer"}
	}
	return n, nil
}

func (s *Shell) dump(_ context.Context, w io.Writer, args []string) error {
	n, err := countArg(args, DefaultCount)
	if err != nil {
		return err
	}
	s.printEntries(w, s.Session.Dump(n))
	return nil
}

func (s *Shell) analyze(_ context.Context, w io.Writer, args []string) error {
	n, err := countArg(args, DefaultCount)
	if err != nil {
		return err
	}
	s.printEntries(w, s.Session.Analyze(n))
	return nil
}

func (s *Shell) save(_ context.Context, _ io.Writer, args []string) error {
	if err := maxArgs(args, 0); err != nil {
		return err
	}
	return s.Session.Save()
}

func (s *Shell) load(_ context.Context, w io.Writer, args []string) error {
	if err := maxArgs(args, 0); err != nil {
		return err
	}
	if err := s.Session.Load(); err != nil {
		return err
	}
	fmt.Fprintln(w, s.Session.Config())
	return nil
}

func (s *Shell) version(_ context.Context, w io.Writer, _ []string) error {
	fmt.Fprintln(w, s.Session.Version())
	return nil
}

func (s *Shell) status(_ context.Context, w io.Writer, _ []string) error {
	fmt.Fprintln(w, s.Session.Status())
	return nil
}

func (s *Shell) follow(ctx context.Context, w io.Writer, args []string) error {
	if err := maxArgs(args, 1); err != nil {
		return err
	}
	mode := spy.ModeDump
	if len(args) == 1 {
		var err error
		if mode, err = spy.ParseMode(args[0]); err != nil {
			return err
		}
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return s.Session.Follow(ctx, mode, w)
}

func (s *Shell) pcap(_ context.Context, w io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("pcap: file name expected")
	}
	n, err := countArg(args[1:], 0)
	if err != nil {
		return err
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	written, err := s.Session.ExportPCAP(f, n, s.PCAP)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("pcap %s: %w", args[0], err)
	}
	fmt.Fprintf(w, "%d frames written to %s\n", written, args[0])
	return nil
}
