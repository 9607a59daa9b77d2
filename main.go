package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mbspy/pkg/capture"
	"mbspy/pkg/config"
	"mbspy/pkg/line"
	"mbspy/pkg/publish"
	"mbspy/pkg/ring"
	"mbspy/pkg/shell"
	"mbspy/pkg/spy"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mbspy [flags] PORT [command [args...]]",
	Short: "Modbus RTU line spy",
	Long: `mbspy listens to a Modbus RTU serial line, delimits frames on inter-frame
silence and decodes them. It starts listening at once unless --off is given.
Without a command it starts an interactive shell; with --pcap or --mqtt
captured frames are forwarded as they arrive.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		// glog complains unless the go flag set has been parsed.
		_ = flag.CommandLine.Parse(nil)
	},
	RunE: runSpy,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.Flags()
	// Flags go before PORT; what follows is a shell command.
	f.SetInterspersed(false)
	f.Int("baud", line.DefaultBaudrate, "baud rate")
	f.String("parity", "N", "parity: N, E or O")
	f.Int("stop", 1, "stop bits: 1 or 2")
	f.String("eof", "auto", "end of frame delay in ms, or auto for 3.5 character times")
	f.Int("buffer", ring.DefaultCapacity, "number of captured frames kept")
	f.String("config", config.DefaultFile, "line settings file")
	f.Bool("no-load", false, "do not load the line settings file at startup")
	f.String("pcap", "", "forward frames to a pcap file")
	f.Bool("pipe", false, "create the --pcap file as a named pipe for live Wireshark (unix only)")
	f.Bool("bigendian", false, "write pcap in big-endian byte order")
	f.Bool("raw", false, "write raw frames with link type USER0 instead of RTAC serial")
	f.String("mqtt", "", "forward decoded frames to mqtt://[user:pass@]host[:port]/prefix")
	f.String("mqtt-format", "json", "MQTT payload format: json or cbor")
	f.BoolP("eval", "e", false, "evaluation only, no interactive shell")
	f.Bool("off", false, "do not start listening at startup")

	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(sendCmd)
}

// captureOptions are extra capture engine options, used to fake the line.
var captureOptions []capture.Option

func initConfig() {
	rootCmd.Flags().VisitAll(func(fl *pflag.Flag) {
		_ = viper.BindPFlag(fl.Name, fl)
	})
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

// applyLineFlags applies the line settings given on the command line or in
// the environment over the loaded ones.
func applyLineFlags(cfg *line.Config) error {
	if viper.IsSet("baud") {
		if err := cfg.SetBaudrate(viper.GetInt("baud")); err != nil {
			return err
		}
	}
	if viper.IsSet("parity") {
		if err := cfg.SetParityString(viper.GetString("parity")); err != nil {
			return err
		}
	}
	if viper.IsSet("stop") {
		if err := cfg.SetStopBits(viper.GetInt("stop")); err != nil {
			return err
		}
	}
	if viper.IsSet("eof") {
		v := viper.GetString("eof")
		if strings.EqualFold(v, "auto") {
			cfg.ClearSilenceOverride()
			return nil
		}
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &line.InvalidValueError{Param: "eof", Value: v, Allowed: "milliseconds or auto"}
		}
		return cfg.SetSilenceOverride(line.FromMilliseconds(ms))
	}
	return nil
}

func pcapOptions() spy.PCAPOptions {
	return spy.PCAPOptions{
		BigEndian: viper.GetBool("bigendian"),
		RTAC:      !viper.GetBool("raw"),
	}
}

// openSinks opens the forwarding sinks selected by flags. The returned
// function releases them.
func openSinks(sess *spy.Session) ([]spy.Sink, func(), error) {
	var (
		sinks   []spy.Sink
		closers []func()
	)
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if path := viper.GetString("pcap"); path != "" {
		var (
			f   *os.File
			err error
		)
		if viper.GetBool("pipe") {
			f, err = createPipe(path)
			if err == nil {
				closers = append(closers, func() { removePipe(path) })
			}
		} else {
			f, err = os.Create(path)
		}
		if err != nil {
			release()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = f.Close() })
		pw, err := spy.NewPCAPWriter(f, pcapOptions())
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("write pcap header: %w", err)
		}
		sinks = append(sinks, spy.NewPCAPSink(pw, sess.Config()))
		glog.Infof("forwarding frames to %s", path)
	}

	if url := viper.GetString("mqtt"); url != "" {
		format, err := publish.ParseFormat(viper.GetString("mqtt-format"))
		if err != nil {
			release()
			return nil, nil, err
		}
		p, err := publish.Dial(url, format)
		if err != nil {
			release()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = p.Close() })
		sinks = append(sinks, p)
		glog.Infof("publishing %s frames to %s", format, url)
	}
	return sinks, release, nil
}

func runSpy(cmd *cobra.Command, args []string) error {
	enableVirtualTerminal()

	port := args[0]
	sess := spy.New(port,
		spy.WithCapacity(viper.GetInt("buffer")),
		spy.WithStore(config.NewStore(viper.GetString("config"))),
		spy.WithVersion(Version),
		spy.WithCaptureOptions(capture.OnError(func(err error) {
			glog.Errorf("capture stopped: %v", err)
		})),
		spy.WithCaptureOptions(captureOptions...),
	)
	if !viper.GetBool("no-load") {
		// Load has logged the problem and kept the defaults.
		_ = sess.Load()
	}
	if err := applyLineFlags(sess.Config()); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer cancel()
	defer sess.Off()

	sinks, release, err := openSinks(sess)
	if err != nil {
		return err
	}
	defer release()

	if len(sinks) > 0 || !viper.GetBool("off") {
		if err := sess.On(ctx); err != nil {
			if len(sinks) > 0 {
				return err
			}
			glog.Errorf("%v; capture is off", err)
		}
	}

	forwarded := make(chan error, 1)
	if len(sinks) > 0 {
		fwdCtx, stopForwarding := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			err := sess.Forward(fwdCtx, sinks...)
			if err != nil {
				glog.Errorf("forwarding stopped: %v", err)
			}
			forwarded <- err
		}()
		// Sinks are released only once nothing writes to them.
		defer func() {
			stopForwarding()
			<-done
		}()
	}

	evalOnly := viper.GetBool("eval")
	sh := shell.New(sess, !evalOnly && len(args) == 1)
	sh.PCAP = pcapOptions()
	sh.Out = cmd.OutOrStdout()
	if len(args) > 1 || !evalOnly || len(sinks) == 0 {
		return sh.Run(ctx, args[1:]...)
	}

	// Forwarding only: run until interrupted or a sink fails.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	glog.Infof("capturing on %s (%s)", port, sess.Config())
	select {
	case <-ctx.Done():
	case err = <-forwarded:
		if isBrokenPipe(err) {
			glog.Info("pcap reader went away")
			err = nil
		}
	}
	sess.Off()
	fmt.Fprintln(os.Stderr, sess.Status())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	rootCmd.Version = Version
	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
