package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.bug.st/serial"

	"mbspy/pkg/capture"
	"mbspy/pkg/crc"
	"mbspy/pkg/decoder"
	"mbspy/pkg/line"
)

var sendCmd = &cobra.Command{
	Use:   "send [flags] PORT",
	Short: "Write test frames with a valid CRC to a serial port",
	Long: `send writes frames of random bytes, or the --frame bytes, followed by
their Modbus CRC, to exercise a spy listening on the other end of the line.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.Int("baud", line.DefaultBaudrate, "baud rate")
	f.String("parity", "N", "parity: N, E or O")
	f.Int("stop", 1, "stop bits: 1 or 2")
	f.Duration("wait", time.Second, "delay between frames")
	f.Int("min", 8, "minimum frame length, CRC included")
	f.Int("max", 254, "maximum frame length, CRC included")
	f.String("frame", "", "send these hex bytes, CRC appended, instead of random ones")
	f.Int("count", 0, "number of frames to send, 0 until interrupted")
	for _, name := range []string{"baud", "parity", "stop", "wait", "min", "max", "frame", "count"} {
		_ = viper.BindPFlag("send."+name, f.Lookup(name))
	}
}

// frameSource produces the frames written by send.
type frameSource struct {
	rnd      *rand.Rand
	min, max int
	fixed    []byte
}

func newFrameSource(minLen, maxLen int, fixedHex string) (*frameSource, error) {
	src := &frameSource{
		rnd: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		min: minLen,
		max: maxLen,
	}
	if fixedHex != "" {
		b, err := decoder.ParseHex(fixedHex)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 || len(b)+crc.Size > capture.MaxFrameSize {
			return nil, fmt.Errorf("frame must hold 1 to %d bytes", capture.MaxFrameSize-crc.Size)
		}
		src.fixed = b
		return src, nil
	}
	if minLen < crc.Size+1 || maxLen > capture.MaxFrameSize || minLen > maxLen {
		return nil, fmt.Errorf("bad frame length range [%d, %d] (allowed %d to %d)",
			minLen, maxLen, crc.Size+1, capture.MaxFrameSize)
	}
	return src, nil
}

func (s *frameSource) next() []byte {
	if s.fixed != nil {
		return crc.Append(append([]byte(nil), s.fixed...))
	}
	n := s.min + s.rnd.IntN(s.max-s.min+1)
	b := make([]byte, n-crc.Size, n)
	for i := range b {
		b[i] = byte(s.rnd.UintN(256))
	}
	return crc.Append(b)
}

// sendFrames writes count frames from src to w, or until ctx is done when
// count is zero, and returns how many were written.
func sendFrames(ctx context.Context, w io.Writer, src *frameSource, wait time.Duration, count int, out io.Writer) (int, error) {
	ticker := time.NewTicker(wait)
	defer ticker.Stop()
	sent := 0
	for count == 0 || sent < count {
		frame := src.next()
		if _, err := w.Write(frame); err != nil {
			return sent, fmt.Errorf("write: %w", err)
		}
		fmt.Fprintf(out, "[%3d/%3d] %s\n", sent, len(frame), decoder.FormatHex(frame))
		sent++
		if count != 0 && sent == count {
			break
		}
		select {
		case <-ctx.Done():
			return sent, nil
		case <-ticker.C:
		}
	}
	return sent, nil
}

func runSend(_ *cobra.Command, args []string) error {
	cfg := line.New(nil)
	if err := cfg.SetBaudrate(viper.GetInt("send.baud")); err != nil {
		return err
	}
	if err := cfg.SetParityString(viper.GetString("send.parity")); err != nil {
		return err
	}
	if err := cfg.SetStopBits(viper.GetInt("send.stop")); err != nil {
		return err
	}
	src, err := newFrameSource(viper.GetInt("send.min"), viper.GetInt("send.max"), viper.GetString("send.frame"))
	if err != nil {
		return err
	}
	wait := viper.GetDuration("send.wait")
	if wait <= 0 {
		return fmt.Errorf("wait must be positive, got %s", wait)
	}

	port, err := serial.Open(args[0], cfg.Snapshot().Mode())
	if err != nil {
		return &capture.CaptureError{Op: "open", Port: args[0], Err: err}
	}
	defer port.Close()
	glog.Infof("sending on %s (%s)", args[0], cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	sent, err := sendFrames(ctx, drainWriter{port}, src, wait, viper.GetInt("send.count"), os.Stdout)
	glog.Infof("sent %d frames", sent)
	return err
}

// drainWriter waits for each frame to leave the port so frames stay
// separated by the configured wait.
type drainWriter struct {
	port serial.Port
}

func (d drainWriter) Write(p []byte) (int, error) {
	n, err := d.port.Write(p)
	if err != nil {
		return n, err
	}
	return n, d.port.Drain()
}
