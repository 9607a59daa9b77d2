package spy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"

	"mbspy/pkg/decoder"
	"mbspy/pkg/ring"
)

// Sink consumes decoded frames from Forward.
type Sink interface {
	Consume(f ring.Frame, rec decoder.Record) error
}

// tail calls fn with every batch of frames pushed since the previous batch,
// starting with the frames already buffered, until ctx is done. missed
// counts frames evicted or cleared before they could be read.
func (s *Session) tail(ctx context.Context, fn func(frames []ring.Frame, missed uint64) error) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var cursor uint64
	first := true
	for {
		frames, next, missed := s.buf.Since(cursor)
		if first {
			missed = 0
			first = false
		}
		if len(frames) > 0 || missed > 0 {
			if err := fn(frames, missed); err != nil {
				return err
			}
		}
		cursor = next

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Follow writes frames to w as they are captured until ctx is done.
// Numbering runs across the whole follow session; analyze mode keeps one
// analyzer session, restarted whenever frames were missed.
func (s *Session) Follow(ctx context.Context, mode Mode, w io.Writer) error {
	if !s.IsOn() {
		return ErrNotListening
	}
	a := decoder.NewAnalyzer()
	idx := 0
	return s.tail(ctx, func(frames []ring.Frame, missed uint64) error {
		if missed > 0 {
			a.Reset()
			if _, err := fmt.Fprintf(w, "... %d frames missed\n", missed); err != nil {
				return err
			}
		}
		for _, f := range frames {
			if _, err := fmt.Fprintln(w, renderEntry(mode, idx, f, a)); err != nil {
				return err
			}
			idx++
		}
		return nil
	})
}

// Forward decodes frames as they are captured and hands them to every sink
// until ctx is done or a sink fails.
func (s *Session) Forward(ctx context.Context, sinks ...Sink) error {
	a := decoder.NewAnalyzer()
	return s.tail(ctx, func(frames []ring.Frame, missed uint64) error {
		if missed > 0 {
			glog.Warningf("spy: forwarding fell behind, %d frames missed", missed)
			a.Reset()
		}
		for _, f := range frames {
			rec := a.Analyze(f.Data)
			glog.V(2).Infof("spy: frame %d: %s", f.Seq, rec)
			for _, sink := range sinks {
				if err := sink.Consume(f, rec); err != nil {
					return fmt.Errorf("forward frame %d: %w", f.Seq, err)
				}
			}
		}
		return nil
	})
}
