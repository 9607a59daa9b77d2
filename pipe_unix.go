//go:build unix

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// createPipe creates a FIFO at path, or reuses an existing one, and opens
// it for writing. It blocks until a reader such as Wireshark connects.
func createPipe(path string) (*os.File, error) {
	if err := unix.Mkfifo(path, 0600); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFIFO {
			return nil, fmt.Errorf("%s exists and is not a named pipe", path)
		}
	}
	glog.Infof("waiting for a reader on %s", path)
	fmt.Fprintf(os.Stderr, "waiting for a reader on %s...\n", path)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open pipe: %w", err)
	}
	return f, nil
}

func removePipe(path string) {
	if err := os.Remove(path); err != nil {
		glog.Warningf("remove pipe: %v", err)
	}
}

// isBrokenPipe reports whether err comes from a reader closing its end.
func isBrokenPipe(err error) bool {
	return errors.Is(err, unix.EPIPE)
}
