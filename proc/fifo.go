package proc

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrTimeout is returned when a bounded operation exceeds its deadline.
var ErrTimeout = errors.New("timed out")

// OpenFIFO opens path for reading, blocking until the peer opens the
// write end or timeout elapses. Opening a FIFO read-only blocks in the
// kernel until a writer appears, so the open runs on its own goroutine;
// on timeout the goroutine is unblocked by briefly opening the write end
// ourselves, and whatever fd it produced is closed.
func OpenFIFO(path string, timeout time.Duration) (*os.File, error) {
	type openResult struct {
		f   *os.File
		err error
	}
	ch := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		ch <- openResult{f, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("cannot open FIFO %s: %w", path, res.err)
		}
		return res.f, nil
	case <-time.After(timeout):
		// Wake the blocked opener. O_NONBLOCK makes this succeed
		// immediately now that a reader is (about to be) present.
		if w, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
			_ = w.Close()
		}
		go func() {
			if res := <-ch; res.f != nil {
				_ = res.f.Close()
			}
		}()
		return nil, fmt.Errorf("opening FIFO %s: %w", path, ErrTimeout)
	}
}
