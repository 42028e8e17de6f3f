package spawn

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/foundry-server/foundry/log"
)

// maxCaptureBytes bounds how much child output is retained for error
// reports. Output beyond the bound is dropped from the front so the tail,
// which usually holds the actual failure, survives.
const maxCaptureBytes = 512 * 1024

// captureSettleDelay gives a dying child a moment to flush its final
// writes before the captured data is read for an error report.
const captureSettleDelay = 50 * time.Millisecond

// BackgroundIOCapturer drains a child's output stream on a background
// goroutine, retaining a bounded capture for error reports and optionally
// logging each line. It doubles as the preloader pipe watcher: the same
// stream that feeds handshake error capture keeps being logged for the
// preloader's lifetime.
type BackgroundIOCapturer struct {
	reader io.Reader
	logger *log.Logger
	pid    int

	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
}

// NewBackgroundIOCapturer creates a capturer that only captures.
func NewBackgroundIOCapturer(r io.Reader, pid int) *BackgroundIOCapturer {
	return &BackgroundIOCapturer{reader: r, pid: pid, done: make(chan struct{})}
}

// NewPipeWatcher creates a capturer that additionally logs every line,
// attributing it to pid. Used on the preloader's joined stdout/stderr.
func NewPipeWatcher(r io.Reader, logger *log.Logger, pid int) *BackgroundIOCapturer {
	return &BackgroundIOCapturer{reader: r, logger: logger, pid: pid, done: make(chan struct{})}
}

// Start begins draining the stream. The goroutine ends when the stream
// reaches EOF or errors, which happens when the child exits or the owner
// closes the underlying file.
func (c *BackgroundIOCapturer) Start() {
	go func() {
		defer close(c.done)
		scanner := bufio.NewScanner(c.reader)
		scanner.Buffer(make([]byte, 64*1024), maxCaptureBytes)
		for scanner.Scan() {
			line := scanner.Text()
			c.append(line)
			if c.logger != nil {
				c.logger.Info("child output", map[string]any{
					"pid":  c.pid,
					"line": line,
				})
			}
		}
	}()
}

func (c *BackgroundIOCapturer) append(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
	if c.buf.Len() > maxCaptureBytes {
		data := c.buf.Bytes()
		trimmed := make([]byte, maxCaptureBytes/2)
		copy(trimmed, data[len(data)-maxCaptureBytes/2:])
		c.buf.Reset()
		c.buf.Write(trimmed)
	}
}

// Data returns the captured output after a short settle delay that lets
// a dying child finish writing its last lines.
func (c *BackgroundIOCapturer) Data() string {
	select {
	case <-c.done:
	case <-time.After(captureSettleDelay):
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
