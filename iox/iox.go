// Package iox provides I/O helpers for resource cleanup and the
// single-shot file writes used by the spawn work directory protocol.
package iox

import (
	"io"
	"os"
	"strings"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Flush) where errors are unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }

// CreateFile writes contents to path in a single write-then-close.
// Readers observing the file see either nothing or the full contents,
// which is the atomicity level the work directory protocol requires.
func CreateFile(path string, contents []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	_, werr := f.Write(contents)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// ReadFileTrim reads path and returns its contents with surrounding
// whitespace stripped. Small diagnostic files (step states, annotations)
// are written with trailing newlines by shells and humans alike.
func ReadFileTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// FileExists reports whether path exists, following symlinks.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
