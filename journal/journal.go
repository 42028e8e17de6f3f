package journal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// FileName is the journal's name inside a spawn work directory.
const FileName = "journal.bin"

// Writer appends transition records to a journal file. Appends are
// best-effort from the caller's point of view: the orchestrator logs a
// failed append and moves on, since losing a diagnostic must never fail
// a spawn.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// NewWriter creates (or truncates) the journal file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Writer{f: f}, nil
}

// Append writes one record to the journal.
func (w *Writer) Append(rec Record) error {
	frame, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	if _, err := w.f.Write(frame); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

// Close closes the underlying file. Append after Close fails with
// os.ErrClosed. Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// ReadAll replays a journal stream into the full record slice.
// A trailing partial frame (the writer died mid-append) terminates the
// replay without error; other frame errors are returned alongside the
// records read so far.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := NewFrameDecoder(r)
	var records []Record
	for {
		rec, err := dec.ReadRecord()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			if fe, ok := err.(*FrameError); ok && fe.Kind == FrameErrorPartial {
				return records, nil
			}
			return records, err
		}
		records = append(records, *rec)
	}
}

// ReadFile replays the journal file at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadAll(f)
}
