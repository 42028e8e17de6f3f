package journal

import (
	"bytes"
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	want := []Record{
		{Step: "SPAWNER_PREPARATION", State: "STEP_IN_PROGRESS", AtUsec: 10_000},
		{Step: "SPAWNER_PREPARATION", State: "STEP_PERFORMED", AtUsec: 50_000},
		{Step: "SPAWNER_CONNECT_TO_PRELOADER", State: "STEP_NOT_STARTED", AtUsec: 90_000, Forced: true},
	}
	for _, rec := range want {
		if err := w.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("record count: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAppendAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := w.Append(Record{Step: "X"}); err == nil {
		t.Error("Append after Close succeeded")
	}
}

func TestReadAllToleratesTrailingPartialFrame(t *testing.T) {
	frame, err := EncodeRecord(Record{Step: "SPAWNER_FINISH", State: "STEP_PERFORMED"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	buf.Write(frame)
	// Simulate a writer that died mid-append: a full prefix announcing
	// more bytes than follow.
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.Write([]byte("short"))

	records, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("record count: %d", len(records))
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], MaxPayloadSize+1)
	buf.Write(prefix[:])

	dec := NewFrameDecoder(&buf)
	_, err := dec.ReadRecord()
	fe, ok := err.(*FrameError)
	if !ok || fe.Kind != FrameErrorTooLarge {
		t.Fatalf("got %v, want FrameErrorTooLarge", err)
	}
	if !IsFrameError(err) {
		t.Error("IsFrameError returned false")
	}
}

func TestDecodeGarbagePayload(t *testing.T) {
	payload := []byte{0xc1, 0xc1, 0xc1} // 0xc1 is never valid msgpack
	var buf bytes.Buffer
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	buf.Write(prefix[:])
	buf.Write(payload)

	dec := NewFrameDecoder(&buf)
	_, err := dec.ReadRecord()
	fe, ok := err.(*FrameError)
	if !ok || fe.Kind != FrameErrorDecode {
		t.Fatalf("got %v, want FrameErrorDecode", err)
	}
}

func TestEmptyStream(t *testing.T) {
	dec := NewFrameDecoder(bytes.NewReader(nil))
	if _, err := dec.ReadRecord(); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}
