package proc

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func startSleep(t *testing.T, seconds string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", seconds)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestTimedWaitpidReapsExitedChild(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	// Reap via TimedWaitpid instead of cmd.Wait; release the handle so
	// Go's runtime doesn't race us for the wait status.
	_ = cmd.Process.Release()

	if !TimedWaitpid(pid, 5*time.Second) {
		t.Error("TimedWaitpid did not reap an exited child")
	}
}

func TestTimedWaitpidTimesOut(t *testing.T) {
	cmd := startSleep(t, "30")
	start := time.Now()
	if TimedWaitpid(cmd.Process.Pid, 100*time.Millisecond) {
		t.Fatal("TimedWaitpid reported a running child as exited")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("returned before the timeout: %v", elapsed)
	}
}

func TestKillAndWait(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	KillAndWait(pid)
	if Exists(pid) {
		t.Error("process still exists after KillAndWait")
	}
}

func TestExists(t *testing.T) {
	cmd := startSleep(t, "30")
	if !Exists(cmd.Process.Pid) {
		t.Error("running child reported as gone")
	}
	if Exists(1<<22 + 12345) {
		t.Error("absurd pid reported as existing")
	}
}

func TestUIDOfSelfChild(t *testing.T) {
	cmd := startSleep(t, "30")

	var mc MetricsCollector
	uid, found, err := mc.UIDOf(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("UIDOf: %v", err)
	}
	if !found {
		t.Fatal("running child not found by ps")
	}
	if uid != os.Getuid() {
		t.Errorf("uid: got %d, want %d", uid, os.Getuid())
	}
}

func TestUIDOfMissingProcess(t *testing.T) {
	var mc MetricsCollector
	_, found, err := mc.UIDOf(1<<22 + 54321)
	if err != nil {
		t.Fatalf("UIDOf: %v", err)
	}
	if found {
		t.Error("missing process reported as found")
	}
}

func TestUIDOfParseError(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "ps")
	script := "#!/bin/sh\necho not-a-number\n"
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	mc := MetricsCollector{PsPath: fake}
	_, _, err := mc.UIDOf(1234)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want ParseError", err)
	}
}

func TestUIDOfExecFailure(t *testing.T) {
	mc := MetricsCollector{PsPath: "/nonexistent/ps"}
	_, _, err := mc.UIDOf(1234)
	if err == nil {
		t.Fatal("expected an error")
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		t.Error("exec failure misclassified as ParseError")
	}
}

func TestOpenFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout_and_err")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		w, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			done <- err
			return
		}
		_, err = w.WriteString("hello")
		_ = w.Close()
		done <- err
	}()

	f, err := OpenFIFO(path, 5*time.Second)
	if err != nil {
		t.Fatalf("OpenFIFO: %v", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 5)
	if _, err := f.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("read %q", buf)
	}
	if err := <-done; err != nil {
		t.Fatalf("writer: %v", err)
	}
}

func TestOpenFIFOTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdin")
	if err := unix.Mkfifo(path, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := OpenFIFO(path, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}
