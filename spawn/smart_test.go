package spawn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/types"
	"github.com/foundry-server/foundry/workdir"
)

// fakePreloader is a socket server standing in for a running preloader
// process. Each accepted connection is handed to handler, which plays
// the preloader's side of the fork command protocol.
type fakePreloader struct {
	ln      net.Listener
	address string
}

type forkRequest struct {
	Command string `json:"command"`
	WorkDir string `json:"work_dir"`
}

func newFakePreloaderNet(t *testing.T, network string, handler func(req forkRequest, conn net.Conn)) *fakePreloader {
	t.Helper()
	var ln net.Listener
	var address string
	var err error
	if network == "unix" {
		path := filepath.Join(t.TempDir(), "preloader.sock")
		ln, err = net.Listen("unix", path)
		address = "unix:" + path
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err == nil {
			address = "tcp://" + ln.Addr().String()
		}
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	fp := &fakePreloader{ln: ln, address: address}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				line, err := bufio.NewReader(conn).ReadString('\n')
				if err != nil {
					return
				}
				var req forkRequest
				if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &req); err != nil {
					t.Errorf("malformed fork command: %v", err)
					return
				}
				handler(req, conn)
			}(conn)
		}
	}()
	return fp
}

func newFakePreloader(t *testing.T, handler func(req forkRequest, conn net.Conn)) *fakePreloader {
	return newFakePreloaderNet(t, "unix", handler)
}

// fakePS writes a stand-in for the ps tool printing the given script
// body, making UID verification hermetic.
func fakePS(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ps")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// psReportingOwnUID reports whatever uid the test runs as, matching the
// expected uid the session resolves.
func psReportingOwnUID(t *testing.T) string {
	return fakePS(t, "id -u")
}

// completeChildHandshake plays the spawned child's half of the work
// directory protocol.
func completeChildHandshake(t *testing.T, workDirPath string) {
	t.Helper()
	wd := workdir.Open(workDirPath)
	wd.RecordStepComplete(journey.StepSubprocessPrepareAfterForkingFromPreloader,
		journey.StatePerformed, journey.MonotonicUsecNow())
	wd.RecordStepComplete(journey.StepSubprocessListen,
		journey.StatePerformed, journey.MonotonicUsecNow())
	if err := wd.RecordProperties(&workdir.Properties{
		Sockets: []types.Socket{{
			Address:            "unix:/tmp/app.sock",
			Protocol:           "http",
			Concurrency:        0,
			AcceptHTTPRequests: true,
		}},
	}); err != nil {
		t.Error(err)
	}
	if err := wd.RecordFinish(); err != nil {
		t.Error(err)
	}
}

// injectFakePreloaderHandle installs a preloader handle pointing at the
// fake server, bypassing startPreloader. The injected pid is a live
// sleeper so liveness checks pass.
func injectFakePreloaderHandle(t *testing.T, s *SmartSpawner, fp *fakePreloader) {
	t.Helper()
	pid := startSleeper(t)
	_, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	outR, _, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	s.setHandle(&preloaderHandle{
		pid:           pid,
		socketAddress: fp.address,
		stdin:         stdinW,
		stdoutAndErr:  outR,
		watcher:       NewBackgroundIOCapturer(outR, pid),
		annotations:   map[string]string{"ruby_version": "3.3.4"},
	})
}

func newSpawnerWithFakePreloader(t *testing.T, fp *fakePreloader) *SmartSpawner {
	t.Helper()
	s, err := NewSmartSpawner(testSettings(), testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Cleanup)
	s.mcol.PsPath = psReportingOwnUID(t)
	injectFakePreloaderHandle(t, s, fp)
	return s
}

func okHandler(t *testing.T, childPid func() int) func(forkRequest, net.Conn) {
	return func(req forkRequest, conn net.Conn) {
		if req.Command != "spawn" {
			t.Errorf("command: %q", req.Command)
		}
		completeChildHandshake(t, req.WorkDir)
		fmt.Fprintf(conn, "{\"result\":\"ok\",\"pid\":%d}\n", childPid())
	}
}

func TestSpawnThroughPreloaderHappyPath(t *testing.T) {
	childPid := startSleeper(t)
	fp := newFakePreloader(t, okHandler(t, func() int { return childPid }))
	s := newSpawnerWithFakePreloader(t, fp)

	before := s.LastUsedUsec()
	time.Sleep(time.Millisecond)

	result, err := s.Spawn(testOptions(t))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if result.Pid != childPid {
		t.Errorf("pid: got %d, want %d", result.Pid, childPid)
	}
	if len(result.Sockets) != 1 {
		t.Fatalf("sockets: %+v", result.Sockets)
	}
	socket := result.Sockets[0]
	if socket.Address != "unix:/tmp/app.sock" || socket.Protocol != "http" ||
		!socket.AcceptHTTPRequests || socket.Concurrency != 0 {
		t.Errorf("socket: %+v", socket)
	}

	if s.LastUsedUsec() <= before {
		t.Error("lastUsed not updated by Spawn")
	}

	snap := s.Metrics()
	if snap.SpawnsStarted != 1 || snap.SpawnsSucceeded != 1 || snap.SpawnsFailed != 0 {
		t.Errorf("metrics: %+v", snap)
	}
}

func TestSpawnOversizedPreloaderResponse(t *testing.T) {
	fp := newFakePreloader(t, func(req forkRequest, conn net.Conn) {
		// 11000 bytes of payload, newline-terminated.
		_, _ = conn.Write(append([]byte(strings.Repeat("x", 11000)), '\n'))
	})
	s := newSpawnerWithFakePreloader(t, fp)

	_, err := s.Spawn(testOptions(t))
	e, ok := AsSpawnError(err)
	if !ok {
		t.Fatalf("got %v, want *Error", err)
	}
	if e.Category() != types.ErrorCategoryInternal {
		t.Errorf("category: %s", e.Category())
	}
	if !strings.Contains(e.Summary(), "maximum size") {
		t.Errorf("summary: %q", e.Summary())
	}

	rebuilt, rerr := journey.RebuildFromJSON(e.JourneySnapshot())
	if rerr != nil {
		t.Fatal(rerr)
	}
	info, ierr := rebuilt.StepInfo(journey.StepReadResponseFromPreloader)
	if ierr != nil {
		t.Fatal(ierr)
	}
	if info.State != journey.StateErrored {
		t.Errorf("read-response step: %s", info.State)
	}

	// Preloader annotations ride along on every error.
	if e.Annotation("ruby_version") != "3.3.4" {
		t.Errorf("annotations: %v", e.AnnotationNames())
	}
}

func TestSpawnBoundaryResponseSizes(t *testing.T) {
	// A response of exactly maxForkResponseSize bytes (newline included)
	// must be accepted; one byte more must be rejected.
	makeLine := func(childPid, total int) []byte {
		doc := fmt.Sprintf("{\"result\":\"ok\",\"pid\":%d", childPid)
		padding := total - len(doc) - 2 // "}" and "\n"
		return append([]byte(doc+strings.Repeat(" ", padding)+"}"), '\n')
	}

	t.Run("exactly at bound", func(t *testing.T) {
		childPid := startSleeper(t)
		fp := newFakePreloader(t, func(req forkRequest, conn net.Conn) {
			completeChildHandshake(t, req.WorkDir)
			_, _ = conn.Write(makeLine(childPid, maxForkResponseSize))
		})
		s := newSpawnerWithFakePreloader(t, fp)
		if _, err := s.Spawn(testOptions(t)); err != nil {
			t.Fatalf("response of exactly %d bytes rejected: %v", maxForkResponseSize, err)
		}
	})

	t.Run("one byte over", func(t *testing.T) {
		childPid := startSleeper(t)
		fp := newFakePreloader(t, func(req forkRequest, conn net.Conn) {
			_, _ = conn.Write(makeLine(childPid, maxForkResponseSize+1))
		})
		s := newSpawnerWithFakePreloader(t, fp)
		_, err := s.Spawn(testOptions(t))
		e, ok := AsSpawnError(err)
		if !ok || !strings.Contains(e.Summary(), "maximum size") {
			t.Fatalf("got %v, want maximum-size error", err)
		}
	})
}

func TestSpawnMalformedPreloaderResponses(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"gibberish", "not json at all"},
		{"wrong shape", `{"result":"ok"}`},
		{"float pid", `{"result":"ok","pid":1.5}`},
		{"unknown result", `{"result":"maybe"}`},
		{"error without message", `{"result":"error"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fp := newFakePreloader(t, func(req forkRequest, conn net.Conn) {
				_, _ = conn.Write(append([]byte(c.line), '\n'))
			})
			s := newSpawnerWithFakePreloader(t, fp)

			_, err := s.Spawn(testOptions(t))
			e, ok := AsSpawnError(err)
			if !ok {
				t.Fatalf("got %v, want *Error", err)
			}
			if e.Category() != types.ErrorCategoryInternal {
				t.Errorf("category: %s", e.Category())
			}
			// The offending text must be visible in the problem HTML.
			if !strings.Contains(e.ProblemDescriptionHTML(), "<pre>") {
				t.Errorf("problem html lacks response dump: %q", e.ProblemDescriptionHTML())
			}
		})
	}
}

func TestSpawnPreloaderReportsError(t *testing.T) {
	fp := newFakePreloader(t, func(req forkRequest, conn net.Conn) {
		_, _ = conn.Write([]byte(`{"result":"error","message":"loading app failed: no Gemfile"}` + "\n"))
	})
	s := newSpawnerWithFakePreloader(t, fp)

	_, err := s.Spawn(testOptions(t))
	e, ok := AsSpawnError(err)
	if !ok {
		t.Fatalf("got %v, want *Error", err)
	}
	if !strings.Contains(e.Summary(), "no Gemfile") {
		t.Errorf("summary: %q", e.Summary())
	}
	rebuilt, rerr := journey.RebuildFromJSON(e.JourneySnapshot())
	if rerr != nil {
		t.Fatal(rerr)
	}
	info, _ := rebuilt.StepInfo(journey.StepProcessResponseFromPreloader)
	if info.State != journey.StateErrored {
		t.Errorf("process-response step: %s", info.State)
	}
}

func TestSpawnUIDMismatch(t *testing.T) {
	childPid := startSleeper(t)
	fp := newFakePreloader(t, func(req forkRequest, conn net.Conn) {
		fmt.Fprintf(conn, "{\"result\":\"ok\",\"pid\":%d}\n", childPid)
	})
	s := newSpawnerWithFakePreloader(t, fp)
	// ps reports a uid that can never match the expected one.
	s.mcol.PsPath = fakePS(t, "echo 65533")

	_, err := s.Spawn(testOptions(t))
	e, ok := AsSpawnError(err)
	if !ok {
		t.Fatalf("got %v, want *Error", err)
	}
	if e.Category() != types.ErrorCategoryInternal {
		t.Errorf("category: %s", e.Category())
	}
	if !strings.Contains(e.Summary(), "UID mismatch") {
		t.Errorf("summary: %q", e.Summary())
	}
	// Both the actual and the expected UID are named.
	if !strings.Contains(e.Summary(), "has UID 65533") ||
		!strings.Contains(e.Summary(), fmt.Sprintf("expected UID is %d", os.Getuid())) {
		t.Errorf("summary does not name both uids: %q", e.Summary())
	}
	if s.Metrics().UIDMismatches != 1 {
		t.Error("uid mismatch not counted")
	}

	// The impostor child was killed and reaped.
	waitGone(t, childPid)
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !processVisible(pid) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("pid %d still visible", pid)
}

func processVisible(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// fakeAgentScript writes a shell script that stands in for the
// foundry-agent binary in --before mode: it reports a preloader command
// socket (from $FAKE_PRELOADER_ADDR) through the work directory, then
// blocks on stdin like a real preloader.
func fakeAgentScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := `#!/bin/sh
wd="$2"
cat > "$wd/response/properties.json" <<EOF
{"sockets":[{"address":"$FAKE_PRELOADER_ADDR","protocol":"preloader","concurrency":1,"accept_http_requests":false}]}
EOF
: > "$wd/response/finish"
exec cat > /dev/null
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStartAndStopPreloader(t *testing.T) {
	fp := newFakePreloader(t, func(forkRequest, net.Conn) {})
	t.Setenv("FAKE_PRELOADER_ADDR", fp.address)

	settings := testSettings()
	settings.AgentPath = fakeAgentScript(t)
	settings.PreloaderStopGrace = 2 * time.Second

	s, err := NewSmartSpawner(settings, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}

	if s.PreloaderPid() != -1 {
		t.Fatal("preloader pid before start")
	}

	s.syncher.Lock()
	err = s.startPreloader()
	s.syncher.Unlock()
	if err != nil {
		t.Fatalf("startPreloader: %v", err)
	}

	pid := s.PreloaderPid()
	if pid == -1 {
		t.Fatal("preloader pid not set after start")
	}
	if s.Metrics().PreloaderStarts != 1 {
		t.Error("preloader start not counted")
	}

	// Cleanup stops the preloader gracefully (stdin close makes the
	// fake agent's cat exit) and twice is a no-op.
	s.Cleanup()
	if s.PreloaderPid() != -1 {
		t.Error("preloader pid after cleanup")
	}
	s.Cleanup()
	if s.Metrics().PreloaderStops != 1 {
		t.Errorf("stops counted: %d", s.Metrics().PreloaderStops)
	}
}

func TestCleanupThenSpawnSucceeds(t *testing.T) {
	childPid := startSleeper(t)
	fp := newFakePreloaderNet(t, "tcp", okHandler(t, func() int { return childPid }))
	t.Setenv("FAKE_PRELOADER_ADDR", fp.address)

	settings := testSettings()
	settings.AgentPath = fakeAgentScript(t)

	s, err := NewSmartSpawner(settings, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Cleanup)
	s.mcol.PsPath = psReportingOwnUID(t)

	s.Cleanup() // cleanup before any spawn is a no-op

	result, err := s.Spawn(testOptions(t))
	if err != nil {
		t.Fatalf("Spawn after Cleanup: %v", err)
	}
	if result.Pid != childPid {
		t.Errorf("pid: %d", result.Pid)
	}

	s.Cleanup()
	if s.PreloaderPid() != -1 {
		t.Error("preloader survived cleanup")
	}
}

func TestSpawnPreloaderCrashRecovery(t *testing.T) {
	childPid := startSleeper(t)
	failures := 1
	fp := newFakePreloaderNet(t, "tcp", func(req forkRequest, conn net.Conn) {
		if failures > 0 {
			failures--
			_ = conn.Close() // reader sees EOF: crashed mid-protocol
			return
		}
		okHandler(t, func() int { return childPid })(req, conn)
	})
	t.Setenv("FAKE_PRELOADER_ADDR", fp.address)

	settings := testSettings()
	settings.AgentPath = fakeAgentScript(t)

	s, err := NewSmartSpawner(settings, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Cleanup)
	s.mcol.PsPath = psReportingOwnUID(t)

	// Inject a fake running preloader pointing at the same server, so
	// the crash path exercises stop + restart.
	injectFakePreloaderHandle(t, s, fp)

	result, err := s.Spawn(testOptions(t))
	if err != nil {
		t.Fatalf("Spawn after crash: %v", err)
	}
	if result.Pid != childPid {
		t.Errorf("pid: %d", result.Pid)
	}

	snap := s.Metrics()
	if snap.PreloaderCrashes != 1 || snap.PreloaderRestarts != 1 {
		t.Errorf("crash accounting: %+v", snap)
	}
	if snap.SpawnsSucceeded != 1 {
		t.Errorf("spawn accounting: %+v", snap)
	}
}

func TestSpawnPreloaderCrashesTwice(t *testing.T) {
	fp := newFakePreloaderNet(t, "tcp", func(req forkRequest, conn net.Conn) {
		_ = conn.Close()
	})
	t.Setenv("FAKE_PRELOADER_ADDR", fp.address)

	settings := testSettings()
	settings.AgentPath = fakeAgentScript(t)

	s, err := NewSmartSpawner(settings, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Cleanup)
	injectFakePreloaderHandle(t, s, fp)

	_, err = s.Spawn(testOptions(t))
	e, ok := AsSpawnError(err)
	if !ok {
		t.Fatalf("got %v, want *Error", err)
	}
	if !strings.HasPrefix(e.Summary(), "An application preloader crashed:") {
		t.Errorf("summary: %q", e.Summary())
	}

	rebuilt, rerr := journey.RebuildFromJSON(e.JourneySnapshot())
	if rerr != nil {
		t.Fatal(rerr)
	}
	if got := rebuilt.FirstFailedStep(); got != journey.StepPreparation {
		t.Errorf("first failed step: %s", got)
	}

	// The retry's orchestrator steps never rest in progress.
	for _, step := range []journey.Step{
		journey.StepConnectToPreloader,
		journey.StepSendCommandToPreloader,
		journey.StepReadResponseFromPreloader,
	} {
		info, ierr := rebuilt.StepInfo(step)
		if ierr != nil {
			t.Fatal(ierr)
		}
		if info.State == journey.StateInProgress {
			t.Errorf("%s left in progress", step)
		}
	}

	// The preloader was stopped after the second crash.
	if s.PreloaderPid() != -1 {
		t.Error("preloader still registered after double crash")
	}
	if s.Metrics().PreloaderCrashes != 2 {
		t.Errorf("crashes counted: %d", s.Metrics().PreloaderCrashes)
	}
}

// recordingArchiver captures ArchiveFailure calls. The on-disk archiver
// lives in the report package, which sits above this one; its contract
// is exercised there.
type recordingArchiver struct {
	mu      sync.Mutex
	errs    []*Error
	appRoot string
	appEnv  string
	fail    error
}

func (r *recordingArchiver) ArchiveFailure(_ context.Context, e *Error, appRoot, appEnv string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.errs = append(r.errs, e)
	r.appRoot = appRoot
	r.appEnv = appEnv
	return "spawn-failures/app=app/day=2026-08-06/1.json", nil
}

func TestSpawnFailureIsArchived(t *testing.T) {
	fp := newFakePreloader(t, func(req forkRequest, conn net.Conn) {
		_, _ = conn.Write([]byte(`{"result":"error","message":"boot failed"}` + "\n"))
	})

	archiver := &recordingArchiver{}
	settings := testSettings()
	settings.ReportArchiver = archiver

	opts := testOptions(t)
	s, err := NewSmartSpawner(settings, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Cleanup)
	s.mcol.PsPath = psReportingOwnUID(t)
	injectFakePreloaderHandle(t, s, fp)

	_, err = s.Spawn(opts)
	if err == nil {
		t.Fatal("expected spawn failure")
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.errs) != 1 {
		t.Fatalf("archived failures: %d", len(archiver.errs))
	}
	if !strings.Contains(archiver.errs[0].Summary(), "boot failed") {
		t.Errorf("archived summary: %q", archiver.errs[0].Summary())
	}
	if archiver.appRoot != opts.AppRoot || archiver.appEnv != opts.AppEnv {
		t.Errorf("archived identity: %q %q", archiver.appRoot, archiver.appEnv)
	}
}

func TestArchiverFailureDoesNotMaskSpawnError(t *testing.T) {
	fp := newFakePreloader(t, func(req forkRequest, conn net.Conn) {
		_, _ = conn.Write([]byte(`{"result":"error","message":"boot failed"}` + "\n"))
	})

	settings := testSettings()
	settings.ReportArchiver = &recordingArchiver{fail: fmt.Errorf("bucket unreachable")}

	s, err := NewSmartSpawner(settings, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Cleanup)
	injectFakePreloaderHandle(t, s, fp)

	// The archive failure must not mask the spawn error.
	_, err = s.Spawn(testOptions(t))
	e, ok := AsSpawnError(err)
	if !ok || !strings.Contains(e.Summary(), "boot failed") {
		t.Fatalf("got %v, want original spawn error", err)
	}
}

func TestSpawnerInvariantAfterSpawnAndCleanup(t *testing.T) {
	childPid := startSleeper(t)
	fp := newFakePreloader(t, okHandler(t, func() int { return childPid }))
	s := newSpawnerWithFakePreloader(t, fp)

	checkInvariant := func() {
		t.Helper()
		s.simpleFieldSyncher.Lock()
		h := s.preloader
		s.simpleFieldSyncher.Unlock()
		if h == nil {
			return
		}
		if h.pid <= 0 || h.socketAddress == "" || h.stdin == nil {
			t.Errorf("handle invariant broken: %+v", h)
		}
	}

	checkInvariant()
	if _, err := s.Spawn(testOptions(t)); err != nil {
		t.Fatal(err)
	}
	checkInvariant()
	s.Cleanup()
	checkInvariant()
	if s.PreloaderPid() != -1 {
		t.Error("pid sentinel after cleanup")
	}
}
