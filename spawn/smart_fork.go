package spawn

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"os"
	"time"

	"github.com/foundry-server/foundry/iox"
	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/proc"
	"github.com/foundry-server/foundry/types"
)

// maxForkResponseSize bounds a preloader response line, terminating
// newline included. Exceeding it is a protocol error, not a crash.
const maxForkResponseSize = 10240

// PreloaderCrashError marks an I/O failure that means the preloader
// process itself is gone or wedged, as opposed to it answering badly.
// The spawner reacts by restarting the preloader and retrying exactly
// once.
type PreloaderCrashError struct {
	Err error
}

func (e *PreloaderCrashError) Error() string { return e.Err.Error() }

func (e *PreloaderCrashError) Unwrap() error { return e.Err }

// IsPreloaderCrash reports whether err is a preloader crash marker.
func IsPreloaderCrash(err error) bool {
	var crash *PreloaderCrashError
	return errors.As(err, &crash)
}

// forkResult is what a successful fork command yields: the child and its
// optional stdio channels.
type forkResult struct {
	pid          int
	stdin        *os.File
	stdoutAndErr *os.File
	capturer     *BackgroundIOCapturer
}

func (r *forkResult) closeFiles() {
	closeAll(r.stdin, r.stdoutAndErr)
}

// invokeForkCommand runs the fork command against the preloader,
// recovering from a preloader crash exactly once: stop, restart, retry.
// A second crash stops the preloader again and surfaces the crash. The
// one-shot policy tolerates flakiness without letting retries mask
// systemic failures.
func (s *SmartSpawner) invokeForkCommand(session *Session) (*forkResult, error) {
	result, err := s.internalInvokeForkCommand(session)
	if err == nil || !IsPreloaderCrash(err) {
		return result, err
	}
	crash1 := err

	s.collector.IncPreloaderCrash()
	s.logger.Warn("error communicating with the preloader", map[string]any{
		"error": crash1.Error(),
	})
	s.logger.Warn("the application preloader seems to have crashed, restarting it and trying again", nil)

	// Clean the retry's journey: the orchestrator steps go back to not
	// started so the second attempt's trace is unambiguous.
	s.resetForkCommandSteps(session)

	if err := s.stopPreloader(); err != nil {
		return nil, s.stopCrashedPreloaderError(session, err)
	}
	if err := s.startPreloader(); err != nil {
		return nil, err
	}
	s.collector.IncPreloaderRestart()

	result, err = s.internalInvokeForkCommand(session)
	if err == nil || !IsPreloaderCrash(err) {
		return result, err
	}
	crash2 := err

	s.collector.IncPreloaderCrash()
	if err := s.stopPreloader(); err != nil {
		s.resetForkCommandSteps(session)
		return nil, s.stopCrashedPreloaderError(session, err)
	}

	_ = session.StepErrored(journey.StepPreparation, true)
	e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
	e.SetSummary("An application preloader crashed: " + crash2.Error())
	e.SetProblemDescriptionHTML(
		"<p>The Foundry application server tried to start the web" +
			" application by communicating with a helper process that we" +
			" call a \"preloader\". However, this helper process crashed" +
			" unexpectedly:</p>" +
			"<pre>" + html.EscapeString(crash2.Error()) + "</pre>")
	e.SetSolutionDescriptionHTML(s.supportSolutionHTML())
	return nil, e.Finalize()
}

func (s *SmartSpawner) resetForkCommandSteps(session *Session) {
	_ = session.StepNotStarted(journey.StepConnectToPreloader, true)
	_ = session.StepNotStarted(journey.StepSendCommandToPreloader, true)
	_ = session.StepNotStarted(journey.StepReadResponseFromPreloader, true)
}

func (s *SmartSpawner) stopCrashedPreloaderError(session *Session, stopErr error) error {
	if e, ok := AsSpawnError(stopErr); ok {
		return e
	}
	_ = session.StepErrored(journey.StepPreparation, true)
	e := WrapError(stopErr, session.Journey, session.Config)
	e.SetSummary("Error stopping a crashed preloader: " + stopErr.Error())
	e.SetProblemDescriptionHTML(
		"<p>The Foundry application server tried to start the web" +
			" application by communicating with a helper process that we" +
			" call a \"preloader\". However, this helper process crashed" +
			" unexpectedly. Foundry then tried to restart it, but" +
			" encountered the following error while trying to stop the" +
			" preloader:</p>" +
			"<pre>" + html.EscapeString(stopErr.Error()) + "</pre>")
	return e.Finalize()
}

// internalInvokeForkCommand performs one connect/send/read/parse/process
// round against the preloader. System and connection errors during the
// first three steps come back as *PreloaderCrashError; the failed step
// is marked errored either way so the journey never rests in progress.
func (s *SmartSpawner) internalInvokeForkCommand(session *Session) (*forkResult, error) {
	h := s.handle()
	if h == nil {
		return nil, &PreloaderCrashError{Err: errors.New("no preloader is running")}
	}

	_ = session.StepInProgress(journey.StepConnectToPreloader)
	conn, err := s.connectToPreloader(session, h)
	if err != nil {
		_ = session.StepErrored(journey.StepConnectToPreloader, true)
		return nil, err
	}
	defer iox.DiscardClose(conn)

	_ = session.StepPerformed(journey.StepConnectToPreloader)
	_ = session.StepInProgress(journey.StepSendCommandToPreloader)
	if err := s.sendForkCommand(session, conn); err != nil {
		_ = session.StepErrored(journey.StepSendCommandToPreloader, true)
		return nil, err
	}

	_ = session.StepPerformed(journey.StepSendCommandToPreloader)
	_ = session.StepInProgress(journey.StepReadResponseFromPreloader)
	line, err := s.readForkCommandResponse(session, conn)
	if err != nil {
		_ = session.StepErrored(journey.StepReadResponseFromPreloader, true)
		return nil, err
	}

	_ = session.StepPerformed(journey.StepReadResponseFromPreloader)
	_ = session.StepInProgress(journey.StepParseResponseFromPreloader)
	response, err := s.parseForkCommandResponse(session, line)
	if err != nil {
		_ = session.StepErrored(journey.StepParseResponseFromPreloader, true)
		return nil, err
	}

	_ = session.StepPerformed(journey.StepParseResponseFromPreloader)
	_ = session.StepInProgress(journey.StepProcessResponseFromPreloader)
	result, err := s.handleForkCommandResponse(session, response)
	if err != nil {
		_ = session.StepErrored(journey.StepProcessResponseFromPreloader, true)
		return nil, err
	}
	_ = session.StepPerformed(journey.StepProcessResponseFromPreloader)
	return result, nil
}

func (s *SmartSpawner) connectToPreloader(session *Session, h *preloaderHandle) (net.Conn, error) {
	start := time.Now()
	defer session.Deadline.Consume(start)

	network, addr := parseSocketAddress(h.socketAddress)
	conn, err := net.DialTimeout(network, addr, session.Deadline.Remaining())
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("connecting to preloader: %w", proc.ErrTimeout)
		}
		return nil, &PreloaderCrashError{Err: fmt.Errorf("cannot connect to preloader %s: %w", h.socketAddress, err)}
	}
	return conn, nil
}

// forkCommand is the request half of the fork command wire format:
// a single newline-terminated JSON line.
type forkCommand struct {
	Command string `json:"command"`
	WorkDir string `json:"work_dir"`
}

func (s *SmartSpawner) sendForkCommand(session *Session, conn net.Conn) error {
	start := time.Now()
	defer session.Deadline.Consume(start)

	payload, err := json.Marshal(forkCommand{
		Command: "spawn",
		WorkDir: session.WorkDir.Path(),
	})
	if err != nil {
		return fmt.Errorf("serialize fork command: %w", err)
	}
	payload = append(payload, '\n')

	_ = conn.SetWriteDeadline(time.Now().Add(session.Deadline.Remaining()))
	if _, err := conn.Write(payload); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("sending fork command: %w", proc.ErrTimeout)
		}
		return &PreloaderCrashError{Err: fmt.Errorf("cannot send fork command to preloader: %w", err)}
	}
	return nil
}

// readForkCommandResponse reads one newline-terminated line, bounded at
// maxForkResponseSize bytes. An oversized response is a protocol error
// with its own report; connection failures are preloader crashes.
func (s *SmartSpawner) readForkCommandResponse(session *Session, conn net.Conn) (string, error) {
	start := time.Now()
	defer session.Deadline.Consume(start)

	_ = conn.SetReadDeadline(time.Now().Add(session.Deadline.Remaining()))
	reader := bufio.NewReader(conn)
	line := make([]byte, 0, 256)
	for {
		b, err := reader.ReadByte()
		if err != nil {
			if isTimeout(err) {
				return "", fmt.Errorf("reading preloader response: %w", proc.ErrTimeout)
			}
			return "", &PreloaderCrashError{Err: fmt.Errorf("cannot read preloader response: %w", err)}
		}
		if b == '\n' {
			return string(line), nil
		}
		line = append(line, b)
		if len(line) >= maxForkResponseSize {
			_ = session.StepErrored(journey.StepReadResponseFromPreloader, true)
			e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
			e.SetSummary("The preloader process sent a response that exceeds the maximum size limit.")
			e.SetProblemDescriptionHTML(
				"<p>The Foundry application server tried to start the web" +
					" application by communicating with a helper process that" +
					" we call a \"preloader\". However, this helper process" +
					" sent a response that exceeded the internally-defined" +
					" maximum size limit.</p>")
			e.SetSolutionDescriptionHTML(s.preloaderBugSolutionHTML())
			return "", e.Finalize()
		}
	}
}

// forkResponse is the response half of the wire format.
type forkResponse struct {
	result  string
	pid     int
	message string
}

// parseForkCommandResponse parses and validates a response line. Schema:
// {"result":"ok","pid":<int>} or {"result":"error","message":"<string>"};
// anything else is a protocol error carrying the offending text.
func (s *SmartSpawner) parseForkCommandResponse(session *Session, line string) (*forkResponse, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		_ = session.StepErrored(journey.StepParseResponseFromPreloader, true)
		e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
		e.SetSummary("The preloader process sent an unparseable response: " + line)
		e.SetProblemDescriptionHTML(
			"<p>The Foundry application server tried to start the web" +
				" application by communicating with a helper process that we" +
				" call a \"preloader\". However, this helper process sent a" +
				" response that looks like gibberish.</p>" +
				"<p>The response is as follows:</p>" +
				"<pre>" + html.EscapeString(line) + "</pre>")
		e.SetSolutionDescriptionHTML(s.preloaderBugSolutionHTML())
		return nil, e.Finalize()
	}

	response, ok := validateForkCommandResponse(doc)
	if !ok {
		_ = session.StepErrored(journey.StepParseResponseFromPreloader, true)
		e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
		e.SetSummary("The preloader process sent a response that does not" +
			" match the expected structure: " + line)
		e.SetProblemDescriptionHTML(
			"<p>The Foundry application server tried to start the web" +
				" application by communicating with a helper process that we" +
				" call a \"preloader\". However, this helper process sent a" +
				" response that does not match the structure that Foundry" +
				" expects.</p>" +
				"<p>The response is as follows:</p>" +
				"<pre>" + html.EscapeString(line) + "</pre>")
		e.SetSolutionDescriptionHTML(s.preloaderBugSolutionHTML())
		return nil, e.Finalize()
	}
	return response, nil
}

func validateForkCommandResponse(doc map[string]any) (*forkResponse, bool) {
	rawResult, ok := doc["result"].(string)
	if !ok {
		return nil, false
	}
	switch rawResult {
	case "ok":
		pid, ok := doc["pid"].(float64)
		if !ok || pid != float64(int(pid)) {
			return nil, false
		}
		return &forkResponse{result: "ok", pid: int(pid)}, true
	case "error":
		message, ok := doc["message"].(string)
		if !ok {
			return nil, false
		}
		return &forkResponse{result: "error", message: message}, true
	default:
		return nil, false
	}
}

func (s *SmartSpawner) handleForkCommandResponse(session *Session, response *forkResponse) (*forkResult, error) {
	if response.result == "ok" {
		return s.handleForkCommandResponseSuccess(session, response.pid)
	}

	_ = session.StepErrored(journey.StepProcessResponseFromPreloader, true)
	e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
	e.SetSummary("An error occurred while starting the web application: " + response.message)
	e.SetProblemDescriptionHTML(
		"<p>The Foundry application server tried to start the web" +
			" application by communicating with a helper process that we" +
			" call a \"preloader\". However, this helper process reported" +
			" an error:</p>" +
			"<pre>" + html.EscapeString(response.message) + "</pre>")
	e.SetSolutionDescriptionHTML(s.supportSolutionHTML())
	return nil, e.Finalize()
}

func (s *SmartSpawner) handleForkCommandResponseSuccess(session *Session, pid int) (*forkResult, error) {
	guard := newPidGuard(pid)
	defer guard.Run()

	result := &forkResult{pid: pid}
	defer func() {
		if !guard.released {
			result.closeFiles()
		}
	}()

	// The child's stdio channels are optional; open whichever it set up.
	if iox.FileExists(session.WorkDir.StdinFIFOPath()) {
		start := time.Now()
		stdin, err := proc.OpenFIFO(session.WorkDir.StdinFIFOPath(), session.Deadline.Remaining())
		session.Deadline.Consume(start)
		if err != nil {
			return nil, err
		}
		result.stdin = stdin
	}
	if iox.FileExists(session.WorkDir.StdoutAndErrFIFOPath()) {
		start := time.Now()
		out, err := proc.OpenFIFO(session.WorkDir.StdoutAndErrFIFOPath(), session.Deadline.Remaining())
		session.Deadline.Consume(start)
		if err != nil {
			return nil, err
		}
		result.stdoutAndErr = out
		result.capturer = NewBackgroundIOCapturer(out, pid)
		result.capturer.Start()
	}

	// How do we know the preloader actually forked a process instead of
	// naming a random existing one? A UID check.
	if err := s.verifySpawnedUID(session, pid, result.capturer); err != nil {
		return nil, err
	}

	guard.Release()
	return result, nil
}

func (s *SmartSpawner) verifySpawnedUID(session *Session, pid int, capturer *BackgroundIOCapturer) error {
	uid, found, err := s.mcol.UIDOf(pid)

	var parseErr *proc.ParseError
	switch {
	case errors.As(err, &parseErr):
		_ = session.StepErrored(journey.StepProcessResponseFromPreloader, true)
		e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
		e.SetSummary(fmt.Sprintf(
			"Unable to query the UID of spawned application process %d:"+
				" error parsing 'ps' output", pid))
		e.SetProblemDescriptionHTML(
			"<p>The Foundry application server tried to start the web" +
				" application. As part of the starting sequence, Foundry" +
				" also tried to query the system user ID of the web" +
				" application process using the operating system's \"ps\"" +
				" tool. However, this tool returned output that Foundry" +
				" could not understand.</p>")
		e.SetSolutionDescriptionHTML(processMetricsSolutionHTML())
		return e.Finalize()

	case err != nil:
		_ = session.StepErrored(journey.StepProcessResponseFromPreloader, true)
		e := NewError(types.ErrorCategoryOperatingSystem, session.Journey, session.Config)
		e.SetSummary(fmt.Sprintf(
			"Unable to query the UID of spawned application process %d;"+
				" error capturing 'ps' output: %v", pid, err))
		e.SetProblemDescriptionHTML(
			"<p>The Foundry application server tried to start the web" +
				" application. As part of the starting sequence, Foundry" +
				" also tried to query the system user ID of the web" +
				" application process. However, an error was encountered" +
				" while doing so.</p>" +
				"<p>The error returned by the operating system is as follows:</p>" +
				"<pre>" + html.EscapeString(err.Error()) + "</pre>")
		e.SetSolutionDescriptionHTML(processMetricsSolutionHTML())
		return e.Finalize()

	case !found && proc.Exists(pid):
		_ = session.StepErrored(journey.StepProcessResponseFromPreloader, true)
		e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
		e.SetSummary(fmt.Sprintf(
			"Unable to query the UID of spawned application process %d:"+
				" 'ps' did not report information about this process", pid))
		e.SetProblemDescriptionHTML(
			"<p>The Foundry application server tried to start the web" +
				" application. As part of the starting sequence, Foundry" +
				" also tried to query the system user ID of the web" +
				" application process using the operating system's \"ps\"" +
				" tool. However, this tool did not return any information" +
				" about the web application process.</p>")
		e.SetSolutionDescriptionHTML(processMetricsSolutionHTML())
		return e.Finalize()

	case !found:
		_ = session.StepErrored(journey.StepProcessResponseFromPreloader, true)
		e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
		e.SetSummary("The application process spawned from the preloader" +
			" seems to have exited prematurely")
		if capturer != nil {
			e.SetStdoutAndErrData(capturer.Data())
		}
		e.SetProblemDescriptionHTML(
			"<p>The Foundry application server tried to start the web" +
				" application through its preloader, but the spawned" +
				" process disappeared before it could be verified.</p>")
		e.SetSolutionDescriptionHTML(processMetricsSolutionHTML())
		return e.Finalize()

	case uid != session.UID:
		s.collector.IncUIDMismatch()
		_ = session.StepErrored(journey.StepProcessResponseFromPreloader, true)
		e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
		e.SetSummary(fmt.Sprintf(
			"UID mismatch: the process that the preloader said it spawned,"+
				" PID %d, has UID %d, but the expected UID is %d",
			pid, uid, session.UID))
		if capturer != nil {
			e.SetStdoutAndErrData(capturer.Data())
		}
		e.SetProblemDescriptionHTML(fmt.Sprintf(
			"<p>The Foundry application server tried to start the web"+
				" application by communicating with a helper process that we"+
				" call a \"preloader\". However, the web application process"+
				" that the preloader started belongs to the wrong user. The"+
				" UID of the web application process should be %d, but is"+
				" actually %d.</p>", session.UID, uid))
		e.SetSolutionDescriptionHTML(s.preloaderBugSolutionHTML())
		return e.Finalize()
	}
	return nil
}

func (s *SmartSpawner) preloaderBugSolutionHTML() string {
	return "<p class=\"sole-solution\">" +
		"This is probably a bug in the preloader process. Please" +
		" <a href=\"" + s.settings.SupportURL + "\">report this bug</a>." +
		"</p>"
}

func (s *SmartSpawner) supportSolutionHTML() string {
	return "<p class=\"sole-solution\">" +
		"Please try troubleshooting the problem by studying the" +
		" <strong>error message</strong> and the <strong>diagnostics</strong>" +
		" reports. You can also consult" +
		" <a href=\"" + s.settings.SupportURL + "\">the Foundry support" +
		" resources</a> for help.</p>"
}

func processMetricsSolutionHTML() string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "(empty)"
	}
	return "<div class=\"multiple-solutions\">" +

		"<h3>Check whether the \"ps\" tool is installed and accessible by" +
		" Foundry</h3>" +
		"<p>Maybe \"ps\" is not installed. Or maybe it is installed, but" +
		" Foundry cannot find it inside its PATH. Or maybe filesystem" +
		" permissions disallow Foundry from accessing \"ps\". Please check" +
		" all these factors and fix them if necessary.</p>" +
		"<p>Foundry's PATH is:</p>" +
		"<pre>" + html.EscapeString(path) + "</pre>" +

		"<h3>Check whether the server is low on resources</h3>" +
		"<p>Maybe the server is currently low on resources. This would" +
		" cause the \"ps\" tool to encounter errors. Please study the" +
		" <em>error message</em> and the <em>diagnostics reports</em> to" +
		" verify whether this is the case. Key things to check for:</p>" +
		"<ul>" +
		"<li>Excessive CPU usage</li>" +
		"<li>Memory and swap</li>" +
		"<li>Ulimits</li>" +
		"</ul>" +
		"<p>If the server is indeed low on resources, find a way to free" +
		" up some resources.</p>" +

		"<h3>Check whether /proc is mounted</h3>" +
		"<p>On many operating systems including Linux and FreeBSD, \"ps\"" +
		" only works if /proc is mounted. Please check this.</p>" +

		"<h3>Still no luck?</h3>" +
		"<p>Please try troubleshooting the problem by studying the" +
		" <em>diagnostics</em> reports.</p>" +

		"</div>"
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
