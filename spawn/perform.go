package spawn

import (
	"fmt"
	"html"
	"time"

	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/proc"
	"github.com/foundry-server/foundry/types"
)

// finishPollInterval is how often Perform re-checks the work directory
// for the child's finish or error signal.
const finishPollInterval = 10 * time.Millisecond

// Perform runs the orchestrator side of the handshake after the child
// has been forked: it waits for the child's "finish" signal within the
// session deadline, absorbs the child-reported step states, and parses
// the result sockets. A child-reported error or a premature exit is
// surfaced as a *Error carrying the child's own report.
//
// capturer may be nil when no output stream is available.
func (s *Session) Perform(pid int, capturer *BackgroundIOCapturer) error {
	if err := s.Journey.SetStepInProgress(journey.StepHandshakePerform, true); err != nil {
		return err
	}

	start := time.Now()
	defer s.Deadline.Consume(start)

	for {
		if s.WorkDir.HasFinished() {
			return s.performFinish(pid)
		}
		if s.WorkDir.HasErrorReport() {
			return s.performChildError(capturer)
		}
		if !proc.Exists(pid) {
			// Give the filesystem a moment: the child may have written
			// its report in its last breath.
			time.Sleep(captureSettleDelay)
			if s.WorkDir.HasFinished() {
				return s.performFinish(pid)
			}
			if s.WorkDir.HasErrorReport() {
				return s.performChildError(capturer)
			}
			return s.performPrematureExit(pid, capturer)
		}
		if time.Since(start) >= s.Deadline.Remaining() {
			return s.performTimeout(pid)
		}
		time.Sleep(finishPollInterval)
	}
}

func (s *Session) performFinish(pid int) error {
	s.absorbStepReports()

	props, err := s.WorkDir.ReadProperties()
	if err != nil {
		_ = s.StepErrored(journey.StepHandshakePerform, true)
		e := NewError(types.ErrorCategoryInternal, s.Journey, s.Config)
		e.SetSummary("The application process reported a malformed spawn response: " + err.Error())
		e.SetProblemDescriptionHTML(
			"<p>The Foundry application server started the web application," +
				" but the application sent back a spawn response document that" +
				" could not be parsed.</p>" +
				"<pre>" + html.EscapeString(err.Error()) + "</pre>")
		return e.Finalize()
	}
	s.Result.Pid = pid
	s.Result.Sockets = append(s.Result.Sockets, props.Sockets...)

	s.Logger.Debug("handshake finished", map[string]any{
		"pid":     pid,
		"sockets": len(props.Sockets),
	})
	return nil
}

func (s *Session) performChildError(capturer *BackgroundIOCapturer) error {
	s.absorbStepReports()
	report := s.WorkDir.ReadErrorReport()

	// The child marks its own failed step; if its report was torn we
	// still need an errored step for the journey invariant.
	if s.Journey.FirstFailedStep() == journey.StepUnknown {
		_ = s.StepErrored(journey.StepHandshakePerform, true)
	}

	e := NewError(report.Category, s.Journey, s.Config)
	if report.Summary != "" {
		e.SetSummary(report.Summary)
	}
	if report.AdvancedProblemDetails != "" {
		e.SetAdvancedProblemDetails(report.AdvancedProblemDetails)
	}
	if report.ProblemDescriptionHTML != "" {
		e.SetProblemDescriptionHTML(report.ProblemDescriptionHTML)
	}
	if report.SolutionDescriptionHTML != "" {
		e.SetSolutionDescriptionHTML(report.SolutionDescriptionHTML)
	}
	if capturer != nil {
		e.SetStdoutAndErrData(capturer.Data())
	}
	return e.Finalize()
}

func (s *Session) performPrematureExit(pid int, capturer *BackgroundIOCapturer) error {
	s.absorbStepReports()
	_ = s.StepErrored(journey.StepHandshakePerform, true)

	e := NewError(types.ErrorCategoryInternal, s.Journey, s.Config)
	e.SetSummary(fmt.Sprintf(
		"The application process (PID %d) exited prematurely during startup", pid))
	e.SetProblemDescriptionHTML(
		"<p>The Foundry application server tried to start the web" +
			" application, but the application process exited before" +
			" completing its startup sequence.</p>")
	if capturer != nil {
		e.SetStdoutAndErrData(capturer.Data())
	}
	return e.Finalize()
}

func (s *Session) performTimeout(pid int) error {
	s.absorbStepReports()
	_ = s.StepErrored(journey.StepHandshakePerform, true)

	e := NewError(types.ErrorCategoryTimeout, s.Journey, s.Config)
	e.SetSummary(fmt.Sprintf(
		"A timeout occurred while waiting for the application process (PID %d)"+
			" to finish starting", pid))
	e.SetProblemDescriptionHTML(
		"<p>The Foundry application server tried to start the web" +
			" application, but the application did not report back within" +
			" the allotted startup time.</p>")
	e.SetSolutionDescriptionHTML(
		"<p class=\"sole-solution\">" +
			"Maybe the application startup is simply slow: try raising the" +
			" spawn timeout. Otherwise, study the <strong>diagnostics</strong>" +
			" reports to find out where startup hangs.</p>")
	return e.Finalize()
}

// absorbStepReports merges the child-reported step states and durations
// from the work directory into the orchestrator's journey.
func (s *Session) absorbStepReports() {
	reports, err := s.WorkDir.ReadStepReports()
	if err != nil {
		s.Logger.Warn("cannot read child step reports", map[string]any{"error": err.Error()})
		return
	}
	for step, report := range reports {
		if !s.Journey.HasStep(step) {
			continue
		}
		switch report.State {
		case journey.StateInProgress:
			_ = s.Journey.SetStepInProgress(step, true)
		case journey.StatePerformed:
			_ = s.Journey.SetStepPerformed(step)
		case journey.StateErrored:
			_ = s.Journey.SetStepErrored(step, true)
		}
		if report.HasDuration {
			_ = s.Journey.SetStepExecutionDuration(step, report.DurationUsec)
		}
	}
}
