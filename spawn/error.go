// Package spawn implements the Foundry application spawning engine: the
// smart (preloader-based) spawn strategy, the handshake with the spawned
// child over a shared work directory, and the forensic error type every
// failure surfaces as.
package spawn

import (
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"os"
	"sort"
	"syscall"

	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/proc"
	"github.com/foundry-server/foundry/types"
)

// Error is the failure type every spawn error surfaces as. It accumulates
// everything the error page renderer needs: a category, the journey
// snapshot at failure time, a one-line summary, advanced details, problem
// and solution HTML, captured child output, and annotations.
//
// An Error is never caught and swallowed inside the engine; once
// constructed it propagates to the pool unchanged.
type Error struct {
	category types.ErrorCategory
	// journeySnapshot is the InspectAsJSON form taken at construction.
	journeySnapshot []byte
	firstFailedStep journey.Step

	summary                string
	advancedProblemDetails string
	problemDescriptionHTML string
	solutionDescriptionHTML string
	stdoutAndErrData       string
	annotations            map[string]string

	appRoot string
	wrapped error
}

// NewError constructs an Error with an explicit category.
func NewError(category types.ErrorCategory, j *journey.Journey, config *Config) *Error {
	e := &Error{
		category:    category,
		annotations: make(map[string]string),
	}
	if j != nil {
		e.journeySnapshot, _ = j.InspectAsJSON()
		e.firstFailedStep = j.FirstFailedStep()
	}
	if config != nil {
		e.appRoot = config.AppRoot
	}
	return e
}

// WrapError constructs an Error around an arbitrary failure, inferring
// the category from the error's kind.
func WrapError(err error, j *journey.Journey, config *Config) *Error {
	e := NewError(InferCategory(err), j, config)
	e.wrapped = err
	e.summary = err.Error()
	e.advancedProblemDetails = err.Error()
	return e
}

// InferCategory maps an arbitrary error to the closest category.
func InferCategory(err error) types.ErrorCategory {
	switch {
	case err == nil:
		return types.ErrorCategoryUnknown
	case errors.Is(err, proc.ErrTimeout):
		return types.ErrorCategoryTimeout
	case isSyscallError(err):
		// Checked before os.IsTimeout: errnos such as EAGAIN report
		// Timeout() true but are operating system failures.
		return types.ErrorCategoryOperatingSystem
	case os.IsTimeout(err):
		return types.ErrorCategoryTimeout
	case isIOError(err):
		return types.ErrorCategoryIO
	default:
		return types.ErrorCategoryInternal
	}
}

func isSyscallError(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}

func isIOError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Error returns the summary, which Finalize guarantees is non-empty.
func (e *Error) Error() string {
	if e.summary != "" {
		return e.summary
	}
	return "the application process failed to spawn"
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.wrapped }

// Category returns the error category.
func (e *Error) Category() types.ErrorCategory { return e.category }

// JourneySnapshot returns the InspectAsJSON form of the journey at the
// time the error was constructed.
func (e *Error) JourneySnapshot() []byte { return e.journeySnapshot }

// SetSummary sets the one-line summary shown in logs and error pages.
func (e *Error) SetSummary(summary string) { e.summary = summary }

// Summary returns the one-line summary.
func (e *Error) Summary() string { return e.Error() }

// SetAdvancedProblemDetails sets the detail text for the advanced
// diagnostics section of the error page.
func (e *Error) SetAdvancedProblemDetails(details string) {
	e.advancedProblemDetails = details
}

// AdvancedProblemDetails returns the advanced diagnostics text.
func (e *Error) AdvancedProblemDetails() string { return e.advancedProblemDetails }

// SetProblemDescriptionHTML sets the problem description fragment.
func (e *Error) SetProblemDescriptionHTML(html string) {
	e.problemDescriptionHTML = html
}

// ProblemDescriptionHTML returns the problem description fragment.
func (e *Error) ProblemDescriptionHTML() string { return e.problemDescriptionHTML }

// SetSolutionDescriptionHTML sets the solution description fragment.
func (e *Error) SetSolutionDescriptionHTML(html string) {
	e.solutionDescriptionHTML = html
}

// SolutionDescriptionHTML returns the solution description fragment.
func (e *Error) SolutionDescriptionHTML() string { return e.solutionDescriptionHTML }

// SetStdoutAndErrData attaches captured child output.
func (e *Error) SetStdoutAndErrData(data string) { e.stdoutAndErrData = data }

// StdoutAndErrData returns captured child output, "" when none.
func (e *Error) StdoutAndErrData() string { return e.stdoutAndErrData }

// SetAnnotation attaches a named annotation. When overwrite is false an
// existing value wins; preloader env-dump annotations are attached this
// way so call-site annotations take precedence.
func (e *Error) SetAnnotation(name, value string, overwrite bool) {
	if !overwrite {
		if _, exists := e.annotations[name]; exists {
			return
		}
	}
	e.annotations[name] = value
}

// Annotation returns a single annotation value, "" when absent.
func (e *Error) Annotation(name string) string { return e.annotations[name] }

// AnnotationNames returns the sorted annotation names.
func (e *Error) AnnotationNames() []string {
	names := make([]string, 0, len(e.annotations))
	for name := range e.annotations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Finalize fills in defaults for every field the error page renderer
// requires, derived from the category and the first failed step. It
// returns the receiver for throw-style call sites.
func (e *Error) Finalize() *Error {
	if e.summary == "" {
		e.summary = defaultSummary(e.category, e.firstFailedStep)
	}
	if e.advancedProblemDetails == "" {
		e.advancedProblemDetails = e.summary
	}
	if e.problemDescriptionHTML == "" {
		e.problemDescriptionHTML = "<p>" + html.EscapeString(e.summary) + "</p>"
	}
	if e.solutionDescriptionHTML == "" {
		e.solutionDescriptionHTML = "<p class=\"sole-solution\">" +
			"Please try troubleshooting the problem by studying the" +
			" <strong>error message</strong> and the" +
			" <strong>diagnostics</strong> reports.</p>"
	}
	return e
}

func defaultSummary(category types.ErrorCategory, failedStep journey.Step) string {
	base := "The application process failed to spawn"
	if failedStep != journey.StepUnknown {
		base += fmt.Sprintf(" (failed step: %s)", failedStep)
	}
	switch category {
	case types.ErrorCategoryTimeout:
		return base + ": it did not respond in time."
	case types.ErrorCategoryOperatingSystem:
		return base + ": an operating system error occurred."
	case types.ErrorCategoryIO:
		return base + ": an I/O error occurred."
	default:
		return base + "."
	}
}

// AsSpawnError unwraps err to *Error when possible.
func AsSpawnError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
