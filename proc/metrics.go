package proc

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ParseError reports that the ps tool produced output we could not
// understand. Distinguished from execution failures because the two get
// different error categories and remediation advice.
type ParseError struct {
	Output string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("error parsing 'ps' output: %q", e.Output)
}

// MetricsCollector queries process ownership the way the operating
// system's ps tool reports it. The spawner uses it to verify that a pid
// the preloader claims to have forked actually belongs to the expected
// user.
type MetricsCollector struct {
	// PsPath overrides the ps binary, for tests. Empty means "ps" from
	// PATH.
	PsPath string
}

// UIDOf returns the effective uid of pid.
//
// found=false with a nil error means ps ran fine but reported nothing
// about the process (it exited, or ps cannot see it). A *ParseError means
// ps printed something unintelligible. Any other error is a failure to
// run ps at all.
func (c *MetricsCollector) UIDOf(pid int) (uid int, found bool, err error) {
	psPath := c.PsPath
	if psPath == "" {
		psPath = "ps"
	}

	out, err := exec.Command(psPath, "-o", "uid=", "-p", strconv.Itoa(pid)).Output()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		// ps exits nonzero when the pid matched nothing; that is the
		// "process not found" answer, not a tool failure.
		if _, isExit := err.(*exec.ExitError); isExit && trimmed == "" {
			return -1, false, nil
		}
		return -1, false, fmt.Errorf("error capturing 'ps' output: %w", err)
	}

	if trimmed == "" {
		return -1, false, nil
	}
	uid, perr := strconv.Atoi(trimmed)
	if perr != nil {
		return -1, false, &ParseError{Output: trimmed}
	}
	return uid, true, nil
}
