package workdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/foundry-server/foundry/iox"
	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/types"
)

// This file is the child-side half of the protocol: the spawn-env
// setupper records its progress and, on fatal errors, a full error report
// through these helpers. All writes are best-effort; a child that cannot
// write a diagnostic must still make progress, so failures are reported
// on stderr and otherwise ignored.

// RecordStepInProgress marks a step in progress on disk.
// Only the state file is written; duration comes with the terminal state.
func (d *Dir) RecordStepInProgress(step journey.Step) {
	dir := d.StepDir(step)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		warn(err)
		return
	}
	if err := iox.CreateFile(filepath.Join(dir, "state"),
		[]byte(journey.StateInProgress.String())); err != nil {
		warn(err)
	}
}

// RecordStepComplete marks a step terminal on disk with its duration.
// The duration is written in whole seconds, the granularity error pages
// display.
func (d *Dir) RecordStepComplete(step journey.Step, state journey.StepState, startUsec uint64) {
	now := journey.MonotonicUsecNow()
	var durationSec uint64
	if now > startUsec {
		durationSec = (now - startUsec) / 1_000_000
	}

	dir := d.StepDir(step)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		warn(err)
		return
	}
	if err := iox.CreateFile(filepath.Join(dir, "state"), []byte(state.String())); err != nil {
		warn(err)
		return
	}
	if err := iox.CreateFile(filepath.Join(dir, "duration"),
		[]byte(fmt.Sprintf("%d", durationSec))); err != nil {
		warn(err)
	}
}

// RecordErrorCategory writes response/error/category.
func (d *Dir) RecordErrorCategory(category types.ErrorCategory) {
	d.recordErrorFile("category", category.String())
}

// RecordErrorSummary writes response/error/summary, optionally mirroring
// it into advanced_problem_details.
func (d *Dir) RecordErrorSummary(summary string, alsoAdvancedDetails bool) {
	d.recordErrorFile("summary", summary)
	if alsoAdvancedDetails {
		d.RecordAdvancedProblemDetails(summary)
	}
}

// RecordAdvancedProblemDetails writes response/error/advanced_problem_details.
func (d *Dir) RecordAdvancedProblemDetails(details string) {
	d.recordErrorFile("advanced_problem_details", details)
}

// RecordProblemDescriptionHTML writes response/error/problem_description.html.
func (d *Dir) RecordProblemDescriptionHTML(html string) {
	d.recordErrorFile("problem_description.html", html)
}

// RecordSolutionDescriptionHTML writes response/error/solution_description.html.
func (d *Dir) RecordSolutionDescriptionHTML(html string) {
	d.recordErrorFile("solution_description.html", html)
}

// RecordFinish signals handshake completion.
func (d *Dir) RecordFinish() error {
	return iox.CreateFile(d.FinishPath(), nil)
}

// RecordProperties writes response/properties.json.
func (d *Dir) RecordProperties(props *Properties) error {
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return iox.CreateFile(d.PropertiesPath(), data)
}

// RecordAnnotation writes one envdump/annotations/<name> entry.
func (d *Dir) RecordAnnotation(name, value string) {
	if err := os.MkdirAll(d.AnnotationsDir(), 0o700); err != nil {
		warn(err)
		return
	}
	if err := iox.CreateFile(filepath.Join(d.AnnotationsDir(), name), []byte(value)); err != nil {
		warn(err)
	}
}

func (d *Dir) recordErrorFile(name, contents string) {
	if err := os.MkdirAll(d.ErrorDir(), 0o700); err != nil {
		warn(err)
		return
	}
	if err := iox.CreateFile(filepath.Join(d.ErrorDir(), name), []byte(contents)); err != nil {
		warn(err)
	}
}

func warn(err error) {
	fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
}
