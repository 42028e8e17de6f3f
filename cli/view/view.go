// Package view builds the read-only data models the Foundry CLI renders:
// a point-in-time picture of a spawn work directory, shared verbatim by
// the plain renderer and the TUI so both show the same facts.
package view

import (
	"fmt"
	"os"

	"github.com/foundry-server/foundry/iox"
	"github.com/foundry-server/foundry/journal"
	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/types"
	"github.com/foundry-server/foundry/workdir"
)

// StepView is one journey step as reported through the work directory.
type StepView struct {
	Name         string `json:"name" yaml:"name"`
	State        string `json:"state" yaml:"state"`
	DurationUsec uint64 `json:"usec_duration" yaml:"usec_duration"`
}

// ErrorView is the child's error report, when present.
type ErrorView struct {
	Category               string `json:"category" yaml:"category"`
	Summary                string `json:"summary" yaml:"summary"`
	AdvancedProblemDetails string `json:"advanced_problem_details,omitempty" yaml:"advanced_problem_details,omitempty"`
}

// SpawnView is the full picture of one spawn work directory.
type SpawnView struct {
	WorkDir  string `json:"work_dir" yaml:"work_dir"`
	Finished bool   `json:"finished" yaml:"finished"`

	Steps          []StepView        `json:"steps" yaml:"steps"`
	JournalRecords []journal.Record  `json:"journal_records,omitempty" yaml:"journal_records,omitempty"`
	Error          *ErrorView        `json:"error,omitempty" yaml:"error,omitempty"`
	Sockets        []types.Socket    `json:"sockets,omitempty" yaml:"sockets,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// FromWorkDir reads a spawn work directory into a view. The directory
// may belong to a live spawn; everything is read best-effort, and steps
// come back in journey declaration order.
func FromWorkDir(path string) (*SpawnView, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("work dir %s: %w", path, err)
	}
	wd := workdir.Open(path)

	v := &SpawnView{
		WorkDir:     path,
		Finished:    wd.HasFinished(),
		Annotations: wd.LoadAnnotations(),
	}

	reports, err := wd.ReadStepReports()
	if err != nil {
		return nil, err
	}
	for _, step := range journey.AllSteps() {
		report, ok := reports[step]
		if !ok {
			continue
		}
		v.Steps = append(v.Steps, StepView{
			Name:         step.String(),
			State:        report.State.String(),
			DurationUsec: report.DurationUsec,
		})
	}

	if wd.HasErrorReport() {
		report := wd.ReadErrorReport()
		v.Error = &ErrorView{
			Category:               report.Category.String(),
			Summary:                report.Summary,
			AdvancedProblemDetails: report.AdvancedProblemDetails,
		}
	}

	if v.Finished {
		if props, err := wd.ReadProperties(); err == nil {
			v.Sockets = props.Sockets
		}
	}

	if iox.FileExists(wd.JournalPath()) {
		if records, err := journal.ReadFile(wd.JournalPath()); err == nil {
			v.JournalRecords = records
		}
	}

	return v, nil
}
