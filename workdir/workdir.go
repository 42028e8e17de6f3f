// Package workdir implements the on-disk rendezvous between the spawn
// orchestrator and the spawned child: a per-spawn temporary directory the
// orchestrator seeds with args.json and the child fills with progress,
// diagnostics, and results.
//
// Layout:
//
//	args.json                   orchestrator -> child
//	envdump/envvars             child -> orchestrator (diagnostic)
//	envdump/user_info
//	envdump/ulimits
//	envdump/annotations/<name>  freeform small k/v pairs
//	journal.bin                 orchestrator-side transition journal
//	response/finish             presence signals handshake done
//	response/properties.json    listening sockets etc.
//	response/steps/<step>/state
//	response/steps/<step>/duration
//	response/error/category
//	response/error/summary
//	response/error/advanced_problem_details
//	response/error/problem_description.html
//	response/error/solution_description.html
//	response/stdin              optional FIFO
//	response/stdout_and_err     optional FIFO
//
// Step directories use the step's lower-cased enum name, e.g.
// response/steps/subprocess_os_shell.
//
// Every child write is best-effort and performed as a single
// write-then-close; the orchestrator reads only after observing
// response/finish or a terminal step.
package workdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/foundry-server/foundry/iox"
	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/types"
)

// Dir is a spawn work directory. The handshake session owns it and
// removes it when the session closes.
type Dir struct {
	path string
}

// New creates a fresh work directory with its fixed subdirectories.
func New() (*Dir, error) {
	path, err := os.MkdirTemp("", "foundry.spawn.")
	if err != nil {
		return nil, fmt.Errorf("create spawn work dir: %w", err)
	}
	d := &Dir{path: path}
	for _, sub := range []string{
		"envdump",
		filepath.Join("envdump", "annotations"),
		"response",
		filepath.Join("response", "steps"),
		filepath.Join("response", "error"),
	} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o700); err != nil {
			_ = d.Remove()
			return nil, fmt.Errorf("create spawn work dir: %w", err)
		}
	}
	return d, nil
}

// Open wraps an existing work directory, for the child side and the
// inspection CLI.
func Open(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the directory's absolute path.
func (d *Dir) Path() string { return d.path }

// Remove deletes the directory and everything in it.
func (d *Dir) Remove() error { return os.RemoveAll(d.path) }

// ArgsPath is the orchestrator-to-child argument document.
func (d *Dir) ArgsPath() string { return filepath.Join(d.path, "args.json") }

// JournalPath is the orchestrator-side transition journal.
func (d *Dir) JournalPath() string { return filepath.Join(d.path, "journal.bin") }

// EnvDumpDir holds the child's environment diagnostics.
func (d *Dir) EnvDumpDir() string { return filepath.Join(d.path, "envdump") }

// AnnotationsDir holds freeform child annotations.
func (d *Dir) AnnotationsDir() string {
	return filepath.Join(d.path, "envdump", "annotations")
}

// ResponseDir holds everything the child reports back.
func (d *Dir) ResponseDir() string { return filepath.Join(d.path, "response") }

// FinishPath signals handshake completion by existing.
func (d *Dir) FinishPath() string {
	return filepath.Join(d.path, "response", "finish")
}

// PropertiesPath carries the child's listening sockets.
func (d *Dir) PropertiesPath() string {
	return filepath.Join(d.path, "response", "properties.json")
}

// StepDir is the per-step state directory.
func (d *Dir) StepDir(step journey.Step) string {
	return filepath.Join(d.path, "response", "steps", step.LowerName())
}

// ErrorDir holds the child's error report files.
func (d *Dir) ErrorDir() string {
	return filepath.Join(d.path, "response", "error")
}

// StdinFIFOPath is the optional child stdin FIFO.
func (d *Dir) StdinFIFOPath() string {
	return filepath.Join(d.path, "response", "stdin")
}

// StdoutAndErrFIFOPath is the optional joined child output FIFO.
func (d *Dir) StdoutAndErrFIFOPath() string {
	return filepath.Join(d.path, "response", "stdout_and_err")
}

// HasFinished reports whether the child signalled handshake completion.
func (d *Dir) HasFinished() bool { return iox.FileExists(d.FinishPath()) }

// HasErrorReport reports whether the child recorded a fatal error.
func (d *Dir) HasErrorReport() bool {
	return iox.FileExists(filepath.Join(d.ErrorDir(), "category"))
}

// Properties is the schema of response/properties.json.
type Properties struct {
	Sockets []types.Socket `json:"sockets"`
}

// ReadProperties parses response/properties.json.
func (d *Dir) ReadProperties() (*Properties, error) {
	data, err := os.ReadFile(d.PropertiesPath())
	if err != nil {
		return nil, fmt.Errorf("read spawn response properties: %w", err)
	}
	var props Properties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("parse spawn response properties: %w", err)
	}
	return &props, nil
}

// StepReport is one step's state as reported by the child.
type StepReport struct {
	State journey.StepState
	// DurationUsec is the child-reported execution duration. The child
	// writes whole seconds; the value here is converted to microseconds.
	DurationUsec uint64
	HasDuration  bool
}

// ReadStepReports scans response/steps/ and returns the child-reported
// step states. Unknown directory names are skipped: an older orchestrator
// must not choke on a newer agent.
func (d *Dir) ReadStepReports() (map[journey.Step]StepReport, error) {
	stepsDir := filepath.Join(d.path, "response", "steps")
	entries, err := os.ReadDir(stepsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spawn response steps: %w", err)
	}

	reports := make(map[journey.Step]StepReport)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		step := journey.ParseStep(entry.Name())
		if step == journey.StepUnknown {
			continue
		}
		report := StepReport{State: journey.StateUnknown}
		if state, err := iox.ReadFileTrim(filepath.Join(stepsDir, entry.Name(), "state")); err == nil {
			report.State = journey.ParseStepState(state)
		}
		if raw, err := iox.ReadFileTrim(filepath.Join(stepsDir, entry.Name(), "duration")); err == nil {
			if secs, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
				report.DurationUsec = secs * 1_000_000
				report.HasDuration = true
			}
		}
		reports[step] = report
	}
	return reports, nil
}

// ErrorReport is the child's fatal error, read from response/error/.
type ErrorReport struct {
	Category               types.ErrorCategory
	Summary                string
	AdvancedProblemDetails string
	ProblemDescriptionHTML string
	SolutionDescriptionHTML string
}

// ReadErrorReport reads the error files. Missing files yield zero values;
// the child writes them best-effort.
func (d *Dir) ReadErrorReport() ErrorReport {
	read := func(name string) string {
		value, err := iox.ReadFileTrim(filepath.Join(d.ErrorDir(), name))
		if err != nil {
			return ""
		}
		return value
	}
	return ErrorReport{
		Category:                types.ParseErrorCategory(read("category")),
		Summary:                 read("summary"),
		AdvancedProblemDetails:  read("advanced_problem_details"),
		ProblemDescriptionHTML:  read("problem_description.html"),
		SolutionDescriptionHTML: read("solution_description.html"),
	}
}

// LoadAnnotations reads envdump/annotations/ into a name -> trimmed
// content map. A missing directory yields an empty map.
func (d *Dir) LoadAnnotations() map[string]string {
	annotations := make(map[string]string)
	entries, err := os.ReadDir(d.AnnotationsDir())
	if err != nil {
		return annotations
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "" || name[0] == '.' || entry.IsDir() {
			continue
		}
		value, err := iox.ReadFileTrim(filepath.Join(d.AnnotationsDir(), name))
		if err != nil {
			continue
		}
		annotations[name] = value
	}
	return annotations
}
