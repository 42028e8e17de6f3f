// Package report archives spawn failure reports: a single JSON document
// bundling everything a SpawnError carries (category, journey snapshot,
// summaries, error page fragments, captured output, annotations) so a
// failure can be studied after its work directory is long gone.
//
// Reports are stored through a small Store interface with a local
// filesystem backend and an S3 backend for fleet-wide collection.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/foundry-server/foundry/spawn"
	"github.com/foundry-server/foundry/types"
)

// Report is the archived form of one spawn failure.
type Report struct {
	ContractVersion string `json:"contract_version"`
	Timestamp       string `json:"timestamp"` // ISO 8601 UTC
	AppRoot         string `json:"app_root"`
	AppEnv          string `json:"app_env"`

	Category               string `json:"category"`
	Summary                string `json:"summary"`
	AdvancedProblemDetails string `json:"advanced_problem_details,omitempty"`
	ProblemDescriptionHTML string `json:"problem_description_html,omitempty"`
	SolutionDescriptionHTML string `json:"solution_description_html,omitempty"`
	StdoutAndErrData       string `json:"stdout_and_err_data,omitempty"`

	// Journey is the raw InspectAsJSON snapshot.
	Journey     json.RawMessage   `json:"journey,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Build assembles a report from a spawn failure.
func Build(e *spawn.Error, appRoot, appEnv string) *Report {
	r := &Report{
		ContractVersion:         types.Version,
		Timestamp:               time.Now().UTC().Format(time.RFC3339),
		AppRoot:                 appRoot,
		AppEnv:                  appEnv,
		Category:                e.Category().String(),
		Summary:                 e.Summary(),
		AdvancedProblemDetails:  e.AdvancedProblemDetails(),
		ProblemDescriptionHTML:  e.ProblemDescriptionHTML(),
		SolutionDescriptionHTML: e.SolutionDescriptionHTML(),
		StdoutAndErrData:        e.StdoutAndErrData(),
		Journey:                 json.RawMessage(e.JourneySnapshot()),
	}
	names := e.AnnotationNames()
	if len(names) > 0 {
		r.Annotations = make(map[string]string, len(names))
		for _, name := range names {
			r.Annotations[name] = e.Annotation(name)
		}
	}
	return r
}

// Key computes the storage key for a report:
// spawn-failures/app=<base>/day=<YYYY-MM-DD>/<unix-nanos>.json
func (r *Report) Key() string {
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("spawn-failures/app=%s/day=%s/%d.json",
		filepath.Base(r.AppRoot),
		ts.Format("2006-01-02"),
		ts.UnixNano())
}

// Marshal renders the report document.
func (r *Report) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "\t")
}
