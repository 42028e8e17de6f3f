package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/foundry-server/foundry/iox"
	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/types"
)

func newDir(t *testing.T) *Dir {
	t.Helper()
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Remove() })
	return d
}

func TestNewCreatesLayout(t *testing.T) {
	d := newDir(t)
	for _, sub := range []string{
		"envdump", "envdump/annotations",
		"response", "response/steps", "response/error",
	} {
		info, err := os.Stat(filepath.Join(d.Path(), sub))
		if err != nil || !info.IsDir() {
			t.Errorf("missing subdirectory %s: %v", sub, err)
		}
	}
}

func TestRemove(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Remove(); err != nil {
		t.Fatal(err)
	}
	if iox.FileExists(d.Path()) {
		t.Error("work dir still exists after Remove")
	}
}

func TestStepDirCasing(t *testing.T) {
	d := newDir(t)
	got := d.StepDir(journey.StepSubprocessOsShell)
	want := filepath.Join(d.Path(), "response", "steps", "subprocess_os_shell")
	if got != want {
		t.Errorf("StepDir: got %q, want %q", got, want)
	}
}

func TestStepReportRoundTrip(t *testing.T) {
	d := newDir(t)

	d.RecordStepInProgress(journey.StepSubprocessEnvSetupperBeforeShell)
	start := journey.MonotonicUsecNow()
	d.RecordStepComplete(journey.StepSubprocessEnvSetupperBeforeShell,
		journey.StatePerformed, start)
	d.RecordStepInProgress(journey.StepSubprocessOsShell)

	reports, err := d.ReadStepReports()
	if err != nil {
		t.Fatal(err)
	}
	before, ok := reports[journey.StepSubprocessEnvSetupperBeforeShell]
	if !ok {
		t.Fatal("missing before-shell report")
	}
	if before.State != journey.StatePerformed {
		t.Errorf("state: %s", before.State)
	}
	if !before.HasDuration {
		t.Error("terminal step must report a duration")
	}
	shell, ok := reports[journey.StepSubprocessOsShell]
	if !ok {
		t.Fatal("missing os-shell report")
	}
	if shell.State != journey.StateInProgress {
		t.Errorf("state: %s", shell.State)
	}
	if shell.HasDuration {
		t.Error("in-progress step must not report a duration")
	}
}

func TestReadStepReportsSkipsUnknownDirs(t *testing.T) {
	d := newDir(t)
	if err := os.MkdirAll(filepath.Join(d.Path(), "response", "steps", "future_step"), 0o700); err != nil {
		t.Fatal(err)
	}
	reports, err := d.ReadStepReports()
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 0 {
		t.Errorf("unknown step dir produced reports: %v", reports)
	}
}

func TestErrorReportRoundTrip(t *testing.T) {
	d := newDir(t)
	if d.HasErrorReport() {
		t.Fatal("fresh dir claims an error report")
	}

	d.RecordErrorCategory(types.ErrorCategoryOperatingSystem)
	d.RecordErrorSummary("setuid(1001) failed: Operation not permitted (errno=1)", true)
	d.RecordProblemDescriptionHTML("<p>problem</p>")
	d.RecordSolutionDescriptionHTML("<p class=\"sole-solution\">solution</p>")

	if !d.HasErrorReport() {
		t.Fatal("HasErrorReport false after recording")
	}
	report := d.ReadErrorReport()
	if report.Category != types.ErrorCategoryOperatingSystem {
		t.Errorf("category: %s", report.Category)
	}
	if report.Summary != "setuid(1001) failed: Operation not permitted (errno=1)" {
		t.Errorf("summary: %q", report.Summary)
	}
	if report.AdvancedProblemDetails != report.Summary {
		t.Errorf("advanced details not mirrored: %q", report.AdvancedProblemDetails)
	}
	if report.ProblemDescriptionHTML != "<p>problem</p>" {
		t.Errorf("problem html: %q", report.ProblemDescriptionHTML)
	}
}

func TestFinishSignal(t *testing.T) {
	d := newDir(t)
	if d.HasFinished() {
		t.Fatal("fresh dir claims finished")
	}
	if err := d.RecordFinish(); err != nil {
		t.Fatal(err)
	}
	if !d.HasFinished() {
		t.Error("HasFinished false after RecordFinish")
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	d := newDir(t)
	want := &Properties{Sockets: []types.Socket{{
		Address:            "unix:/tmp/app.sock",
		Protocol:           "http",
		Concurrency:        0,
		AcceptHTTPRequests: true,
	}}}
	if err := d.RecordProperties(want); err != nil {
		t.Fatal(err)
	}
	got, err := d.ReadProperties()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Sockets) != 1 || got.Sockets[0] != want.Sockets[0] {
		t.Errorf("properties: %+v", got)
	}
}

func TestAnnotations(t *testing.T) {
	d := newDir(t)
	d.RecordAnnotation("ruby_version", "3.3.4\n")
	d.RecordAnnotation("bundler_path", "/usr/local/bin/bundle")
	// Dotfiles are ignored by readers.
	if err := iox.CreateFile(filepath.Join(d.AnnotationsDir(), ".hidden"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	annotations := d.LoadAnnotations()
	if len(annotations) != 2 {
		t.Fatalf("annotation count: %d", len(annotations))
	}
	if annotations["ruby_version"] != "3.3.4" {
		t.Errorf("annotation not trimmed: %q", annotations["ruby_version"])
	}
}
