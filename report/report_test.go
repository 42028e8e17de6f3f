package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/spawn"
	"github.com/foundry-server/foundry/types"
)

func failedSpawnError() *spawn.Error {
	j := journey.New(journey.TypeSpawnThroughPreloader, false)
	_ = j.SetStepErrored(journey.StepReadResponseFromPreloader, true)

	e := spawn.NewError(types.ErrorCategoryInternal, j, nil)
	e.SetSummary("The preloader process sent a response that exceeds the maximum size limit.")
	e.SetStdoutAndErrData("boom\n")
	e.SetAnnotation("ruby_version", "3.3.4", true)
	return e.Finalize()
}

func TestBuildReport(t *testing.T) {
	r := Build(failedSpawnError(), "/srv/apps/store", "production")

	if r.Category != "INTERNAL_ERROR" {
		t.Errorf("category: %s", r.Category)
	}
	if !strings.Contains(r.Summary, "maximum size") {
		t.Errorf("summary: %q", r.Summary)
	}
	if r.Annotations["ruby_version"] != "3.3.4" {
		t.Errorf("annotations: %v", r.Annotations)
	}
	if r.StdoutAndErrData != "boom\n" {
		t.Errorf("captured output: %q", r.StdoutAndErrData)
	}

	// The journey snapshot survives the round trip intact.
	rebuilt, err := journey.RebuildFromJSON(r.Journey)
	if err != nil {
		t.Fatal(err)
	}
	if got := rebuilt.FirstFailedStep(); got != journey.StepReadResponseFromPreloader {
		t.Errorf("first failed step: %s", got)
	}
}

func TestReportKey(t *testing.T) {
	r := Build(failedSpawnError(), "/srv/apps/store", "production")
	key := r.Key()
	if !strings.HasPrefix(key, "spawn-failures/app=store/day=") {
		t.Errorf("key: %q", key)
	}
	if !strings.HasSuffix(key, ".json") {
		t.Errorf("key: %q", key)
	}
}

func TestArchiverWithFileStore(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileStore(base)
	if err != nil {
		t.Fatal(err)
	}

	r := Build(failedSpawnError(), "/srv/apps/store", "production")
	key, err := NewArchiver(store).Save(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(key)))
	if err != nil {
		t.Fatal(err)
	}
	var loaded Report
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("stored report is not valid JSON: %v", err)
	}
	if loaded.Summary != r.Summary || loaded.Category != r.Category {
		t.Errorf("loaded report diverges: %+v", loaded)
	}
}

func TestArchiveFailure(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileStore(base)
	if err != nil {
		t.Fatal(err)
	}

	// The archiver satisfies the engine's failure hook.
	var archiver spawn.FailureArchiver = NewArchiver(store)

	key, err := archiver.ArchiveFailure(context.Background(),
		failedSpawnError(), "/srv/apps/store", "production")
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(key)))
	if err != nil {
		t.Fatal(err)
	}
	var loaded Report
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("archived report is not valid JSON: %v", err)
	}
	if loaded.AppRoot != "/srv/apps/store" || loaded.AppEnv != "production" {
		t.Errorf("archived identity: %+v", loaded)
	}
	if !strings.Contains(loaded.Summary, "maximum size") {
		t.Errorf("archived summary: %q", loaded.Summary)
	}
}

func TestParseS3Path(t *testing.T) {
	cases := []struct {
		in, bucket, prefix string
	}{
		{"diagnostics", "diagnostics", ""},
		{"diagnostics/foundry", "diagnostics", "foundry"},
		{"diagnostics/foundry/spawns", "diagnostics", "foundry/spawns"},
	}
	for _, c := range cases {
		bucket, prefix := ParseS3Path(c.in)
		if bucket != c.bucket || prefix != c.prefix {
			t.Errorf("ParseS3Path(%q) = %q,%q", c.in, bucket, prefix)
		}
	}
}

type fakeS3 struct {
	keys []string
	body []byte
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.keys = append(f.keys, *params.Key)
	buf := make([]byte, 0)
	tmp := make([]byte, 4096)
	for {
		n, err := params.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	f.body = buf
	return &s3.PutObjectOutput{}, nil
}

func TestS3StorePrefixing(t *testing.T) {
	fake := &fakeS3{}
	store := &S3Store{client: fake, cfg: S3Config{Bucket: "diagnostics", Prefix: "foundry"}}

	if err := store.Put(context.Background(), "spawn-failures/app=x/day=2026-08-06/1.json",
		[]byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	if len(fake.keys) != 1 || fake.keys[0] != "foundry/spawn-failures/app=x/day=2026-08-06/1.json" {
		t.Errorf("keys: %v", fake.keys)
	}
	if string(fake.body) != `{"ok":true}` {
		t.Errorf("body: %q", fake.body)
	}
}

func TestS3ConfigValidate(t *testing.T) {
	cfg := S3Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty bucket accepted")
	}
}
