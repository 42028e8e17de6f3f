package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foundry.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	yaml := `agent_path: /opt/foundry/bin/foundry-agent
spawn_timeout: 2m
preloader_stop_grace: 10s
support_url: https://support.example.com
lve_min_uid: 500

reports:
  backend: s3
  path: diagnostics/foundry
  region: eu-central-1
  s3_path_style: true

adapter:
  type: redis
  url: redis://localhost:6379
  channel: foundry:spawns
  timeout: 3s
  retries: 2
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.AgentPath != "/opt/foundry/bin/foundry-agent" {
		t.Errorf("agent path: %q", cfg.AgentPath)
	}
	if cfg.SpawnTimeout.Duration != 2*time.Minute {
		t.Errorf("spawn timeout: %v", cfg.SpawnTimeout.Duration)
	}
	if cfg.Reports.Backend != "s3" || cfg.Reports.Region != "eu-central-1" || !cfg.Reports.S3PathStyle {
		t.Errorf("reports: %+v", cfg.Reports)
	}
	if cfg.Adapter.Type != "redis" || cfg.Adapter.Retries != 2 {
		t.Errorf("adapter: %+v", cfg.Adapter)
	}

	settings := cfg.SpawnSettings()
	if settings.AgentPath != cfg.AgentPath || settings.SpawnTimeout != 2*time.Minute {
		t.Errorf("settings: %+v", settings)
	}
	if settings.LveMinUID != 500 {
		t.Errorf("lve min uid: %d", settings.LveMinUID)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("FOUNDRY_AGENT", "/custom/agent")
	yaml := "agent_path: ${FOUNDRY_AGENT}\nsupport_url: ${UNSET_URL:-https://fallback}\n"

	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AgentPath != "/custom/agent" {
		t.Errorf("agent path: %q", cfg.AgentPath)
	}
	if cfg.SupportURL != "https://fallback" {
		t.Errorf("support url: %q", cfg.SupportURL)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name, yaml, wantErr string
	}{
		{"missing agent path", "support_url: x\n", "agent_path"},
		{"bad reports backend", "agent_path: /a\nreports:\n  backend: ftp\n  path: x\n", "reports backend"},
		{"reports path required", "agent_path: /a\nreports:\n  backend: file\n", "reports.path"},
		{"bad adapter type", "agent_path: /a\nadapter:\n  type: carrier-pigeon\n  url: x\n", "adapter type"},
		{"adapter url required", "agent_path: /a\nadapter:\n  type: webhook\n", "adapter.url"},
		{"bad duration", "agent_path: /a\nspawn_timeout: soon\n", "duration"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.yaml))
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("got %v, want error containing %q", err, c.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestBuildReportArchiver(t *testing.T) {
	cfg := &Config{}
	archiver, err := cfg.BuildReportArchiver(context.Background())
	if err != nil || archiver != nil {
		t.Errorf("disabled reports: %v, %v", archiver, err)
	}

	cfg.Reports = ReportsConfig{Backend: "file", Path: filepath.Join(t.TempDir(), "reports")}
	archiver, err = cfg.BuildReportArchiver(context.Background())
	if err != nil || archiver == nil {
		t.Fatalf("file archiver: %v, %v", archiver, err)
	}
	if _, err := os.Stat(cfg.Reports.Path); err != nil {
		t.Errorf("report base dir not created: %v", err)
	}
}

func TestBuildEventSink(t *testing.T) {
	cfg := &Config{}
	sink, err := cfg.BuildEventSink()
	if err != nil || sink != nil {
		t.Errorf("disabled sink: %v, %v", sink, err)
	}

	cfg.Adapter = AdapterConfig{Type: "webhook", URL: "https://hooks.example.com/spawns"}
	sink, err = cfg.BuildEventSink()
	if err != nil || sink == nil {
		t.Fatalf("webhook sink: %v, %v", sink, err)
	}
	_ = sink.Close()

	cfg.Adapter = AdapterConfig{Type: "redis", URL: "redis://localhost:6379"}
	sink, err = cfg.BuildEventSink()
	if err != nil || sink == nil {
		t.Fatalf("redis sink: %v, %v", sink, err)
	}
	_ = sink.Close()
}
