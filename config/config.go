// Package config handles YAML config file loading for the Foundry
// spawning engine (foundry.yaml).
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/foundry-server/foundry/adapter"
	adapterredis "github.com/foundry-server/foundry/adapter/redis"
	adapterwebhook "github.com/foundry-server/foundry/adapter/webhook"
	"github.com/foundry-server/foundry/report"
	"github.com/foundry-server/foundry/spawn"
)

// Config represents a foundry.yaml configuration file. All values are
// optional except AgentPath; defaults mirror the engine's built-ins.
type Config struct {
	// AgentPath is the foundry-agent binary executed inside children.
	AgentPath string `yaml:"agent_path"`
	// SpawnTimeout bounds each spawn attempt.
	SpawnTimeout Duration `yaml:"spawn_timeout"`
	// PreloaderStopGrace is the graceful preloader shutdown window.
	PreloaderStopGrace Duration `yaml:"preloader_stop_grace"`
	// SupportURL is linked from generated error pages.
	SupportURL string `yaml:"support_url"`
	// LveMinUID is the minimum uid eligible for LVE jailing.
	LveMinUID uint `yaml:"lve_min_uid"`

	Reports ReportsConfig `yaml:"reports"`
	Adapter AdapterConfig `yaml:"adapter"`
}

// ReportsConfig configures the failure report archive.
type ReportsConfig struct {
	// Backend selects "file", "s3", or "" (reports disabled).
	Backend string `yaml:"backend"`
	// Path is the base directory (file) or "bucket/prefix" (s3).
	Path string `yaml:"path"`
	// Region is the AWS region for the s3 backend.
	Region string `yaml:"region"`
	// Endpoint is a custom S3 endpoint for S3-compatible providers.
	Endpoint string `yaml:"endpoint"`
	// S3PathStyle forces path-style addressing.
	S3PathStyle bool `yaml:"s3_path_style"`
}

// AdapterConfig configures the spawn event sink.
type AdapterConfig struct {
	// Type selects "redis", "webhook", or "" (events disabled).
	Type string `yaml:"type"`
	// URL is the redis connection URL or webhook endpoint.
	URL string `yaml:"url"`
	// Channel is the redis pub/sub channel.
	Channel string `yaml:"channel"`
	// Headers are custom HTTP headers for the webhook type.
	Headers map[string]string `yaml:"headers"`
	// Timeout is the per-publish timeout.
	Timeout Duration `yaml:"timeout"`
	// Retries is the number of retry attempts per publish.
	Retries int `yaml:"retries"`
}

// Duration wraps time.Duration for YAML strings like "10s" or "5m30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.AgentPath == "" {
		return fmt.Errorf("config: agent_path is required")
	}
	switch c.Reports.Backend {
	case "", "file", "s3":
	default:
		return fmt.Errorf("config: unknown reports backend %q", c.Reports.Backend)
	}
	if c.Reports.Backend != "" && c.Reports.Path == "" {
		return fmt.Errorf("config: reports.path is required for backend %q", c.Reports.Backend)
	}
	switch c.Adapter.Type {
	case "", "redis", "webhook":
	default:
		return fmt.Errorf("config: unknown adapter type %q", c.Adapter.Type)
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		return fmt.Errorf("config: adapter.url is required for type %q", c.Adapter.Type)
	}
	return nil
}

// SpawnSettings converts the file configuration into engine settings.
// The event sink and report archiver are attached separately via
// BuildEventSink and BuildReportArchiver.
func (c *Config) SpawnSettings() spawn.Settings {
	return spawn.Settings{
		AgentPath:          c.AgentPath,
		SpawnTimeout:       c.SpawnTimeout.Duration,
		PreloaderStopGrace: c.PreloaderStopGrace.Duration,
		SupportURL:         c.SupportURL,
		LveMinUID:          c.LveMinUID,
	}
}

// BuildEventSink constructs the configured spawn event adapter, or nil
// when events are disabled.
func (c *Config) BuildEventSink() (adapter.Adapter, error) {
	switch c.Adapter.Type {
	case "":
		return nil, nil
	case "redis":
		return adapterredis.New(adapterredis.Config{
			URL:     c.Adapter.URL,
			Channel: c.Adapter.Channel,
			Timeout: c.Adapter.Timeout.Duration,
			Retries: c.Adapter.Retries,
		})
	case "webhook":
		return adapterwebhook.New(adapterwebhook.Config{
			URL:     c.Adapter.URL,
			Headers: c.Adapter.Headers,
			Timeout: c.Adapter.Timeout.Duration,
			Retries: c.Adapter.Retries,
		})
	default:
		return nil, fmt.Errorf("config: unknown adapter type %q", c.Adapter.Type)
	}
}

// BuildReportArchiver constructs the configured failure report archiver
// on top of its storage backend, or nil when reports are disabled.
func (c *Config) BuildReportArchiver(ctx context.Context) (*report.Archiver, error) {
	switch c.Reports.Backend {
	case "":
		return nil, nil
	case "file":
		store, err := report.NewFileStore(c.Reports.Path)
		if err != nil {
			return nil, err
		}
		return report.NewArchiver(store), nil
	case "s3":
		bucket, prefix := report.ParseS3Path(c.Reports.Path)
		store, err := report.NewS3Store(ctx, report.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       c.Reports.Region,
			Endpoint:     c.Reports.Endpoint,
			UsePathStyle: c.Reports.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return report.NewArchiver(store), nil
	default:
		return nil, fmt.Errorf("config: unknown reports backend %q", c.Reports.Backend)
	}
}
