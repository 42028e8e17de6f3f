package spawn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foundry-server/foundry/adapter"
	"github.com/foundry-server/foundry/types"
)

// DefaultSpawnTimeout bounds a spawn attempt when the pool supplies none.
const DefaultSpawnTimeout = 90 * time.Second

// DefaultPreloaderStopGrace is how long a preloader gets to exit after
// its stdin closes before it is killed.
const DefaultPreloaderStopGrace = 5 * time.Second

// DefaultSupportURL is where error pages point users for help.
const DefaultSupportURL = "https://www.foundry-server.dev/support"

// FailureArchiver persists spawn failure reports for post-mortem study
// after the work directory is gone. The report package implements it;
// the interface lives here so the engine does not depend on storage.
type FailureArchiver interface {
	// ArchiveFailure stores a report for e and returns its storage key.
	ArchiveFailure(ctx context.Context, e *Error, appRoot, appEnv string) (string, error)
}

// Settings are the engine-level knobs shared by all spawners, loaded
// from foundry.yaml by the daemon.
type Settings struct {
	// AgentPath is the foundry-agent binary executed inside children.
	AgentPath string
	// SpawnTimeout bounds spawn attempts that don't specify their own.
	SpawnTimeout time.Duration
	// PreloaderStopGrace is the graceful preloader shutdown window.
	PreloaderStopGrace time.Duration
	// SupportURL is linked from generated solution descriptions.
	SupportURL string
	// EnterLVE, when non-nil, enters an LVE resource container for uid
	// before forking and returns the exit function. uids below minUID
	// are not jailed.
	EnterLVE func(uid int, minUID uint) (exit func(), err error)
	// LveMinUID is the minimum uid eligible for LVE jailing.
	LveMinUID uint
	// EventSink, when non-nil, receives a spawn event after every
	// attempt. Publishing is best-effort and never fails a spawn.
	EventSink adapter.Adapter
	// ReportArchiver, when non-nil, receives a failure report for every
	// failed attempt. Archiving is best-effort and never masks the
	// original error.
	ReportArchiver FailureArchiver
}

func (s Settings) withDefaults() Settings {
	if s.SpawnTimeout == 0 {
		s.SpawnTimeout = DefaultSpawnTimeout
	}
	if s.PreloaderStopGrace == 0 {
		s.PreloaderStopGrace = DefaultPreloaderStopGrace
	}
	if s.SupportURL == "" {
		s.SupportURL = DefaultSupportURL
	}
	return s
}

// Config is the frozen snapshot of all spawn parameters for one attempt,
// extracted from the pool's AppOptions at call entry. Nothing mutates it
// afterwards; the handshake serializes it into args.json verbatim.
type Config struct {
	AppRoot            string
	AppType            string
	AppEnv             string
	StartCommand       string
	StartsUsingWrapper bool
	SpawnMethod        string

	User             string
	Group            string
	LoadShellEnvvars bool

	Environment          map[string]string
	BaseURI              string
	ExpectedStartPort    int
	FileDescriptorUlimit uint
	NodeLibdir           string

	AgentPath    string
	LogLevel     int
	LveMinUID    uint
	SpawnTimeout time.Duration
}

// NewConfig validates opts and freezes it into a Config.
func NewConfig(opts *types.AppOptions, settings Settings) (*Config, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	settings = settings.withDefaults()
	if settings.AgentPath == "" {
		return nil, fmt.Errorf("spawn settings: AgentPath is required")
	}

	cfg := &Config{
		AppRoot:              opts.AppRoot,
		AppType:              opts.AppType,
		AppEnv:               opts.AppEnv,
		StartCommand:         opts.StartCommand,
		StartsUsingWrapper:   opts.StartsUsingWrapper,
		User:                 opts.User,
		Group:                opts.Group,
		LoadShellEnvvars:     opts.LoadShellEnvvars,
		BaseURI:              opts.BaseURI,
		ExpectedStartPort:    opts.ExpectedStartPort,
		FileDescriptorUlimit: opts.FileDescriptorUlimit,
		NodeLibdir:           opts.NodeLibdir,
		AgentPath:            settings.AgentPath,
		LogLevel:             opts.LogLevel,
		LveMinUID:            settings.LveMinUID,
		SpawnTimeout:         settings.SpawnTimeout,
	}
	if cfg.BaseURI == "" {
		cfg.BaseURI = "/"
	}
	if opts.SpawnTimeoutUsec != 0 {
		cfg.SpawnTimeout = time.Duration(opts.SpawnTimeoutUsec) * time.Microsecond
	}
	if opts.LveMinUID != 0 {
		cfg.LveMinUID = opts.LveMinUID
	}
	cfg.Environment = make(map[string]string, len(opts.Environment))
	for k, v := range opts.Environment {
		cfg.Environment[k] = v
	}
	return cfg, nil
}

// ShellJoin renders argv as a single /bin/sh command line with each word
// single-quoted. Used to turn the preloader command into a start command.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
