// Package types defines core domain types for the Foundry spawning engine.
package types

import (
	"errors"
	"strings"
)

// AppOptions is the process pool's description of an application to spawn.
// The spawner snapshots these into an immutable spawn.Config at call entry;
// AppOptions itself is owned by the pool and may change between calls.
type AppOptions struct {
	// AppRoot is the application root directory. Required.
	AppRoot string
	// AppType is the application type label (e.g. "rack", "node", "wsgi").
	AppType string
	// AppEnv is the application environment name (e.g. "production").
	// Exported to the app as RAILS_ENV, RACK_ENV, WSGI_ENV, NODE_ENV and
	// PASSENGER_APP_ENV.
	AppEnv string
	// StartCommand is the shell command that loads the application.
	StartCommand string
	// StartsUsingWrapper indicates StartCommand execs a wrapper binary that
	// performs its own preparation before loading the app.
	StartsUsingWrapper bool

	// User and Group name the runtime identity the app runs as. Either may
	// be a name or a decimal id rendered as a string.
	User  string
	Group string
	// LoadShellEnvvars requests that the user's login shell be invoked so
	// the app inherits shell profile environment variables.
	LoadShellEnvvars bool

	// Environment holds user-specified environment variable overlays.
	Environment map[string]string
	// BaseURI is the URI the app is mounted under; "/" means root.
	BaseURI string
	// ExpectedStartPort, when nonzero, is exported to the app as PORT.
	ExpectedStartPort int
	// FileDescriptorUlimit, when nonzero, is applied via setrlimit in the
	// child before user switching.
	FileDescriptorUlimit uint
	// NodeLibdir is exported to the app as NODE_PATH.
	NodeLibdir string

	// PreloaderCommand is the command that starts the application preloader,
	// used by the smart spawn strategy.
	PreloaderCommand []string

	// SpawnTimeoutUsec bounds the whole spawn attempt, in microseconds.
	// Zero selects the engine default.
	SpawnTimeoutUsec uint64

	// LveMinUID is the minimum uid eligible for LVE jailing. Zero keeps
	// the engine-wide setting.
	LveMinUID uint
	// LogLevel is propagated to the in-child agent.
	LogLevel int
}

// Validate checks the fields every spawn strategy requires.
func (o *AppOptions) Validate() error {
	if strings.TrimSpace(o.AppRoot) == "" {
		return errors.New("app options: AppRoot is required")
	}
	if !strings.HasPrefix(o.AppRoot, "/") {
		return errors.New("app options: AppRoot must be an absolute path")
	}
	if strings.TrimSpace(o.StartCommand) == "" {
		return errors.New("app options: StartCommand is required")
	}
	if o.AppEnv == "" {
		return errors.New("app options: AppEnv is required")
	}
	return nil
}
