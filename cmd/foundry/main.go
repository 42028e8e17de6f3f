// Package main provides the foundry CLI entrypoint: read-only
// inspection tooling over spawn work directories.
//
// Usage:
//
//	foundry <command> [options]
//
// Exit codes:
//   - 0: success
//   - 1: command failed
//   - 2: usage error
package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/foundry-server/foundry/cli/cmd"
)

// Commit is set via ldflags at build time.
var commit = ""

func main() {
	app := &cli.App{
		Name:  "foundry",
		Usage: "Foundry spawning engine CLI",
		Commands: []*cli.Command{
			cmd.InspectCommand(),
			cmd.WatchCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitCoder errors already terminated the process with their
		// code; this handles unexpected errors that weren't wrapped.
		os.Exit(1)
	}
}
