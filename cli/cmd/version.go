package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/foundry-server/foundry/types"
)

// VersionCommand prints the project version, optionally with the build
// commit baked in via ldflags.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			if commit != "" {
				fmt.Fprintf(c.App.Writer, "foundry %s (commit: %s)\n", types.Version, commit)
			} else {
				fmt.Fprintf(c.App.Writer, "foundry %s\n", types.Version)
			}
			return nil
		},
	}
}
