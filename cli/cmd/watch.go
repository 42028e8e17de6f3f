package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/foundry-server/foundry/cli/tui"
)

// WatchCommand opens the live TUI over a spawn work directory.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Watch a spawn work directory live",
		ArgsUsage: "<work-dir>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: foundry watch <work-dir>", 2)
			}
			if err := tui.RunWatch(c.Args().First()); err != nil {
				return cli.Exit(fmt.Sprintf("watch: %v", err), 1)
			}
			return nil
		},
	}
}
