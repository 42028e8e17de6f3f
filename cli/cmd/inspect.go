package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/foundry-server/foundry/cli/render"
	"github.com/foundry-server/foundry/cli/view"
)

// InspectCommand renders a spawn work directory: step states, durations,
// the child's error report, result sockets, and annotations.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a spawn work directory",
		ArgsUsage: "<work-dir>",
		Flags:     commonFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: foundry inspect <work-dir>", 2)
			}

			v, err := view.FromWorkDir(c.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("inspect: %v", err), 1)
			}

			renderer, err := render.NewRenderer(c)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			if err := renderer.RenderSpawn(v); err != nil {
				return cli.Exit(fmt.Sprintf("render: %v", err), 1)
			}
			return nil
		},
	}
}
