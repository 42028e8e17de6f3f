// Package cmd implements the foundry CLI commands. All commands are
// read-only views over spawn work directories; the engine itself is
// driven by the server, not the CLI.
package cmd

import "github.com/urfave/cli/v2"

// commonFlags are shared by every rendering command.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "output format: json, table, or yaml (default: table on TTY, json otherwise)",
		},
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored table output",
		},
	}
}
