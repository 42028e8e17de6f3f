// Package main provides the foundry-agent binary: the program the
// spawning engine executes inside freshly forked children.
//
// Usage:
//
//	foundry-agent spawn-env-setupper <workdir> (--before|--after)
//
// The spawn-env-setupper subcommand never exits 0: on success the
// process image is replaced by exec, on failure it exits 1 after
// recording an error report in the work directory.
package main

import (
	"fmt"
	"os"

	"github.com/foundry-server/foundry/setupper"
	"github.com/foundry-server/foundry/types"
)

func main() {
	// This binary runs between fork and the application exec; argument
	// handling stays deliberately primitive so the failure surface
	// before the work directory protocol is available stays small.
	args := os.Args[1:]
	if len(args) == 1 && (args[0] == "--version" || args[0] == "version") {
		fmt.Printf("foundry-agent %s\n", types.Version)
		return
	}
	if len(args) != 3 || args[0] != "spawn-env-setupper" {
		usage()
	}

	workDir := args[1]
	var mode setupper.Mode
	switch args[2] {
	case "--before":
		mode = setupper.BeforeMode
	case "--after":
		mode = setupper.AfterMode
	default:
		usage()
	}

	os.Exit(setupper.Run(workDir, mode))
}

func usage() {
	fmt.Fprintln(os.Stderr,
		"Usage: foundry-agent spawn-env-setupper <workdir> (--before|--after)")
	os.Exit(1)
}
