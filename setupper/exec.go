package setupper

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/foundry-server/foundry/journey"
)

// Overridable for tests; the real thing replaces the process image.
var execve = syscall.Exec

// shellTrampolineTag is argv[0] of the payload the login shell re-execs.
const shellTrampolineTag = "SpawnEnvSetupperShell"

// loadShellEnvvarShells are the login shells we trust to run
// `-lc 'exec "$@"'` correctly.
var loadShellEnvvarShells = map[string]bool{
	"bash": true,
	"zsh":  true,
	"ksh":  true,
}

// shouldLoadShellEnvvars reports whether the spawn goes through the
// user's login shell so profile environment variables are loaded: only
// when requested, and only for shells whose -lc behavior is known good.
func (c *Context) shouldLoadShellEnvvars(shell string) bool {
	if !c.Args.LoadShellEnvvars {
		return false
	}
	return loadShellEnvvarShells[filepath.Base(shell)]
}

// nextCommand determines what this stage execs and which journey step
// that transfers control to.
func (c *Context) nextCommand(shell string) (argv []string, nextStep journey.Step) {
	if c.Mode == BeforeMode {
		if c.shouldLoadShellEnvvars(shell) {
			// Trampoline through the login shell: `exec "$@"` re-execs
			// the --after stage with profile env vars loaded.
			argv = []string{
				shell, "-lc", `exec "$@"`, shellTrampolineTag,
				c.Args.AgentPath, "spawn-env-setupper", c.WorkDir.Path(), "--after",
			}
			return argv, journey.StepSubprocessOsShell
		}
		argv = []string{
			c.Args.AgentPath, "spawn-env-setupper", c.WorkDir.Path(), "--after",
		}
		return argv, journey.StepSubprocessEnvSetupperAfterShell
	}

	if c.Args.StartsUsingWrapper {
		nextStep = journey.StepSubprocessExecWrapper
	} else {
		nextStep = journey.StepSubprocessAppLoadOrExec
	}
	return []string{"/bin/sh", "-c", c.Args.StartCommand}, nextStep
}

// execNextCommand hands the process over to the next stage. The next
// journey step is marked in progress before the exec so a hang inside
// the exec'd program is attributed to the right step.
//
// Note: argv[0] is left alone here. Rewriting it to fake a process title
// confuses ps-based tooling on several platforms.
func (c *Context) execNextCommand(shell string) *fatal {
	argv, nextStep := c.nextCommand(shell)

	nextStepStart := journey.MonotonicUsecNow()
	c.WorkDir.RecordStepComplete(c.Step, journey.StatePerformed, c.StartTimeUsec)
	c.WorkDir.RecordStepInProgress(nextStep)

	path, err := exec.LookPath(argv[0])
	if err == nil {
		err = execve(path, argv, os.Environ())
	}

	// Only reached when the exec failed.
	f := c.osFatal(fmt.Sprintf("Unable to execute command '%s': %v",
		strings.Join(argv, " "), err))
	f.hasNextStep = true
	f.nextStep = nextStep
	f.nextStepStartUsec = nextStepStart
	return f
}
