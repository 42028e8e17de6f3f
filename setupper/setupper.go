// Package setupper implements the spawn-env-setupper: the small program
// that runs inside a freshly forked child to do everything that is
// forbidden between fork and exec in a multi-threaded parent — account
// database lookups, ulimits, privilege dropping, chdir, environment
// mutation, and optionally a trip through the user's login shell —
// before exec'ing the application.
//
// It runs in two stages selected on the command line: --before executes
// as root (when user switching is configured), drops privileges, and
// either execs the user's shell with the --after stage as its payload or
// execs --after directly; --after finalizes the environment and execs
// the application. Progress and failures are reported to the
// orchestrator through the spawn work directory; the setupper never
// exits 0 (it either execs or exits 1).
package setupper

import (
	"fmt"
	"os"

	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/types"
	"github.com/foundry-server/foundry/workdir"
)

// Mode selects the setupper stage.
type Mode int

const (
	// BeforeMode runs before the optional OS shell exec.
	BeforeMode Mode = iota
	// AfterMode runs after it, immediately before the app exec.
	AfterMode
)

// EnterLVEJail, when non-nil, jails the child into an LVE resource
// container before user switching. It is nil on systems without LVE
// support, in which case jailing is skipped silently. A non-nil hook
// returning an error is fatal.
var EnterLVEJail func(userInfo *Passwd) error

// Context carries one setupper invocation.
type Context struct {
	WorkDir       *workdir.Dir
	Mode          Mode
	Args          *workdir.Args
	Step          journey.Step
	StartTimeUsec uint64
}

// fatal is a terminal setupper failure: everything needed to write the
// response/error files before exit(1).
type fatal struct {
	category     types.ErrorCategory
	summary      string
	problemHTML  string
	solutionHTML string
	// nextStep is set when the failure happened while handing off to the
	// next journey step (the exec itself failed).
	hasNextStep       bool
	nextStep          journey.Step
	nextStepStartUsec uint64
}

func (c *Context) osFatal(summary string) *fatal {
	return &fatal{category: types.ErrorCategoryOperatingSystem, summary: summary}
}

func (c *Context) internalFatal(summary string) *fatal {
	return &fatal{category: types.ErrorCategoryInternal, summary: summary}
}

// Run executes one setupper stage. It returns only on failure, with exit
// code 1; on success the process image has been replaced by exec.
func Run(workDirPath string, mode Mode) int {
	c := &Context{
		WorkDir:       workdir.Open(workDirPath),
		Mode:          mode,
		StartTimeUsec: journey.MonotonicUsecNow(),
	}
	if mode == BeforeMode {
		c.Step = journey.StepSubprocessEnvSetupperBeforeShell
	} else {
		c.Step = journey.StepSubprocessEnvSetupperAfterShell
	}

	_ = os.Setenv("IN_PASSENGER", "1")
	_ = os.Setenv("PASSENGER_SPAWN_WORK_DIR", workDirPath)

	c.WorkDir.RecordStepComplete(journey.StepSubprocessBeforeFirstExec,
		journey.StatePerformed, c.StartTimeUsec)
	c.WorkDir.RecordStepInProgress(c.Step)

	args, err := c.WorkDir.ReadArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		c.fail(c.internalFatal(err.Error()))
		return 1
	}
	c.Args = args

	if f := c.run(); f != nil {
		c.fail(f)
		return 1
	}

	// Unreachable: run either execs or reports a fatal.
	c.fail(c.internalFatal("*** BUG IN the spawn-env-setupper ***: end of Run() reached"))
	return 1
}

func (c *Context) run() *fatal {
	c.dumpAllEnvironmentInfo()

	shouldSwitchUser := c.Args.User != "" && os.Geteuid() == 0
	var shell string

	if c.Mode == BeforeMode {
		var userInfo *Passwd
		var uid, gid int

		c.setDefaultEnvvars()
		c.dumpEnvvars()

		if shouldSwitchUser {
			var f *fatal
			uid, userInfo, gid, f = c.lookupUserGroup()
			if f != nil {
				return f
			}
			if userInfo != nil {
				shell = userInfo.Shell
			} else {
				shell = "/bin/sh"
			}
		} else {
			shell = lookupCurrentUserShell()
		}

		if c.setUlimits() {
			c.dumpUlimits()
		}

		if shouldSwitchUser {
			if f := c.enterLveJail(userInfo); f != nil {
				return f
			}
			if f := c.switchGroup(userInfo, gid); f != nil {
				return f
			}
			c.dumpUserInfo()

			if f := c.switchUser(uid, userInfo); f != nil {
				return f
			}
			c.dumpEnvvars()
			c.dumpUserInfo()
		}
	}

	if f := c.setCurrentWorkingDirectory(); f != nil {
		return f
	}
	c.dumpEnvvars()

	if c.Mode == AfterMode {
		c.setDefaultEnvvars()
		c.setGivenEnvVars()
		c.dumpEnvvars()
	}

	return c.execNextCommand(shell)
}

func (c *Context) enterLveJail(userInfo *Passwd) *fatal {
	if EnterLVEJail == nil {
		// LVE is unavailable on this system.
		return nil
	}
	if err := EnterLVEJail(userInfo); err != nil {
		return c.internalFatal("enterLve() failed: " + err.Error())
	}
	return nil
}

// fail records a fatal error into the work directory and on stderr.
func (c *Context) fail(f *fatal) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", f.summary)

	if f.hasNextStep {
		c.WorkDir.RecordStepComplete(f.nextStep, journey.StateErrored, f.nextStepStartUsec)
	} else {
		c.WorkDir.RecordStepComplete(c.Step, journey.StateErrored, c.StartTimeUsec)
	}
	c.WorkDir.RecordErrorCategory(f.category)
	c.WorkDir.RecordErrorSummary(f.summary, f.problemHTML == "")
	if f.problemHTML != "" {
		c.WorkDir.RecordProblemDescriptionHTML(f.problemHTML)
	}
	if f.solutionHTML != "" {
		c.WorkDir.RecordSolutionDescriptionHTML(f.solutionHTML)
	}
}
