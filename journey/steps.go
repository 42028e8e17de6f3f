// Package journey tracks the stages of a single spawn attempt across the
// three address spaces involved: the orchestrator, the preloader helper
// process, and the spawned subprocess itself.
//
// A Journey is a step-state machine. Which steps exist is fixed at
// construction from the journey type; each step then moves through
// NotStarted -> InProgress -> Performed or Errored, stamped with a
// monotonic clock. The resulting trace is what the error reporter renders
// when a spawn fails.
package journey

import "strings"

// Type selects the spawn strategy a journey describes. It is fixed at
// journey creation and determines the populated step set.
type Type int

const (
	// TypeSpawnDirectly is a plain fork/exec spawn without a preloader.
	TypeSpawnDirectly Type = iota
	// TypeStartPreloader is the startup of a preloader helper process.
	TypeStartPreloader
	// TypeSpawnThroughPreloader is a spawn performed by sending a fork
	// command to an already-running preloader.
	TypeSpawnThroughPreloader
)

// String returns the canonical wire name of the journey type.
func (t Type) String() string {
	switch t {
	case TypeSpawnDirectly:
		return "SPAWN_DIRECTLY"
	case TypeStartPreloader:
		return "START_PRELOADER"
	case TypeSpawnThroughPreloader:
		return "SPAWN_THROUGH_PRELOADER"
	default:
		return "UNKNOWN_JOURNEY_TYPE"
	}
}

// ParseType maps a canonical wire name back to a Type.
// The second return value reports whether the name was recognized.
func ParseType(value string) (Type, bool) {
	switch value {
	case "SPAWN_DIRECTLY":
		return TypeSpawnDirectly, true
	case "START_PRELOADER":
		return TypeStartPreloader, true
	case "SPAWN_THROUGH_PRELOADER":
		return TypeSpawnThroughPreloader, true
	default:
		return TypeSpawnDirectly, false
	}
}

// Step identifies one stage of a spawn attempt.
//
// Declaration order is part of the public contract: it orders steps
// causally (orchestrator preparation precedes the fork, the fork precedes
// the handshake, the handshake precedes subprocess work), and
// FirstFailedStep scans in this order.
type Step int

const (
	// Steps in the orchestrator.
	StepPreparation Step = iota
	StepForkSubprocess
	StepConnectToPreloader
	StepSendCommandToPreloader
	StepReadResponseFromPreloader
	StepParseResponseFromPreloader
	StepProcessResponseFromPreloader
	StepHandshakePerform
	StepFinish

	// Steps in the preloader, when spawning a worker process.
	StepPreloaderPreparation
	StepPreloaderForkSubprocess
	StepPreloaderSendResponse
	StepPreloaderFinish

	// Steps in the subprocess.
	StepSubprocessBeforeFirstExec
	StepSubprocessEnvSetupperBeforeShell
	StepSubprocessOsShell
	StepSubprocessEnvSetupperAfterShell
	StepSubprocessExecWrapper
	StepSubprocessWrapperPreparation
	StepSubprocessAppLoadOrExec
	StepSubprocessPrepareAfterForkingFromPreloader
	StepSubprocessListen
	StepSubprocessFinish

	// StepUnknown is the sentinel returned when no step applies.
	StepUnknown
)

var stepNames = map[Step]string{
	StepPreparation:                  "SPAWNER_PREPARATION",
	StepForkSubprocess:               "SPAWNER_FORK_SUBPROCESS",
	StepConnectToPreloader:           "SPAWNER_CONNECT_TO_PRELOADER",
	StepSendCommandToPreloader:       "SPAWNER_SEND_COMMAND_TO_PRELOADER",
	StepReadResponseFromPreloader:    "SPAWNER_READ_RESPONSE_FROM_PRELOADER",
	StepParseResponseFromPreloader:   "SPAWNER_PARSE_RESPONSE_FROM_PRELOADER",
	StepProcessResponseFromPreloader: "SPAWNER_PROCESS_RESPONSE_FROM_PRELOADER",
	StepHandshakePerform:             "SPAWNER_HANDSHAKE_PERFORM",
	StepFinish:                       "SPAWNER_FINISH",

	StepPreloaderPreparation:    "PRELOADER_PREPARATION",
	StepPreloaderForkSubprocess: "PRELOADER_FORK_SUBPROCESS",
	StepPreloaderSendResponse:   "PRELOADER_SEND_RESPONSE",
	StepPreloaderFinish:         "PRELOADER_FINISH",

	StepSubprocessBeforeFirstExec:        "SUBPROCESS_BEFORE_FIRST_EXEC",
	StepSubprocessEnvSetupperBeforeShell: "SUBPROCESS_SPAWN_ENV_SETUPPER_BEFORE_SHELL",
	StepSubprocessOsShell:                "SUBPROCESS_OS_SHELL",
	StepSubprocessEnvSetupperAfterShell:  "SUBPROCESS_SPAWN_ENV_SETUPPER_AFTER_SHELL",
	StepSubprocessExecWrapper:            "SUBPROCESS_EXEC_WRAPPER",
	StepSubprocessWrapperPreparation:     "SUBPROCESS_WRAPPER_PREPARATION",
	StepSubprocessAppLoadOrExec:          "SUBPROCESS_APP_LOAD_OR_EXEC",
	StepSubprocessPrepareAfterForkingFromPreloader: "SUBPROCESS_PREPARE_AFTER_FORKING_FROM_PRELOADER",
	StepSubprocessListen: "SUBPROCESS_LISTEN",
	StepSubprocessFinish: "SUBPROCESS_FINISH",
}

// String returns the canonical wire name of the step.
func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "UNKNOWN_JOURNEY_STEP"
}

// LowerName returns the step name lower-cased, which is the casing used
// for the per-step directories under <workdir>/response/steps/.
func (s Step) LowerName() string {
	return strings.ToLower(s.String())
}

// ParseStep maps a canonical wire name (either casing) back to a Step.
// Unrecognized names map to StepUnknown.
func ParseStep(value string) Step {
	upper := strings.ToUpper(value)
	for step, name := range stepNames {
		if name == upper {
			return step
		}
	}
	return StepUnknown
}

// AllSteps returns every defined step in declaration order.
func AllSteps() []Step {
	steps := make([]Step, 0, len(stepNames))
	for s := StepPreparation; s < StepUnknown; s++ {
		steps = append(steps, s)
	}
	return steps
}

// FirstSubprocessStep returns the earliest step executed inside the
// spawned subprocess.
func FirstSubprocessStep() Step { return StepSubprocessBeforeFirstExec }

// LastSubprocessStep returns the final step executed inside the spawned
// subprocess.
func LastSubprocessStep() Step { return StepSubprocessFinish }

// StepState is the lifecycle state of a single journey step.
type StepState int

const (
	// StateNotStarted: the step has not started yet. Rendered as an
	// empty placeholder.
	StateNotStarted StepState = iota
	// StateInProgress: the step is currently running. Rendered as a
	// spinner.
	StateInProgress
	// StatePerformed: the step completed successfully. Rendered as a
	// green tick.
	StatePerformed
	// StateErrored: the step failed. Rendered as a red mark.
	StateErrored
	// StateUnknown is the sentinel for unrecognized on-disk values.
	StateUnknown
)

// String returns the canonical wire name of the state.
func (s StepState) String() string {
	switch s {
	case StateNotStarted:
		return "STEP_NOT_STARTED"
	case StateInProgress:
		return "STEP_IN_PROGRESS"
	case StatePerformed:
		return "STEP_PERFORMED"
	case StateErrored:
		return "STEP_ERRORED"
	default:
		return "UNKNOWN_JOURNEY_STEP_STATE"
	}
}

// ParseStepState maps a canonical wire name back to a StepState.
// Unrecognized values parse as StateUnknown.
func ParseStepState(value string) StepState {
	switch value {
	case "STEP_NOT_STARTED":
		return StateNotStarted
	case "STEP_IN_PROGRESS":
		return StateInProgress
	case "STEP_PERFORMED":
		return StatePerformed
	case "STEP_ERRORED":
		return StateErrored
	default:
		return StateUnknown
	}
}
