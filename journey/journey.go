package journey

import (
	"errors"
	"fmt"
)

// ErrStepNotInJourney is returned when a step is queried or mutated that
// the journey's type did not populate.
var ErrStepNotInJourney = errors.New("step is not part of this journey")

// ErrInvalidTransition is returned when a state change violates the
// transition rules and force was not set.
var ErrInvalidTransition = errors.New("invalid journey step transition")

// StepInfo is the recorded state of a single step.
type StepInfo struct {
	State StepState
	// StartTimeUsec and EndTimeUsec are monotonic clock readings taken at
	// the first transition to InProgress and to a terminal state. Zero
	// means the transition has not happened.
	StartTimeUsec uint64
	EndTimeUsec   uint64
}

// DurationUsec returns how long the step ran. Steps whose duration was
// injected via SetStepExecutionDuration have a zero start time, making
// the end time the duration itself.
func (i StepInfo) DurationUsec() uint64 {
	if i.EndTimeUsec < i.StartTimeUsec {
		return 0
	}
	return i.EndTimeUsec - i.StartTimeUsec
}

// Journey records the step trace of one spawn attempt. It is not safe for
// concurrent use; the owning session serializes access.
type Journey struct {
	typ          Type
	usingWrapper bool
	steps        map[Step]*StepInfo
}

// New creates a journey of the given type with its step set populated.
// usingWrapper adds the wrapper steps to the direct and preloader-start
// journeys; it has no effect on spawn-through-preloader journeys, whose
// subprocess inherits the preloader's already-loaded state.
func New(typ Type, usingWrapper bool) *Journey {
	j := &Journey{
		typ:          typ,
		usingWrapper: usingWrapper,
		steps:        make(map[Step]*StepInfo),
	}
	for _, step := range stepsForType(typ, usingWrapper) {
		j.steps[step] = &StepInfo{}
	}
	return j
}

// stepsForType is the data-driven step population table.
func stepsForType(typ Type, usingWrapper bool) []Step {
	switch typ {
	case TypeSpawnThroughPreloader:
		return []Step{
			StepPreparation,
			StepConnectToPreloader,
			StepSendCommandToPreloader,
			StepReadResponseFromPreloader,
			StepParseResponseFromPreloader,
			StepProcessResponseFromPreloader,
			StepHandshakePerform,
			StepFinish,

			StepPreloaderPreparation,
			StepPreloaderForkSubprocess,
			StepPreloaderSendResponse,
			StepPreloaderFinish,

			StepSubprocessPrepareAfterForkingFromPreloader,
			StepSubprocessListen,
			StepSubprocessFinish,
		}
	default: // TypeSpawnDirectly and TypeStartPreloader share a shape.
		steps := []Step{
			StepPreparation,
			StepForkSubprocess,
			StepHandshakePerform,
			StepFinish,

			StepSubprocessBeforeFirstExec,
			StepSubprocessEnvSetupperBeforeShell,
			StepSubprocessOsShell,
			StepSubprocessEnvSetupperAfterShell,
		}
		if usingWrapper {
			steps = append(steps,
				StepSubprocessExecWrapper,
				StepSubprocessWrapperPreparation,
			)
		}
		return append(steps,
			StepSubprocessAppLoadOrExec,
			StepSubprocessListen,
			StepSubprocessFinish,
		)
	}
}

// Type returns the journey type fixed at creation.
func (j *Journey) Type() Type { return j.typ }

// UsingWrapper reports whether the wrapper steps were populated.
func (j *Journey) UsingWrapper() bool { return j.usingWrapper }

// HasStep reports whether the journey's type populated the given step.
func (j *Journey) HasStep(step Step) bool {
	_, ok := j.steps[step]
	return ok
}

// StepInfo returns the recorded state of a step.
func (j *Journey) StepInfo(step Step) (StepInfo, error) {
	info, ok := j.steps[step]
	if !ok {
		return StepInfo{}, fmt.Errorf("%w: %s", ErrStepNotInJourney, step)
	}
	return *info, nil
}

// FirstFailedStep returns the earliest errored step in declaration order,
// or StepUnknown when no step is errored.
func (j *Journey) FirstFailedStep() Step {
	for _, step := range AllSteps() {
		if info, ok := j.steps[step]; ok && info.State == StateErrored {
			return step
		}
	}
	return StepUnknown
}

func (j *Journey) stepInfoMutable(step Step) (*StepInfo, error) {
	info, ok := j.steps[step]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotInJourney, step)
	}
	return info, nil
}

// SetStepNotStarted resets a step, discarding its start time. Without
// force only an untouched step may be "reset" (a no-op); force permits
// the reset from any state, which is how the preloader-crash retry
// cleans its orchestrator steps.
func (j *Journey) SetStepNotStarted(step Step, force bool) error {
	info, err := j.stepInfoMutable(step)
	if err != nil {
		return err
	}
	if info.State == StateNotStarted || force {
		info.State = StateNotStarted
		info.StartTimeUsec = 0
		return nil
	}
	return fmt.Errorf("%w: cannot reset step %s from state %s",
		ErrInvalidTransition, step, info.State)
}

// SetStepInProgress starts a step, stamping the start time on the first
// transition. Idempotent when already in progress.
func (j *Journey) SetStepInProgress(step Step, force bool) error {
	info, err := j.stepInfoMutable(step)
	if err != nil {
		return err
	}
	switch {
	case info.State == StateInProgress:
		return nil
	case info.State == StateNotStarted || force:
		info.State = StateInProgress
		// A forced restart must not overwrite the original timing.
		if info.EndTimeUsec == 0 {
			info.StartTimeUsec = MonotonicUsecNow()
		}
		return nil
	default:
		return fmt.Errorf("%w: cannot start step %s from state %s",
			ErrInvalidTransition, step, info.State)
	}
}

// SetStepPerformed completes a step successfully. It is deliberately
// permissive: completion is accepted from every state, Errored included, so a
// step whose InProgress transition was recorded in another address space
// can still be closed out here. Idempotent when already performed.
func (j *Journey) SetStepPerformed(step Step) error {
	info, err := j.stepInfoMutable(step)
	if err != nil {
		return err
	}
	if info.State == StatePerformed {
		return nil
	}
	info.State = StatePerformed
	if info.EndTimeUsec == 0 {
		info.EndTimeUsec = MonotonicUsecNow()
	}
	return nil
}

// SetStepErrored fails a step. Allowed from InProgress; force permits it
// from any state. Idempotent when already errored.
func (j *Journey) SetStepErrored(step Step, force bool) error {
	info, err := j.stepInfoMutable(step)
	if err != nil {
		return err
	}
	switch {
	case info.State == StateErrored:
		return nil
	case info.State == StateInProgress || force:
		info.State = StateErrored
		if info.EndTimeUsec == 0 {
			info.EndTimeUsec = MonotonicUsecNow()
		}
		return nil
	default:
		return fmt.Errorf("%w: cannot fail step %s from state %s",
			ErrInvalidTransition, step, info.State)
	}
}

// SetStepExecutionDuration injects an externally measured duration for a
// step whose timing was recorded in another address space (the subprocess
// reports durations through the work directory).
func (j *Journey) SetStepExecutionDuration(step Step, usec uint64) error {
	info, err := j.stepInfoMutable(step)
	if err != nil {
		return err
	}
	info.StartTimeUsec = 0
	info.EndTimeUsec = usec
	return nil
}
