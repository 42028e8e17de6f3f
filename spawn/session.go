package spawn

import (
	"fmt"

	"github.com/foundry-server/foundry/journal"
	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/log"
	"github.com/foundry-server/foundry/types"
	"github.com/foundry-server/foundry/workdir"
)

// Session owns everything one handshake needs: the frozen config, the
// journey, the work directory, the resolved target uid, the remaining
// deadline, and the accumulating result. It is a scoped resource: Close
// must run on every exit path.
type Session struct {
	Config  *Config
	Journey *journey.Journey
	WorkDir *workdir.Dir
	// UID is the uid the spawned process must run as, resolved by
	// Prepare. -1 until then.
	UID      int
	Deadline *Deadline
	Result   types.Result
	Logger   *log.Logger

	journal *journal.Writer
	closed  bool
}

// NewSession creates the work directory and the journey for one spawn
// attempt.
func NewSession(config *Config, typ journey.Type) (*Session, error) {
	wd, err := workdir.New()
	if err != nil {
		return nil, err
	}

	logger := log.NewLogger(log.SpawnContext{
		AppRoot:     config.AppRoot,
		JourneyType: typ.String(),
		WorkDir:     wd.Path(),
	})

	s := &Session{
		Config:   config,
		Journey:  journey.New(typ, config.StartsUsingWrapper),
		WorkDir:  wd,
		UID:      -1,
		Deadline: NewDeadline(config.SpawnTimeout),
		Logger:   logger,
	}

	// Losing the journal never fails a spawn.
	if jw, err := journal.NewWriter(wd.JournalPath()); err == nil {
		s.journal = jw
	} else {
		logger.Warn("cannot create spawn journal", map[string]any{"error": err.Error()})
	}
	return s, nil
}

// Close releases the session's resources: the journal is closed and the
// work directory removed. Idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if err := s.WorkDir.Remove(); err != nil {
		s.Logger.Warn("cannot remove spawn work dir", map[string]any{"error": err.Error()})
	}
}

func (s *Session) record(step journey.Step, state journey.StepState, forced bool) {
	if s.journal == nil {
		return
	}
	err := s.journal.Append(journal.Record{
		Step:   step.String(),
		State:  state.String(),
		AtUsec: journey.MonotonicUsecNow(),
		Forced: forced,
	})
	if err != nil {
		s.Logger.Debug("journal append failed", map[string]any{"error": err.Error()})
	}
}

// StepInProgress advances a journey step and journals the transition.
func (s *Session) StepInProgress(step journey.Step) error {
	if err := s.Journey.SetStepInProgress(step, false); err != nil {
		return err
	}
	s.record(step, journey.StateInProgress, false)
	return nil
}

// StepPerformed completes a journey step and journals the transition.
func (s *Session) StepPerformed(step journey.Step) error {
	if err := s.Journey.SetStepPerformed(step); err != nil {
		return err
	}
	s.record(step, journey.StatePerformed, false)
	return nil
}

// StepErrored fails a journey step and journals the transition.
func (s *Session) StepErrored(step journey.Step, force bool) error {
	if err := s.Journey.SetStepErrored(step, force); err != nil {
		return err
	}
	s.record(step, journey.StateErrored, force)
	return nil
}

// StepNotStarted resets a journey step and journals the transition.
// Used by the preloader crash retry.
func (s *Session) StepNotStarted(step journey.Step, force bool) error {
	if err := s.Journey.SetStepNotStarted(step, force); err != nil {
		return err
	}
	s.record(step, journey.StateNotStarted, force)
	return nil
}

func (s *Session) String() string {
	return fmt.Sprintf("spawn session (%s, %s)", s.Journey.Type(), s.WorkDir.Path())
}
