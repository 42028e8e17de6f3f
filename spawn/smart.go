package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/foundry-server/foundry/adapter"
	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/log"
	"github.com/foundry-server/foundry/metrics"
	"github.com/foundry-server/foundry/proc"
	"github.com/foundry-server/foundry/types"
)

// preloaderHandle aggregates everything that exists exactly when a
// preloader is running. Holding it as a single optional value is what
// keeps the invariant "pid set <=> socket address set <=> stdin open"
// from drifting under ad-hoc field mutation.
type preloaderHandle struct {
	pid           int
	socketAddress string
	stdin         *os.File
	stdoutAndErr  *os.File
	watcher       *BackgroundIOCapturer
	annotations   map[string]string
}

// SmartSpawner spawns application processes through a long-lived
// preloader helper: the preloader loads the application once, then forks
// cheap copies on command. The spawner starts the preloader lazily,
// serializes fork commands to it, verifies the identity of every child
// it claims to have produced, and restarts it once per spawn attempt
// when it crashes.
type SmartSpawner struct {
	settings         Settings
	options          types.AppOptions
	preloaderCommand []string

	// syncher guards preloader lifecycle and spawn calls.
	syncher sync.Mutex
	// simpleFieldSyncher guards preloader and lastUsedUsec. Lock order
	// is always syncher before simpleFieldSyncher; neither is held
	// across blocking I/O except when that I/O is the serialized
	// operation itself.
	simpleFieldSyncher sync.Mutex
	preloader          *preloaderHandle
	lastUsedUsec       uint64

	collector *metrics.Collector
	mcol      proc.MetricsCollector
	logger    *log.Logger
}

// NewSmartSpawner creates a spawner for one application. The preloader
// is not started until the first Spawn call.
func NewSmartSpawner(settings Settings, options *types.AppOptions) (*SmartSpawner, error) {
	if len(options.PreloaderCommand) < 2 {
		return nil, errors.New("smart spawner: preloader command must have at least 2 elements")
	}
	opts := *options
	opts.PreloaderCommand = append([]string(nil), options.PreloaderCommand...)
	opts.Environment = make(map[string]string, len(options.Environment))
	for k, v := range options.Environment {
		opts.Environment[k] = v
	}

	return &SmartSpawner{
		settings:         settings.withDefaults(),
		options:          opts,
		preloaderCommand: opts.PreloaderCommand,
		lastUsedUsec:     wallClockUsec(),
		collector:        metrics.NewCollector(opts.AppRoot, "smart"),
		logger: log.NewLogger(log.SpawnContext{
			AppRoot:     opts.AppRoot,
			JourneyType: journey.TypeSpawnThroughPreloader.String(),
		}),
	}, nil
}

func wallClockUsec() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (s *SmartSpawner) touchLastUsed() {
	s.simpleFieldSyncher.Lock()
	s.lastUsedUsec = wallClockUsec()
	s.simpleFieldSyncher.Unlock()
}

// LastUsedUsec returns the wall-clock microsecond timestamp of the last
// Spawn or Cleanup call.
func (s *SmartSpawner) LastUsedUsec() uint64 {
	s.simpleFieldSyncher.Lock()
	defer s.simpleFieldSyncher.Unlock()
	return s.lastUsedUsec
}

// PreloaderPid returns the running preloader's pid, or -1.
func (s *SmartSpawner) PreloaderPid() int {
	s.simpleFieldSyncher.Lock()
	defer s.simpleFieldSyncher.Unlock()
	if s.preloader == nil {
		return -1
	}
	return s.preloader.pid
}

// Metrics returns a snapshot of this spawner's counters.
func (s *SmartSpawner) Metrics() metrics.Snapshot {
	return s.collector.Snapshot()
}

func (s *SmartSpawner) handle() *preloaderHandle {
	s.simpleFieldSyncher.Lock()
	defer s.simpleFieldSyncher.Unlock()
	return s.preloader
}

func (s *SmartSpawner) setHandle(h *preloaderHandle) {
	if h != nil && (h.pid <= 0 || h.socketAddress == "" || h.stdin == nil) {
		// All three or none; reaching this is a bug, not an input error.
		panic(fmt.Sprintf("preloader handle invariant violated: pid=%d addr=%q stdin=%v",
			h.pid, h.socketAddress, h.stdin != nil))
	}
	s.simpleFieldSyncher.Lock()
	s.preloader = h
	s.simpleFieldSyncher.Unlock()
}

// addPreloaderAnnotations attaches the preloader's env-dump annotations
// to an error without overwriting call-site annotations.
func (s *SmartSpawner) addPreloaderAnnotations(e *Error) {
	s.simpleFieldSyncher.Lock()
	defer s.simpleFieldSyncher.Unlock()
	if s.preloader == nil {
		return
	}
	for name, value := range s.preloader.annotations {
		e.SetAnnotation(name, value, false)
	}
}

// Spawn produces a running application process through the preloader,
// starting the preloader first if needed. Thread-safe; concurrent calls
// are serialized.
func (s *SmartSpawner) Spawn(opts *types.AppOptions) (*types.Result, error) {
	s.touchLastUsed()
	s.syncher.Lock()
	defer s.syncher.Unlock()

	s.collector.IncSpawnStarted()
	start := time.Now()

	result, err := s.spawnLocked(opts)
	if err != nil {
		s.collector.IncSpawnFailed()
		s.publishEvent(nil, err, time.Since(start))
		s.archiveFailure(err)
		return nil, err
	}
	s.collector.IncSpawnSucceeded()
	s.publishEvent(result, nil, time.Since(start))
	return result, nil
}

func (s *SmartSpawner) spawnLocked(opts *types.AppOptions) (*types.Result, error) {
	s.logger.Debug("spawning new process", map[string]any{"app_root": s.options.AppRoot})

	if s.handle() == nil {
		if err := s.startPreloader(); err != nil {
			return nil, err
		}
	}

	config, err := NewConfig(opts, s.settings)
	if err != nil {
		j := journey.New(journey.TypeSpawnThroughPreloader, true)
		_ = j.SetStepErrored(journey.StepPreparation, true)
		e := WrapError(err, j, nil)
		s.addPreloaderAnnotations(e)
		return nil, e.Finalize()
	}
	config.SpawnMethod = "smart"

	session, err := NewSession(config, journey.TypeSpawnThroughPreloader)
	if err != nil {
		j := journey.New(journey.TypeSpawnThroughPreloader, true)
		_ = j.SetStepErrored(journey.StepPreparation, true)
		e := WrapError(err, j, config)
		s.addPreloaderAnnotations(e)
		return nil, e.Finalize()
	}
	defer session.Close()

	_ = session.StepInProgress(journey.StepPreparation)

	result, err := s.spawnThroughPreloader(session)
	if err != nil {
		if e, ok := AsSpawnError(err); ok {
			s.addPreloaderAnnotations(e)
			return nil, e
		}
		_ = session.StepErrored(journey.StepPreparation, true)
		e := WrapError(err, session.Journey, config)
		s.addPreloaderAnnotations(e)
		return nil, e.Finalize()
	}
	return result, nil
}

func (s *SmartSpawner) spawnThroughPreloader(session *Session) (*types.Result, error) {
	if err := session.Prepare(); err != nil {
		return nil, err
	}
	_ = session.StepPerformed(journey.StepPreparation)

	forked, err := s.invokeForkCommand(session)
	if err != nil {
		return nil, err
	}

	guard := newPidGuard(forked.pid)
	defer guard.Run()
	defer forked.closeFiles()

	s.logger.Debug("process forked by preloader", map[string]any{"pid": forked.pid})

	if err := session.Perform(forked.pid, forked.capturer); err != nil {
		return nil, err
	}
	guard.Release()
	_ = session.StepPerformed(journey.StepHandshakePerform)

	s.logger.Info("process spawning done", map[string]any{"pid": forked.pid})
	return &types.Result{Pid: forked.pid, Sockets: session.Result.Sockets}, nil
}

// Cleanup stops the preloader if it is running. The spawner stays
// usable: the next Spawn starts a fresh preloader.
func (s *SmartSpawner) Cleanup() {
	s.touchLastUsed()
	s.syncher.Lock()
	defer s.syncher.Unlock()
	if err := s.stopPreloader(); err != nil {
		s.logger.Warn("error stopping preloader during cleanup", map[string]any{
			"error": err.Error(),
		})
	}
}

// publishEvent delivers the spawn outcome to the configured event sink,
// best-effort.
func (s *SmartSpawner) publishEvent(result *types.Result, spawnErr error, elapsed time.Duration) {
	if s.settings.EventSink == nil {
		return
	}

	event := &adapter.SpawnEvent{
		ContractVersion: types.Version,
		AppRoot:         s.options.AppRoot,
		AppEnv:          s.options.AppEnv,
		SpawnMethod:     "smart",
		JourneyType:     journey.TypeSpawnThroughPreloader.String(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		DurationMs:      elapsed.Milliseconds(),
	}
	if spawnErr == nil {
		event.EventType = adapter.EventTypeSpawnSucceeded
		event.Pid = result.Pid
		event.PreloaderPid = s.PreloaderPid()
		event.SocketCount = len(result.Sockets)
	} else {
		event.EventType = adapter.EventTypeSpawnFailed
		event.ErrorSummary = spawnErr.Error()
		if e, ok := AsSpawnError(spawnErr); ok {
			event.ErrorCategory = e.Category().String()
			if j, rerr := journey.RebuildFromJSON(e.JourneySnapshot()); rerr == nil {
				event.FirstFailedStep = j.FirstFailedStep().String()
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.settings.EventSink.Publish(ctx, event); err != nil {
		s.logger.Warn("spawn event publish failed", map[string]any{"error": err.Error()})
	}
}

// archiveFailure stores a post-mortem report for a failed spawn,
// best-effort.
func (s *SmartSpawner) archiveFailure(spawnErr error) {
	if s.settings.ReportArchiver == nil {
		return
	}
	e, ok := AsSpawnError(spawnErr)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, err := s.settings.ReportArchiver.ArchiveFailure(ctx, e, s.options.AppRoot, s.options.AppEnv)
	if err != nil {
		s.logger.Warn("failure report archive failed", map[string]any{"error": err.Error()})
		return
	}
	s.logger.Debug("failure report archived", map[string]any{"key": key})
}

// pidGuard kills and reaps a child unless released. Shutdown inside the
// guard is non-interruptible so error-path cleanup cannot be torn.
type pidGuard struct {
	pid      int
	released bool
}

func newPidGuard(pid int) *pidGuard { return &pidGuard{pid: pid} }

// Release disarms the guard; call on the success path only.
func (g *pidGuard) Release() { g.released = true }

// Run kills and reaps the guarded pid if the guard is still armed.
func (g *pidGuard) Run() {
	if g.released {
		return
	}
	proc.KillAndWait(g.pid)
}

var _ Spawner = (*SmartSpawner)(nil)
