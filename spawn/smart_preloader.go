package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/foundry-server/foundry/journey"
	"github.com/foundry-server/foundry/proc"
	"github.com/foundry-server/foundry/types"
)

// startPreloader launches the preloader helper and handshakes with it.
// Caller holds syncher. On success the preloader handle is installed; on
// failure the forked child, if any, has been killed and reaped.
func (s *SmartSpawner) startPreloader() error {
	if s.handle() != nil {
		return nil
	}
	s.logger.Debug("spawning new preloader", map[string]any{"app_root": s.options.AppRoot})

	config, err := s.preloaderConfig()
	if err != nil {
		j := journey.New(journey.TypeSpawnThroughPreloader, true)
		_ = j.SetStepErrored(journey.StepPreparation, true)
		return WrapError(err, j, nil).Finalize()
	}

	session, err := NewSession(config, journey.TypeStartPreloader)
	if err != nil {
		j := journey.New(journey.TypeStartPreloader, config.StartsUsingWrapper)
		_ = j.SetStepErrored(journey.StepPreparation, true)
		return WrapError(err, j, config).Finalize()
	}
	defer session.Close()

	_ = session.StepInProgress(journey.StepPreparation)

	if err := s.internalStartPreloader(session); err != nil {
		if _, ok := AsSpawnError(err); ok {
			return err
		}
		_ = session.StepErrored(journey.StepPreparation, true)
		return WrapError(err, session.Journey, config).Finalize()
	}
	return nil
}

// preloaderConfig freezes the spawner's options into a preloader start
// configuration: the start command becomes the preloader command.
func (s *SmartSpawner) preloaderConfig() (*Config, error) {
	opts := s.options
	opts.StartCommand = ShellJoin(s.preloaderCommand)
	config, err := NewConfig(&opts, s.settings)
	if err != nil {
		return nil, err
	}
	config.SpawnMethod = "smart"
	return config, nil
}

func (s *SmartSpawner) internalStartPreloader(session *Session) error {
	if err := session.Prepare(); err != nil {
		return err
	}

	// Two anonymous pipes: the preloader's stdin (closing it later asks
	// the preloader to exit) and its joined stdout+stderr.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create preloader stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return fmt.Errorf("create preloader output pipe: %w", err)
	}

	exitLve := func() {}
	if s.settings.EnterLVE != nil {
		exitLve, err = s.settings.EnterLVE(session.UID, session.Config.LveMinUID)
		if err != nil {
			closeAll(stdinR, stdinW, outR, outW)
			return fmt.Errorf("enter LVE container: %w", err)
		}
	}

	_ = session.StepPerformed(journey.StepPreparation)
	_ = session.StepInProgress(journey.StepForkSubprocess)
	_ = session.StepInProgress(journey.StepSubprocessBeforeFirstExec)

	cmd := exec.Command(session.Config.AgentPath,
		"spawn-env-setupper", session.WorkDir.Path(), "--before")
	cmd.Stdin = stdinR
	cmd.Stdout = outW
	cmd.Stderr = outW
	// New session: detach from the controlling terminal. exec resets
	// signal dispositions on its own.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	startErr := cmd.Start()
	closeAll(stdinR, outW) // child-side ends
	exitLve()

	if startErr != nil {
		closeAll(stdinW, outR)
		_ = session.StepErrored(journey.StepForkSubprocess, false)
		e := NewError(types.ErrorCategoryOperatingSystem, session.Journey, session.Config)
		e.SetSummary("Cannot fork a new process: " + startErr.Error())
		e.SetAdvancedProblemDetails("Cannot fork a new process: " + startErr.Error())
		return e.Finalize()
	}

	pid := cmd.Process.Pid
	// The spawner reaps by pid via syscalls from here on; release the
	// handle so the Go runtime does not race us for the wait status.
	_ = cmd.Process.Release()

	_ = session.StepPerformed(journey.StepForkSubprocess)

	guard := newPidGuard(pid)
	defer guard.Run()
	defer func() {
		if !guard.released {
			closeAll(stdinW, outR)
		}
	}()

	s.logger.Debug("preloader process forked", map[string]any{"pid": pid})

	// The watcher doubles as the handshake's output capture and keeps
	// logging preloader output for its whole lifetime.
	watcher := NewPipeWatcher(outR, s.logger, pid)
	watcher.Start()

	if err := session.Perform(pid, watcher); err != nil {
		return err
	}

	socketAddress := session.Result.PreloaderAddress()
	if socketAddress == "" {
		_ = session.StepErrored(journey.StepHandshakePerform, true)
		e := NewError(types.ErrorCategoryInternal, session.Journey, session.Config)
		e.SetSummary("The preloader process did not advertise a command socket")
		e.SetProblemDescriptionHTML(
			"<p>The Foundry application server started a helper process" +
				" that we call a \"preloader\", but the preloader's startup" +
				" response did not contain a command socket address.</p>")
		e.SetStdoutAndErrData(watcher.Data())
		return e.Finalize()
	}

	s.setHandle(&preloaderHandle{
		pid:           pid,
		socketAddress: socketAddress,
		stdin:         stdinW,
		stdoutAndErr:  outR,
		watcher:       watcher,
		annotations:   session.WorkDir.LoadAnnotations(),
	})

	guard.Release()
	_ = session.StepPerformed(journey.StepHandshakePerform)
	s.collector.IncPreloaderStart()

	s.logger.Info("preloader started", map[string]any{
		"pid":     pid,
		"address": socketAddress,
	})
	return nil
}

// stopPreloader closes the preloader's stdin, waits for a graceful exit,
// and kills it after the grace period. Caller holds syncher. No-op when
// no preloader is running.
func (s *SmartSpawner) stopPreloader() error {
	h := s.handle()
	if h == nil {
		return nil
	}

	closeErr := h.stdin.Close()
	if closeErr != nil && !isAlreadyClosed(closeErr) {
		// A stdin that cannot be closed is a stop failure: the
		// preloader would never see its exit signal.
		return fmt.Errorf("close preloader stdin: %w", closeErr)
	}

	if !proc.TimedWaitpid(h.pid, s.settings.PreloaderStopGrace) {
		s.logger.Debug("preloader did not exit in time, killing it", map[string]any{
			"pid": h.pid,
		})
		proc.KillAndWait(h.pid)
	}

	// Delete the socket file after the process has exited; unlinking
	// earlier races the kernel.
	if network, path := parseSocketAddress(h.socketAddress); network == "unix" {
		_ = os.Remove(path)
	}

	_ = h.stdoutAndErr.Close()
	s.setHandle(nil)
	s.collector.IncPreloaderStop()
	s.logger.Debug("preloader stopped", map[string]any{"pid": h.pid})
	return nil
}

func isAlreadyClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "file already closed")
}

// parseSocketAddress splits "unix:/path" or "tcp://host:port" into a
// network and a dial address. Bare host:port defaults to tcp.
func parseSocketAddress(address string) (network, addr string) {
	switch {
	case strings.HasPrefix(address, "unix:"):
		return "unix", strings.TrimPrefix(address, "unix:")
	case strings.HasPrefix(address, "tcp://"):
		return "tcp", strings.TrimPrefix(address, "tcp://")
	default:
		return "tcp", address
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
