// Package proc provides the low-level process plumbing the spawning
// engine needs: bounded child reaping, liveness checks that see through
// zombies, ps-based ownership queries, and FIFO opens with a deadline.
package proc

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// reapPollInterval is the WNOHANG polling cadence of TimedWaitpid.
const reapPollInterval = 10 * time.Millisecond

// TimedWaitpid behaves like waitpid(pid, WNOHANG) retried for at most
// timeout. It returns true once the child has been reaped, false when the
// timeout elapsed with the child still running.
func TimedWaitpid(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		var status syscall.WaitStatus
		ret, err := syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
		if ret > 0 || err != nil {
			// Reaped, or nothing to wait for (ECHILD counts as gone).
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(reapPollInterval)
	}
}

// KillAndWait force-kills pid and reaps it unconditionally. Used by scope
// guards on error paths, where shutdown must not be torn by cancellation.
func KillAndWait(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	var status syscall.WaitStatus
	for {
		ret, err := syscall.Wait4(pid, &status, 0, nil)
		if ret >= 0 || err != syscall.EINTR {
			return
		}
	}
}

// Exists reports whether pid names a live process. On some environments
// (e.g. containers whose init does not reap adopted children) a dead
// child lingers as a zombie and still answers kill(pid, 0); those are
// reported as gone.
func Exists(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return err != syscall.ESRCH
	}
	return !isZombie(pid)
}

func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		// Don't know; assume live.
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "State:") {
			return strings.Contains(line, "Z (zombie)")
		}
	}
	return false
}
