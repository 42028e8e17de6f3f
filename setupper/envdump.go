package setupper

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// The env dumps are pure diagnostics: they give the error page renderer
// a picture of the environment at several points of the setup sequence.
// None of them may fail the spawn, so errors go to stderr and are
// otherwise dropped. Dumps are repeated as the environment evolves; each
// overwrite reflects the latest state.

func (c *Context) dumpAllEnvironmentInfo() {
	c.dumpEnvvars()
	c.dumpUserInfo()
	c.dumpUlimits()
}

// dumpEnvvars writes the current environment, one KEY=value per line.
func (c *Context) dumpEnvvars() {
	var b strings.Builder
	for _, entry := range os.Environ() {
		b.WriteString(entry)
		b.WriteByte('\n')
	}
	c.writeDump("envvars", []byte(b.String()))
}

// dumpUserInfo captures the output of id(1).
func (c *Context) dumpUserInfo() {
	out, err := exec.Command("id").CombinedOutput()
	if err != nil {
		warnf("cannot run id: %v", err)
		return
	}
	c.writeDump("user_info", out)
}

// dumpUlimits captures `ulimit -a`. ulimit is a shell builtin, so it
// runs through sh.
func (c *Context) dumpUlimits() {
	out, err := exec.Command("/bin/sh", "-c", "ulimit -a").CombinedOutput()
	if err != nil {
		warnf("cannot run ulimit -a: %v", err)
		return
	}
	c.writeDump("ulimits", out)
}

func (c *Context) writeDump(name string, contents []byte) {
	path := filepath.Join(c.WorkDir.EnvDumpDir(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		warnf("cannot create envdump dir: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		warnf("cannot write envdump/%s: %v", name, err)
		return
	}
	_, werr := f.Write(contents)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		warnf("cannot write envdump/%s: %v", name, werr)
	}
}

// setUlimits applies the configured file descriptor limit. Returns true
// when a limit was applied (so the caller re-dumps ulimits). Failure to
// apply is reported but not fatal.
func (c *Context) setUlimits() bool {
	if c.Args.FileDescriptorUlimit == 0 {
		return false
	}
	limit := unix.Rlimit{
		Cur: uint64(c.Args.FileDescriptorUlimit),
		Max: uint64(c.Args.FileDescriptorUlimit),
	}
	var err error
	for {
		err = unix.Setrlimit(unix.RLIMIT_NOFILE, &limit)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		warnf("unable to set file descriptor ulimit to %d: %v",
			c.Args.FileDescriptorUlimit, err)
		return false
	}
	return true
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}
