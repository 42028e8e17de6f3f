package setupper

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Passwd is the slice of an account database entry the setupper needs.
// os/user does not expose the login shell, so entries are read from
// /etc/passwd directly.
type Passwd struct {
	Name  string
	UID   int
	GID   int
	Home  string
	Shell string
}

// passwdPath is overridable for tests.
var passwdPath = "/etc/passwd"

// LookupPasswd finds an account database entry by name.
func LookupPasswd(name string) (*Passwd, error) {
	return scanPasswd(func(p *Passwd) bool { return p.Name == name })
}

// LookupPasswdByUID finds an account database entry by uid.
func LookupPasswdByUID(uid int) (*Passwd, error) {
	return scanPasswd(func(p *Passwd) bool { return p.UID == uid })
}

func scanPasswd(match func(*Passwd) bool) (*Passwd, error) {
	data, err := os.ReadFile(passwdPath)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		uid, uerr := strconv.Atoi(fields[2])
		gid, gerr := strconv.Atoi(fields[3])
		if uerr != nil || gerr != nil {
			continue
		}
		entry := &Passwd{
			Name:  fields[0],
			UID:   uid,
			GID:   gid,
			Home:  fields[5],
			Shell: fields[6],
		}
		if match(entry) {
			return entry, nil
		}
	}
	return nil, user.UnknownUserError("no matching passwd entry")
}

// looksLikePositiveNumber reports whether value is non-empty and
// entirely decimal digits.
func looksLikePositiveNumber(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// lookupUserGroup resolves the configured user and group. A lookup
// failure on a numeric-looking name degrades to parsing the number with
// a warning; on anything else it is fatal.
func (c *Context) lookupUserGroup() (uid int, userInfo *Passwd, gid int, f *fatal) {
	userName := c.Args.User
	userInfo, err := LookupPasswd(userName)
	if err != nil {
		if looksLikePositiveNumber(userName) {
			fmt.Fprintf(os.Stderr,
				"Warning: error looking up system user database entry for user '%s': %v\n",
				userName, err)
			uid, _ = strconv.Atoi(userName)
		} else {
			return 0, nil, 0, c.osFatal(fmt.Sprintf(
				"Cannot lookup up system user database entry for user '%s': %v",
				userName, err))
		}
	} else {
		uid = userInfo.UID
	}

	groupName := c.Args.Group
	group, err := user.LookupGroup(groupName)
	if err != nil {
		if looksLikePositiveNumber(groupName) {
			fmt.Fprintf(os.Stderr,
				"Warning: error looking up system group database entry for group '%s': %v\n",
				groupName, err)
			gid, _ = strconv.Atoi(groupName)
		} else {
			return 0, nil, 0, c.osFatal(fmt.Sprintf(
				"Cannot lookup up system group database entry for group '%s': %v",
				groupName, err))
		}
	} else {
		gid, _ = strconv.Atoi(group.Gid)
	}

	return uid, userInfo, gid, nil
}

// ngroupsMax caps the supplementary group list passed to setgroups.
const ngroupsMax = 65536

// switchGroup installs the target group identity: the user's full
// supplementary group list, then the primary gid.
func (c *Context) switchGroup(userInfo *Passwd, gid int) *fatal {
	if userInfo != nil {
		osUser, err := user.LookupId(strconv.Itoa(userInfo.UID))
		if err != nil {
			return c.osFatal(fmt.Sprintf(
				"getgrouplist(%s, %d) failed: %v", userInfo.Name, gid, err))
		}
		groupIDs, err := osUser.GroupIds()
		if err != nil {
			return c.osFatal(fmt.Sprintf(
				"getgrouplist(%s, %d) failed: %v", userInfo.Name, gid, err))
		}
		gids := make([]int, 0, len(groupIDs)+1)
		gids = append(gids, gid)
		for _, raw := range groupIDs {
			id, err := strconv.Atoi(raw)
			if err != nil || id == gid {
				continue
			}
			gids = append(gids, id)
		}
		if len(gids) > ngroupsMax {
			gids = gids[:ngroupsMax]
		}
		if err := unix.Setgroups(gids); err != nil {
			return c.osFatal(fmt.Sprintf(
				"setgroups(%d, ...) failed: %v", len(gids), err))
		}
	}

	if err := unix.Setgid(gid); err != nil {
		return c.osFatal(fmt.Sprintf("setgid(%d) failed: %v", gid, err))
	}
	return nil
}

// switchUser drops to the target uid and rewrites the identity env vars.
// Must run before any application code; the process is still the
// single-purpose setupper here, so the global env mutation is safe.
func (c *Context) switchUser(uid int, userInfo *Passwd) *fatal {
	if err := unix.Setuid(uid); err != nil {
		return c.osFatal(fmt.Sprintf("setuid(%d) failed: %v", uid, err))
	}
	if userInfo != nil {
		_ = os.Setenv("USER", userInfo.Name)
		_ = os.Setenv("LOGNAME", userInfo.Name)
		_ = os.Setenv("SHELL", userInfo.Shell)
		_ = os.Setenv("HOME", userInfo.Home)
	} else {
		_ = os.Unsetenv("USER")
		_ = os.Unsetenv("LOGNAME")
		_ = os.Unsetenv("SHELL")
		_ = os.Unsetenv("HOME")
	}
	return nil
}

// lookupCurrentUserShell returns the invoking user's login shell,
// defaulting to /bin/sh when the account database has no answer.
func lookupCurrentUserShell() string {
	entry, err := LookupPasswdByUID(os.Getuid())
	if err != nil {
		fmt.Fprintf(os.Stderr,
			"Warning: cannot lookup system user database entry for UID %d: %v\n",
			os.Getuid(), err)
		return "/bin/sh"
	}
	return entry.Shell
}

// processUsername names the current effective user for error messages.
func processUsername() string {
	if entry, err := LookupPasswdByUID(os.Getuid()); err == nil {
		return entry.Name
	}
	return strconv.Itoa(os.Getuid())
}

// processGroupName names the current group for error messages.
func processGroupName() string {
	if group, err := user.LookupGroupId(strconv.Itoa(os.Getgid())); err == nil {
		return group.Name
	}
	return strconv.Itoa(os.Getgid())
}
