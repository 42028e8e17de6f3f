package setupper

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// inferAllParentDirectories expands an absolute path into the chain of
// directories leading to it: /a/b/c -> [/a, /a/b, /a/b/c].
func inferAllParentDirectories(path string) []string {
	components := strings.Split(strings.TrimPrefix(path, "/"), "/")
	result := make([]string, 0, len(components))
	current := ""
	for _, component := range components {
		current += "/" + component
		result = append(result, current)
	}
	return result
}

// setCurrentWorkingDirectory chdirs into the app root. Every directory
// on the way is stat'ed first so a permission failure can be reported
// with the exact offending directory, the effective user, and the group
// — the difference between a fixable error page and a shrug.
func (c *Context) setCurrentWorkingDirectory() *fatal {
	appRoot, err := filepath.Abs(c.Args.AppRoot)
	if err != nil {
		return c.osFatal(fmt.Sprintf("Unable to absolutize path '%s': %v", c.Args.AppRoot, err))
	}

	for _, dir := range inferAllParentDirectories(appRoot) {
		_, err := os.Stat(dir)
		if err == nil {
			continue
		}
		if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.EACCES {
			parent := filepath.Dir(dir)
			f := c.osFatal(fmt.Sprintf(
				"Directory '%s' is inaccessible because of a filesystem permission error.",
				parent))
			f.problemHTML = "<p>" +
				"The Foundry application server tried to start the web" +
				" application as user '" + html.EscapeString(processUsername()) +
				"' and group '" + html.EscapeString(processGroupName()) +
				"'. During this process, Foundry must be able to access its" +
				" application root directory '" + html.EscapeString(appRoot) +
				"'. However, the parent directory '" + html.EscapeString(parent) +
				"' has wrong permissions, thereby preventing this process" +
				" from accessing its application root directory." +
				"</p>"
			f.solutionHTML = "<p class=\"sole-solution\">" +
				"Please fix the permissions of the directory '" + html.EscapeString(appRoot) +
				"' in such a way that the directory is accessible by user '" +
				html.EscapeString(processUsername()) + "' and group '" +
				html.EscapeString(processGroupName()) + "'." +
				"</p>"
			return f
		}
		return c.osFatal(fmt.Sprintf("Unable to stat() directory '%s': %v", dir, err))
	}

	if err := os.Chdir(appRoot); err != nil {
		f := c.osFatal(fmt.Sprintf(
			"Unable to change working directory to '%s': %v", appRoot, err))
		var verb string
		if isPermissionErrno(err) {
			verb = "filesystem permission error"
		} else {
			verb = "filesystem error"
		}
		f.problemHTML = "<p>The Foundry application server tried to start" +
			" the web application as user " + html.EscapeString(processUsername()) +
			" and group " + html.EscapeString(processGroupName()) +
			", with a working directory of " + html.EscapeString(appRoot) +
			". However, it encountered a " + verb + " while doing this.</p>"
		return f
	}

	// The app root may contain symlinks. getcwd() resolves them, but the
	// shell convention is a "logical working directory" with symlinks
	// intact, reported through PWD. Match the shell.
	_ = os.Setenv("PWD", appRoot)
	return nil
}

func isPermissionErrno(err error) bool {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err == syscall.EACCES || pe.Err == syscall.EPERM
	}
	return false
}
