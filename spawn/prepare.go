package spawn

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/foundry-server/foundry/workdir"
)

// Prepare populates the work directory for the child (args.json) and
// resolves the target uid the spawner later verifies the child against.
func (s *Session) Prepare() error {
	uid, err := resolveTargetUID(s.Config.User)
	if err != nil {
		return err
	}
	s.UID = uid

	args := &workdir.Args{
		AppRoot:              s.Config.AppRoot,
		AppType:              s.Config.AppType,
		AppEnv:               s.Config.AppEnv,
		StartCommand:         s.Config.StartCommand,
		StartsUsingWrapper:   s.Config.StartsUsingWrapper,
		SpawnMethod:          s.Config.SpawnMethod,
		User:                 s.Config.User,
		Group:                s.Config.Group,
		LoadShellEnvvars:     s.Config.LoadShellEnvvars,
		EnvironmentVariables: s.Config.Environment,
		BaseURI:              s.Config.BaseURI,
		ExpectedStartPort:    s.Config.ExpectedStartPort,
		FileDescriptorUlimit: s.Config.FileDescriptorUlimit,
		NodeLibdir:           s.Config.NodeLibdir,
		AgentPath:            s.Config.AgentPath,
		LogLevel:             s.Config.LogLevel,
		LveMinUID:            s.Config.LveMinUID,
	}
	if err := s.WorkDir.WriteArgs(args); err != nil {
		return err
	}

	s.Logger.Debug("handshake prepared", map[string]any{
		"uid":  uid,
		"user": s.Config.User,
	})
	return nil
}

// resolveTargetUID resolves a user name to a uid. A name that looks like
// a positive number falls back to parsing it when the account database
// has no entry; anything else is an error the spawner surfaces before
// forking.
func resolveTargetUID(name string) (int, error) {
	if name == "" {
		return os.Getuid(), nil
	}
	if u, err := user.Lookup(name); err == nil {
		uid, perr := strconv.Atoi(u.Uid)
		if perr != nil {
			return -1, fmt.Errorf("account database returned non-numeric uid %q for user %q", u.Uid, name)
		}
		return uid, nil
	}
	if looksLikePositiveNumber(name) {
		uid, _ := strconv.Atoi(name)
		return uid, nil
	}
	return -1, fmt.Errorf("cannot look up system user database entry for user %q", name)
}

// looksLikePositiveNumber reports whether value is entirely decimal
// digits and non-empty.
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
