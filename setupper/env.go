package setupper

import (
	"os"
	"strconv"
)

// setDefaultEnvvars installs the environment every application gets,
// derived from the spawn arguments. User-specified variables overlay
// these later (setGivenEnvVars), so defaults never win over explicit
// configuration.
func (c *Context) setDefaultEnvvars() {
	_ = os.Setenv("PYTHONUNBUFFERED", "1")

	if c.Args.NodeLibdir != "" {
		_ = os.Setenv("NODE_PATH", c.Args.NodeLibdir)
	}

	for _, key := range []string{"RAILS_ENV", "RACK_ENV", "WSGI_ENV", "NODE_ENV", "PASSENGER_APP_ENV"} {
		_ = os.Setenv(key, c.Args.AppEnv)
	}

	if c.Args.ExpectedStartPort != 0 {
		_ = os.Setenv("PORT", strconv.Itoa(c.Args.ExpectedStartPort))
	}

	if c.Args.BaseURI != "/" && c.Args.BaseURI != "" {
		_ = os.Setenv("RAILS_RELATIVE_URL_ROOT", c.Args.BaseURI)
		_ = os.Setenv("RACK_BASE_URI", c.Args.BaseURI)
		_ = os.Setenv("PASSENGER_BASE_URI", c.Args.BaseURI)
	} else {
		_ = os.Unsetenv("RAILS_RELATIVE_URL_ROOT")
		_ = os.Unsetenv("RACK_BASE_URI")
		_ = os.Unsetenv("PASSENGER_BASE_URI")
	}
}

// setGivenEnvVars overlays the user-specified environment variables.
func (c *Context) setGivenEnvVars() {
	for key, value := range c.Args.EnvironmentVariables {
		_ = os.Setenv(key, value)
	}
}
