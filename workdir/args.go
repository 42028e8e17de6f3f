package workdir

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/foundry-server/foundry/iox"
)

// Args is the orchestrator-to-child argument document, serialized as
// args.json. Both halves of the protocol share this schema; optional
// fields are omitted when zero, and the child reads an omitted field as
// its zero value.
type Args struct {
	AppRoot            string `json:"app_root"`
	AppType            string `json:"app_type,omitempty"`
	AppEnv             string `json:"app_env"`
	StartCommand       string `json:"start_command"`
	StartsUsingWrapper bool   `json:"starts_using_wrapper"`
	SpawnMethod        string `json:"spawn_method,omitempty"`

	User             string `json:"user,omitempty"`
	Group            string `json:"group,omitempty"`
	LoadShellEnvvars bool   `json:"load_shell_envvars"`

	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`
	BaseURI              string            `json:"base_uri"`
	ExpectedStartPort    int               `json:"expected_start_port,omitempty"`
	FileDescriptorUlimit uint              `json:"file_descriptor_ulimit,omitempty"`
	NodeLibdir           string            `json:"node_libdir,omitempty"`

	AgentPath string `json:"agent_path"`
	LogLevel  int    `json:"log_level,omitempty"`
	LveMinUID uint   `json:"lve_min_uid,omitempty"`
}

// WriteArgs serializes args into the work directory.
func (d *Dir) WriteArgs(args *Args) error {
	data, err := json.MarshalIndent(args, "", "\t")
	if err != nil {
		return fmt.Errorf("serialize args.json: %w", err)
	}
	return iox.CreateFile(d.ArgsPath(), data)
}

// ReadArgs parses the argument document the orchestrator wrote.
func (d *Dir) ReadArgs() (*Args, error) {
	data, err := os.ReadFile(d.ArgsPath())
	if err != nil {
		return nil, fmt.Errorf("read args.json: %w", err)
	}
	var args Args
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("parse args.json: %w", err)
	}
	return &args, nil
}
