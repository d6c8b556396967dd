package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	WorkspaceRoot string          `mapstructure:"workspace_root" yaml:"workspace_root"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	Workbench     WorkbenchConfig `mapstructure:"workbench" yaml:"workbench"`
	Runtime       RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// WorkbenchConfig describes the notebook container to launch.
type WorkbenchConfig struct {
	Image          string            `mapstructure:"image" yaml:"image"`
	ContainerName  string            `mapstructure:"container_name" yaml:"container_name"`
	HostPort       int               `mapstructure:"host_port" yaml:"host_port"`
	ContainerPort  int               `mapstructure:"container_port" yaml:"container_port"`
	DataDir        string            `mapstructure:"data_dir" yaml:"data_dir"`
	NotebookDir    string            `mapstructure:"notebook_dir" yaml:"notebook_dir"`
	DataTarget     string            `mapstructure:"data_target" yaml:"data_target"`
	NotebookTarget string            `mapstructure:"notebook_target" yaml:"notebook_target"`
	Env            map[string]string `mapstructure:"env" yaml:"env"`
	PullTimeout    int               `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
}

// RuntimeConfig selects and configures the container runtime backend.
type RuntimeConfig struct {
	Backend    string           `mapstructure:"backend" yaml:"backend"`
	Podman     PodmanConfig     `mapstructure:"podman" yaml:"podman"`
	Containerd ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
}

// PodmanConfig configures the podman (or docker-compatible) endpoint.
type PodmanConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	UserNSMode string `mapstructure:"userns_mode" yaml:"userns_mode"`
}

// ContainerdConfig configures the containerd endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// DefaultConfig returns a config with the stock workbench parameters: the
// jupyterlab image on port 8888 with data and notebooks mounted from the
// workspace root.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		WorkspaceRoot: "",
		StateDir:      filepath.Join(home, ".labdock", "state"),
		Workbench: WorkbenchConfig{
			Image:          "jupyterlab",
			ContainerName:  "labdock",
			HostPort:       8888,
			ContainerPort:  8888,
			DataDir:        "data",
			NotebookDir:    "notebooks",
			DataTarget:     "/workspace/data",
			NotebookTarget: "/workspace/notebooks",
			Env:            map[string]string{},
			PullTimeout:    5,
		},
		Runtime: RuntimeConfig{
			Backend: "podman",
			Podman: PodmanConfig{
				Address:    fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
				UserNSMode: "keep-id",
			},
			Containerd: ContainerdConfig{
				Address:   fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace: "labdock",
			},
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".labdock", "config.yaml"), nil
}
