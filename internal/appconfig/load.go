package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing config file is not an error; the defaults
// reproduce the stock launch parameters.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("workspace_root", cfg.WorkspaceRoot)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("workbench.image", cfg.Workbench.Image)
	v.SetDefault("workbench.container_name", cfg.Workbench.ContainerName)
	v.SetDefault("workbench.host_port", cfg.Workbench.HostPort)
	v.SetDefault("workbench.container_port", cfg.Workbench.ContainerPort)
	v.SetDefault("workbench.data_dir", cfg.Workbench.DataDir)
	v.SetDefault("workbench.notebook_dir", cfg.Workbench.NotebookDir)
	v.SetDefault("workbench.data_target", cfg.Workbench.DataTarget)
	v.SetDefault("workbench.notebook_target", cfg.Workbench.NotebookTarget)
	v.SetDefault("workbench.env", cfg.Workbench.Env)
	v.SetDefault("workbench.pull_timeout_minutes", cfg.Workbench.PullTimeout)
	v.SetDefault("runtime.backend", cfg.Runtime.Backend)
	v.SetDefault("runtime.podman.address", cfg.Runtime.Podman.Address)
	v.SetDefault("runtime.podman.userns_mode", cfg.Runtime.Podman.UserNSMode)
	v.SetDefault("runtime.containerd.address", cfg.Runtime.Containerd.Address)
	v.SetDefault("runtime.containerd.namespace", cfg.Runtime.Containerd.Namespace)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		// An explicit file path that does not exist falls back to defaults.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Runtime.Backend {
	case "podman", "containerd":
	default:
		return fmt.Errorf("unsupported runtime.backend %q", cfg.Runtime.Backend)
	}
	if cfg.Workbench.Image == "" {
		return fmt.Errorf("workbench.image is required")
	}
	if cfg.Workbench.ContainerName == "" {
		return fmt.Errorf("workbench.container_name is required")
	}
	if cfg.Workbench.HostPort <= 0 || cfg.Workbench.HostPort > 65535 {
		return fmt.Errorf("workbench.host_port %d out of range", cfg.Workbench.HostPort)
	}
	if cfg.Workbench.ContainerPort <= 0 || cfg.Workbench.ContainerPort > 65535 {
		return fmt.Errorf("workbench.container_port %d out of range", cfg.Workbench.ContainerPort)
	}
	if !strings.HasPrefix(cfg.Workbench.DataTarget, "/") {
		return fmt.Errorf("workbench.data_target must be absolute")
	}
	if !strings.HasPrefix(cfg.Workbench.NotebookTarget, "/") {
		return fmt.Errorf("workbench.notebook_target must be absolute")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.WorkspaceRoot = expandEnv(cfg.WorkspaceRoot)
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Workbench.Image = expandEnv(cfg.Workbench.Image)
	cfg.Workbench.DataDir = expandEnv(cfg.Workbench.DataDir)
	cfg.Workbench.NotebookDir = expandEnv(cfg.Workbench.NotebookDir)
	cfg.Runtime.Podman.Address = expandEnv(cfg.Runtime.Podman.Address)
	cfg.Runtime.Containerd.Address = expandEnv(cfg.Runtime.Containerd.Address)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
