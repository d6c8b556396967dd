package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
runtime:
  backend: podman
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedBackend(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
runtime:
  backend: nope
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported runtime.backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestLoadRejectsRelativeMountTarget(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
workbench:
  data_target: workspace/data
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "data_target") {
		t.Fatalf("expected data_target error, got %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load with missing file: %v", err)
	}
	if cfg.Workbench.Image != "jupyterlab" {
		t.Fatalf("expected default image, got %q", cfg.Workbench.Image)
	}
	if cfg.Workbench.HostPort != 8888 || cfg.Workbench.ContainerPort != 8888 {
		t.Fatalf("expected default ports 8888:8888, got %d:%d",
			cfg.Workbench.HostPort, cfg.Workbench.ContainerPort)
	}
	if cfg.Runtime.Backend != "podman" {
		t.Fatalf("expected default backend podman, got %q", cfg.Runtime.Backend)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
workspace_root: /srv/lab
workbench:
  host_port: 9999
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkspaceRoot != "/srv/lab" {
		t.Fatalf("expected workspace_root override, got %q", cfg.WorkspaceRoot)
	}
	if cfg.Workbench.HostPort != 9999 {
		t.Fatalf("expected host_port 9999, got %d", cfg.Workbench.HostPort)
	}
	if cfg.Workbench.ContainerPort != 8888 {
		t.Fatalf("expected untouched container_port 8888, got %d", cfg.Workbench.ContainerPort)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
