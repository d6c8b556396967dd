package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"up", "down", "status", "doctor", "config", "version"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestExitCodeErrorUnwrapsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("attached run: %w", &exitCodeError{code: 7})
	var exit *exitCodeError
	if !errors.As(err, &exit) {
		t.Fatalf("expected errors.As to find exitCodeError in %v", err)
	}
	if exit.code != 7 {
		t.Fatalf("expected code 7, got %d", exit.code)
	}
}

func TestConfigInitWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"config", "init", "--path", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected config file at %s: %v", path, err)
	}
	if !strings.Contains(string(data), "config_version") {
		t.Fatalf("expected config_version in written config, got:\n%s", data)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("expected output to mention %s, got %q", path, out.String())
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("keep: me\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"config", "init", "--path", path})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error when config file already exists")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != "keep: me\n" {
		t.Fatalf("existing config was clobbered: %q", data)
	}
}
