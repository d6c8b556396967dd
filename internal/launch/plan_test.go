package launch

import (
	"testing"

	"github.com/frkstrand/labdock/internal/appconfig"
)

func testConfig(t *testing.T) appconfig.Config {
	t.Helper()
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	return cfg
}

func TestComputeFromProjectLayout(t *testing.T) {
	plan, err := Compute("/home/user/project/docker/jupyterlab", testConfig(t))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if plan.WorkspaceRoot != "/home/user/project" {
		t.Fatalf("expected workspace root /home/user/project, got %q", plan.WorkspaceRoot)
	}
	if len(plan.Spec.Mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(plan.Spec.Mounts))
	}
	if plan.Spec.Mounts[0].Source != "/home/user/project/data" || plan.Spec.Mounts[0].Target != "/workspace/data" {
		t.Fatalf("unexpected data mount %+v", plan.Spec.Mounts[0])
	}
	if plan.Spec.Mounts[1].Source != "/home/user/project/notebooks" || plan.Spec.Mounts[1].Target != "/workspace/notebooks" {
		t.Fatalf("unexpected notebook mount %+v", plan.Spec.Mounts[1])
	}
	if plan.Spec.Mounts[0].ReadOnly || plan.Spec.Mounts[1].ReadOnly {
		t.Fatalf("expected read-write mounts")
	}
}

func TestComputePublishesSinglePort(t *testing.T) {
	plan, err := Compute("/srv/lab/docker/jupyterlab", testConfig(t))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(plan.Spec.Ports) != 1 {
		t.Fatalf("expected exactly one port mapping, got %d", len(plan.Spec.Ports))
	}
	port := plan.Spec.Ports[0]
	if port.HostPort != 8888 || port.ContainerPort != 8888 {
		t.Fatalf("expected 8888:8888, got %d:%d", port.HostPort, port.ContainerPort)
	}
	if port.Proto() != "tcp" {
		t.Fatalf("expected tcp protocol, got %q", port.Proto())
	}
	if plan.URL != "http://localhost:8888" {
		t.Fatalf("unexpected url %q", plan.URL)
	}
}

func TestComputeImageIsFixed(t *testing.T) {
	for _, cwd := range []string{"/a/b/c", "/home/user/project/docker/jupyterlab", "/x"} {
		plan, err := Compute(cwd, testConfig(t))
		if err != nil {
			t.Fatalf("compute(%s): %v", cwd, err)
		}
		if plan.Spec.Image != "jupyterlab" {
			t.Fatalf("expected image jupyterlab for cwd %s, got %q", cwd, plan.Spec.Image)
		}
	}
}

func TestComputeInteractiveAndTTYTogether(t *testing.T) {
	plan, err := Compute("/home/user/project/docker/jupyterlab", testConfig(t))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !plan.Spec.TTY || !plan.Spec.Interactive {
		t.Fatalf("expected tty and interactive both set, got tty=%v interactive=%v", plan.Spec.TTY, plan.Spec.Interactive)
	}
}

func TestComputeWorkspaceRootOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkspaceRoot = "/data/lab"
	plan, err := Compute("/anywhere/else", cfg)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if plan.Spec.Mounts[0].Source != "/data/lab/data" {
		t.Fatalf("expected override mount source, got %q", plan.Spec.Mounts[0].Source)
	}
}

func TestComputeRejectsEmptyCwd(t *testing.T) {
	if _, err := Compute("", testConfig(t)); err == nil {
		t.Fatalf("expected error for empty working directory")
	}
}

func TestNormalizeMountSource(t *testing.T) {
	cases := map[string]string{
		"/home/user/data":  "/home/user/data",
		"//home/user/data": "/home/user/data",
		"relative/data":    "/relative/data",
		"/a/b/../data":     "/a/data",
	}
	for in, want := range cases {
		if got := NormalizeMountSource(in); got != want {
			t.Fatalf("NormalizeMountSource(%q) = %q, want %q", in, got, want)
		}
	}
}
