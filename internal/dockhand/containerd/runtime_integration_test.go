//go:build containerd
// +build containerd

package containerd

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/frkstrand/labdock/internal/dockhand"
)

func TestLaunchWaitLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	if err := rt.EnsureImage(ctx, "docker.io/library/busybox:1.36"); err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}
	name := fmt.Sprintf("labdock-test-%d", time.Now().UnixNano())
	spec := dockhand.ContainerSpec{
		Name:    name,
		Image:   "docker.io/library/busybox:1.36",
		Command: []string{"sh", "-c", "echo workbench ready; exit 3"},
		Labels: map[string]string{
			"labdock.managed": "true",
		},
	}

	handle, err := rt.Launch(ctx, spec, nil)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Stop(ctx, handle)
		_ = rt.Remove(ctx, handle)
	})

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, err := rt.Wait(waitCtx, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}

	lines, err := rt.TailLogs(ctx, handle, 10)
	if err != nil {
		t.Fatalf("TailLogs: %v", err)
	}
	found := false
	for _, line := range lines {
		if line == "workbench ready" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected log line in %v", lines)
	}

	if err := rt.Remove(ctx, handle); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, state, err := rt.Lookup(ctx, name)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if state.Exists {
		t.Fatalf("expected container removal, got state %+v", state)
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping containerd integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt, err := New(ctx, Config{
		Namespace: "labdock-test",
		LogPath:   filepath.Join(t.TempDir(), "workbench.log"),
	})
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	if _, err := rt.client.IsServing(ctx); err != nil {
		t.Skipf("containerd not serving: %v", err)
	}
	return rt
}
