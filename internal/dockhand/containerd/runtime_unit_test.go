package containerd

import (
	"testing"

	"github.com/frkstrand/labdock/internal/dockhand"
)

func TestNormalizeAddress(t *testing.T) {
	if got := normalizeAddress("unix:///run/containerd/containerd.sock"); got != "/run/containerd/containerd.sock" {
		t.Fatalf("unexpected address %q", got)
	}
	if got := normalizeAddress("  "); got != "" {
		t.Fatalf("expected empty address, got %q", got)
	}
}

func TestCandidateAddressesDeduplicates(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	addrs := candidateAddresses("unix:///run/user/1000/containerd/containerd.sock")
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		if _, ok := seen[addr]; ok {
			t.Fatalf("duplicate address %q in %v", addr, addrs)
		}
		seen[addr] = struct{}{}
	}
	if addrs[0] != "/run/user/1000/containerd/containerd.sock" {
		t.Fatalf("expected configured address first, got %v", addrs)
	}
}

func TestMapMounts(t *testing.T) {
	mounts := mapMounts([]dockhand.Mount{
		{Source: "/home/user/project/data", Target: "/workspace/data"},
		{Source: "/etc/cfg", Target: "/cfg", ReadOnly: true},
	})
	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(mounts))
	}
	if mounts[0].Type != "bind" || mounts[0].Destination != "/workspace/data" {
		t.Fatalf("unexpected mount %+v", mounts[0])
	}
	if mounts[0].Options[1] != "rw" {
		t.Fatalf("expected rw option, got %v", mounts[0].Options)
	}
	if mounts[1].Options[1] != "ro" {
		t.Fatalf("expected ro option, got %v", mounts[1].Options)
	}
}

func TestFlattenEnv(t *testing.T) {
	out := flattenEnv(map[string]string{"A": "1"})
	if len(out) != 1 || out[0] != "A=1" {
		t.Fatalf("unexpected env %v", out)
	}
	if flattenEnv(nil) != nil {
		t.Fatalf("expected nil for empty env")
	}
}
