package podman

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/frkstrand/labdock/internal/dockhand"
)

func TestBuildBinds(t *testing.T) {
	binds := buildBinds([]dockhand.Mount{
		{Source: "/home/user/project/data", Target: "/workspace/data"},
		{Source: "/home/user/project/notebooks", Target: "/workspace/notebooks"},
		{Source: "", Target: "/ignored"},
		{Source: "/etc/ro", Target: "/ro", ReadOnly: true},
	})
	if len(binds) != 3 {
		t.Fatalf("expected 3 binds, got %d: %v", len(binds), binds)
	}
	if binds[0] != "/home/user/project/data:/workspace/data" {
		t.Fatalf("unexpected bind %q", binds[0])
	}
	if binds[2] != "/etc/ro:/ro:ro" {
		t.Fatalf("expected ro suffix, got %q", binds[2])
	}
}

func TestBuildPortBindings(t *testing.T) {
	bindings := buildPortBindings([]dockhand.PortMapping{
		{HostPort: 8888, ContainerPort: 8888},
	})
	entries, ok := bindings["8888/tcp"]
	if !ok || len(entries) != 1 {
		t.Fatalf("expected single 8888/tcp binding, got %v", bindings)
	}
	if entries[0]["HostPort"] != "8888" {
		t.Fatalf("unexpected host port %q", entries[0]["HostPort"])
	}
	if len(bindings) != 1 {
		t.Fatalf("expected exactly one bound port, got %d", len(bindings))
	}
}

func TestSplitImageRef(t *testing.T) {
	if name, tag := splitImageRef("jupyterlab"); name != "jupyterlab" || tag != "" {
		t.Fatalf("unexpected split %q %q", name, tag)
	}
	if name, tag := splitImageRef("docker.io/library/busybox:1.36"); name != "docker.io/library/busybox" || tag != "1.36" {
		t.Fatalf("unexpected split %q %q", name, tag)
	}
	if name, tag := splitImageRef("registry:5000/img"); name != "registry:5000/img" || tag != "" {
		t.Fatalf("unexpected split %q %q", name, tag)
	}
}

func TestCopyDockerStream(t *testing.T) {
	var raw bytes.Buffer
	frame := func(stream byte, payload string) {
		header := make([]byte, 8)
		header[0] = stream
		binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
		raw.Write(header)
		raw.WriteString(payload)
	}
	frame(1, "out")
	frame(2, "err")
	var stdout, stderr bytes.Buffer
	if err := copyDockerStream(&raw, &stdout, &stderr); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if stdout.String() != "out" || stderr.String() != "err" {
		t.Fatalf("unexpected demux: stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

func TestTailLines(t *testing.T) {
	lines := tailLines("a\nb\nc\n", 2)
	if len(lines) != 2 || lines[0] != "b" || lines[1] != "c" {
		t.Fatalf("unexpected tail %v", lines)
	}
	if tailLines("", 5) != nil {
		t.Fatalf("expected nil for empty text")
	}
}

// fakeDaemon serves just enough of the docker-compatible API for an
// attached launch round trip.
type fakeDaemon struct {
	mu      sync.Mutex
	created map[string]any
	started bool
}

func (d *fakeDaemon) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v4.0.0/libpod/info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v4.0.0/containers/labdock/json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such container", http.StatusNotFound)
	})
	mux.HandleFunc("/v4.0.0/containers/create", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.created = body
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"Id":"abc123"}`)
	})
	mux.HandleFunc("/v4.0.0/containers/abc123/attach", func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "no hijack", http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_, _ = io.WriteString(conn, "HTTP/1.1 101 UPGRADED\r\nContent-Type: application/vnd.docker.raw-stream\r\nConnection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
		_, _ = io.WriteString(conn, "lab ready\n")
	})
	mux.HandleFunc("/v4.0.0/containers/abc123/start", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.started = true
		d.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v4.0.0/containers/abc123/wait", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"StatusCode":7}`)
	})
	return mux
}

func TestLaunchAttachedRoundTrip(t *testing.T) {
	daemon := &fakeDaemon{}
	server := httptest.NewServer(daemon.handler(t))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt, err := New(ctx, Config{Address: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = rt.Close() }()

	var stdout bytes.Buffer
	spec := dockhand.ContainerSpec{
		Name:  "labdock",
		Image: "jupyterlab",
		Mounts: []dockhand.Mount{
			{Source: "/home/user/project/data", Target: "/workspace/data"},
			{Source: "/home/user/project/notebooks", Target: "/workspace/notebooks"},
		},
		Ports: []dockhand.PortMapping{
			{HostPort: 8888, ContainerPort: 8888},
		},
		TTY:         true,
		Interactive: true,
	}
	handle, err := rt.Launch(ctx, spec, &dockhand.AttachIO{
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if handle.ID() != "abc123" {
		t.Fatalf("unexpected container id %q", handle.ID())
	}

	result, err := rt.Wait(ctx, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", result.ExitCode)
	}
	if got := stdout.String(); got != "lab ready\n" {
		t.Fatalf("unexpected attached output %q", got)
	}

	daemon.mu.Lock()
	defer daemon.mu.Unlock()
	if !daemon.started {
		t.Fatalf("container was not started")
	}
	if tty, _ := daemon.created["Tty"].(bool); !tty {
		t.Fatalf("expected Tty in create payload, got %v", daemon.created["Tty"])
	}
	if openStdin, _ := daemon.created["OpenStdin"].(bool); !openStdin {
		t.Fatalf("expected OpenStdin in create payload")
	}
	hostConfig, _ := daemon.created["HostConfig"].(map[string]any)
	if hostConfig == nil {
		t.Fatalf("expected HostConfig in create payload")
	}
	binds, _ := hostConfig["Binds"].([]any)
	if len(binds) != 2 {
		t.Fatalf("expected 2 binds, got %v", hostConfig["Binds"])
	}
	if binds[0] != "/home/user/project/data:/workspace/data" {
		t.Fatalf("unexpected first bind %v", binds[0])
	}
	bindings, _ := hostConfig["PortBindings"].(map[string]any)
	if len(bindings) != 1 {
		t.Fatalf("expected single port binding, got %v", hostConfig["PortBindings"])
	}
	if _, ok := bindings["8888/tcp"]; !ok {
		t.Fatalf("expected 8888/tcp binding, got %v", bindings)
	}
}
