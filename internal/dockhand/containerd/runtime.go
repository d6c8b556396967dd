package containerd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/frkstrand/labdock/internal/dockhand"
	"pkt.systems/pslog"
)

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	PullTimeout time.Duration
	// LogPath receives container output for detached launches; containerd
	// has no daemon-side log store.
	LogPath string
}

// Runtime implements dockhand.Runtime using containerd. Port mappings are
// satisfied by running the container in the host network namespace, so the
// container port is directly reachable; bare containerd has no port
// forwarding layer.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration
	logPath     string

	mu    sync.Mutex
	tasks map[string]*taskState
}

type taskState struct {
	task   containerd.Task
	waitCh <-chan containerd.ExitStatus
}

// New constructs a containerd runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	addresses := candidateAddresses(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("containerd connect attempt", "address", addr)
		client, err := containerd.New(addr)
		if err == nil {
			namespace := cfg.Namespace
			if namespace == "" {
				namespace = "labdock"
			}
			timeout := cfg.PullTimeout
			if timeout == 0 {
				timeout = 5 * time.Minute
			}
			log.Info("containerd runtime ready", "address", addr, "namespace", namespace)
			return &Runtime{
				client:      client,
				namespace:   namespace,
				pullTimeout: timeout,
				logPath:     strings.TrimSpace(cfg.LogPath),
				tasks:       make(map[string]*taskState),
			}, nil
		}
		log.Warn("containerd connect failed", "address", addr, "err", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	log.Warn("containerd runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.logger(context.Background()).Info("containerd runtime closed")
	return err
}

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, img string) (bool, error) {
	if strings.TrimSpace(img) == "" {
		r.logger(ctx).Warn("containerd image check rejected", "reason", "missing image")
		return false, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", img)
	log.Debug("containerd image check")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if _, err := r.client.GetImage(ctx, img); err == nil {
		log.Debug("containerd image present")
		return true, nil
	} else if errdefs.IsNotFound(err) {
		log.Debug("containerd image missing")
		return false, nil
	} else {
		log.Warn("containerd image check failed", "err", err)
		return false, err
	}
}

// EnsureImage pulls the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, img string) error {
	log := r.logger(ctx).With("image", img)
	log.Info("containerd ensure image start")
	_, err := r.ensureImage(ctx, img)
	if err != nil {
		log.Warn("containerd ensure image failed", "err", err)
		return err
	}
	log.Info("containerd ensure image ok")
	return nil
}

func (r *Runtime) ensureImage(ctx context.Context, img string) (containerd.Image, error) {
	if strings.TrimSpace(img) == "" {
		return nil, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", img)
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	rootless := os.Geteuid() != 0
	got, err := r.client.GetImage(ctx, img)
	if err == nil {
		log.Debug("containerd image present")
		return got, nil
	}
	if !errdefs.IsNotFound(err) {
		log.Warn("containerd image lookup failed", "err", err)
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	log.Info("containerd image pull start", "rootless", rootless)
	if pulled, err := r.pullWithTransfer(pullCtx, img, !rootless); err == nil {
		log.Info("containerd image pull ok", "method", "transfer")
		return pulled, nil
	} else if rootless {
		log.Warn("containerd transfer pull failed", "err", err)
		return nil, fmt.Errorf("transfer pull failed: %w", err)
	}
	pulled, err := r.client.Pull(pullCtx, img, containerd.WithPullUnpack)
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok", "method", "pull")
	return pulled, nil
}

func (r *Runtime) pullWithTransfer(ctx context.Context, img string, unpack bool) (containerd.Image, error) {
	storeOpts := []image.StoreOpt{}
	if unpack {
		platform := platforms.DefaultSpec()
		storeOpts = append(storeOpts, image.WithUnpack(platform, ""))
	}
	store := image.NewStore(img, storeOpts...)
	reg, err := registry.NewOCIRegistry(ctx, img)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(ctx, reg, store); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, img)
}

// Launch ensures the container exists and its task is running. When attach
// is non-nil the task is created with a terminal wired to the given streams.
func (r *Runtime) Launch(ctx context.Context, spec dockhand.ContainerSpec, attach *dockhand.AttachIO) (dockhand.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		r.logger(ctx).Warn("containerd launch rejected", "reason", "missing name")
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		r.logger(ctx).Warn("containerd launch rejected", "reason", "missing image")
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("containerd launch start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	for _, p := range spec.Ports {
		if p.HostPort != p.ContainerPort {
			log.Warn("containerd port mapping ignored", "host_port", p.HostPort, "container_port", p.ContainerPort, "reason", "host networking")
		}
	}

	container, err := r.client.LoadContainer(ctx, spec.Name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			log.Warn("containerd load container failed", "err", err)
			return nil, err
		}
		img, err := r.ensureImage(ctx, spec.Image)
		if err != nil {
			log.Warn("containerd ensure image failed", "err", err)
			return nil, err
		}
		specOpts := append([]oci.SpecOpts{oci.WithImageConfig(img)}, specOptions(spec)...)
		container, err = r.client.NewContainer(ctx, spec.Name,
			containerd.WithImage(img),
			containerd.WithContainerLabels(spec.Labels),
			containerd.WithNewSnapshot(spec.Name+"-snapshot", img),
			containerd.WithNewSpec(specOpts...),
		)
		if err != nil {
			log.Warn("containerd create container failed", "err", err)
			return nil, err
		}
		log.Info("containerd container created", "id", container.ID())
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			log.Warn("containerd task lookup failed", "err", err)
			return nil, err
		}
		task, err = container.NewTask(ctx, r.ioCreator(spec, attach))
		if err != nil {
			log.Warn("containerd task create failed", "err", err)
			return nil, err
		}
		waitCh, err := task.Wait(ctx)
		if err != nil {
			_, _ = task.Delete(ctx)
			log.Warn("containerd task wait failed", "err", err)
			return nil, err
		}
		if err := task.Start(ctx); err != nil {
			log.Warn("containerd task start failed", "err", err)
			_, _ = task.Delete(ctx)
			return nil, err
		}
		r.storeTask(spec.Name, &taskState{task: task, waitCh: waitCh})
		log.Info("containerd task started", "id", task.ID())
	} else {
		status, err := task.Status(ctx)
		if err != nil {
			log.Warn("containerd task status failed", "err", err)
			return nil, err
		}
		if status.Status != containerd.Running {
			if err := task.Start(ctx); err != nil {
				log.Warn("containerd task start failed", "err", err)
				return nil, err
			}
			log.Info("containerd task started", "id", task.ID())
		}
		r.storeTask(spec.Name, &taskState{task: task})
	}

	log.Info("containerd container ready", "id", container.ID())
	return &handle{name: spec.Name, id: container.ID()}, nil
}

func (r *Runtime) ioCreator(spec dockhand.ContainerSpec, attach *dockhand.AttachIO) cio.Creator {
	if attach != nil {
		opts := []cio.Opt{cio.WithStreams(attach.Stdin, attach.Stdout, attach.Stderr)}
		if spec.TTY {
			opts = append(opts, cio.WithTerminal)
		}
		return cio.NewCreator(opts...)
	}
	logPath := spec.LogPath
	if logPath == "" {
		logPath = r.logPath
	}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err == nil {
			return cio.LogFile(logPath)
		}
	}
	return cio.NullIO
}

// Resize propagates a terminal size change to the running task.
func (r *Runtime) Resize(ctx context.Context, h dockhand.Handle, width, height uint16) error {
	if h == nil {
		return errors.New("container handle is required")
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	state := r.loadTask(h.Name())
	if state == nil || state.task == nil {
		task, err := r.lookupTask(ctx, h.Name())
		if err != nil {
			return err
		}
		state = &taskState{task: task}
	}
	return state.task.Resize(ctx, uint32(width), uint32(height))
}

// Wait blocks until the container task exits and returns its exit code.
func (r *Runtime) Wait(ctx context.Context, h dockhand.Handle) (dockhand.WaitResult, error) {
	if h == nil {
		return dockhand.WaitResult{}, errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Debug("containerd wait start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	state := r.loadTask(h.Name())
	if state == nil || state.waitCh == nil {
		task, err := r.lookupTask(ctx, h.Name())
		if err != nil {
			log.Warn("containerd wait failed", "err", err)
			return dockhand.WaitResult{}, err
		}
		waitCh, err := task.Wait(ctx)
		if err != nil {
			log.Warn("containerd wait failed", "err", err)
			return dockhand.WaitResult{}, err
		}
		state = &taskState{task: task, waitCh: waitCh}
	}
	select {
	case status := <-state.waitCh:
		code, _, err := status.Result()
		if err != nil {
			log.Warn("containerd wait failed", "err", err)
			return dockhand.WaitResult{}, err
		}
		_, _ = state.task.Delete(ctx)
		r.clearTask(h.Name())
		log.Debug("containerd wait ok", "exit_code", int(code))
		return dockhand.WaitResult{ExitCode: int(code)}, nil
	case <-ctx.Done():
		return dockhand.WaitResult{}, ctx.Err()
	}
}

// Lookup finds a container by name.
func (r *Runtime) Lookup(ctx context.Context, name string) (dockhand.Handle, dockhand.State, error) {
	if strings.TrimSpace(name) == "" {
		return nil, dockhand.State{}, errors.New("container name is required")
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, dockhand.State{}, nil
		}
		return nil, dockhand.State{}, err
	}
	state := dockhand.State{Exists: true, Status: "created"}
	task, err := container.Task(ctx, nil)
	if err == nil {
		if status, err := task.Status(ctx); err == nil {
			state.Status = string(status.Status)
			state.Running = status.Status == containerd.Running
			state.ExitCode = int(status.ExitStatus)
		}
	} else if !errdefs.IsNotFound(err) {
		return nil, dockhand.State{}, err
	}
	return &handle{name: name, id: container.ID()}, state, nil
}

// Stop stops a running container task.
func (r *Runtime) Stop(ctx context.Context, h dockhand.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("containerd stop start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("containerd stop skipped", "reason", "not found")
			return nil
		}
		log.Warn("containerd stop failed", "err", err)
		return err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("containerd stop skipped", "reason", "task not found")
			return nil
		}
		log.Warn("containerd stop failed", "err", err)
		return err
	}
	_ = task.Kill(ctx, syscall.SIGTERM)
	_, _ = task.Delete(ctx, containerd.WithProcessKill)
	r.clearTask(h.Name())
	log.Info("containerd stop ok")
	return nil
}

// Remove deletes the container and its snapshot.
func (r *Runtime) Remove(ctx context.Context, h dockhand.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name(), "id", h.ID())
	log.Info("containerd remove start")
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, h.Name())
	if err != nil {
		if errdefs.IsNotFound(err) {
			log.Info("containerd remove skipped", "reason", "not found")
			return nil
		}
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	err = container.Delete(ctx, containerd.WithSnapshotCleanup)
	r.clearTask(h.Name())
	if err != nil {
		log.Warn("containerd remove failed", "err", err)
		return err
	}
	log.Info("containerd remove ok")
	return nil
}

// TailLogs returns recent output lines from the detached log file.
func (r *Runtime) TailLogs(ctx context.Context, h dockhand.Handle, limit int) ([]string, error) {
	if h == nil {
		return nil, errors.New("container handle is required")
	}
	if limit <= 0 {
		limit = 50
	}
	if r.logPath == "" {
		return nil, errors.New("log capture unavailable")
	}
	data, err := os.ReadFile(r.logPath)
	if err != nil {
		return nil, err
	}
	return tailLines(string(data), limit), nil
}

func (r *Runtime) lookupTask(ctx context.Context, name string) (containerd.Task, error) {
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return nil, err
	}
	return container.Task(ctx, nil)
}

func (r *Runtime) storeTask(name string, state *taskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = state
}

func (r *Runtime) loadTask(name string) *taskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[name]
}

func (r *Runtime) clearTask(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, name)
}

func specOptions(spec dockhand.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{}
	opts = append(opts, oci.WithEnv(flattenEnv(spec.Env)))
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(mapMounts(spec.Mounts)))
	}
	if spec.TTY {
		opts = append(opts, oci.WithTTY)
	}
	// Host networking stands in for port publishing.
	opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	return opts
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func mapMounts(mounts []dockhand.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, mount := range mounts {
		opts := []string{"rbind"}
		if mount.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		out = append(out, specs.Mount{
			Type:        "bind",
			Source:      mount.Source,
			Destination: mount.Target,
			Options:     opts,
		})
	}
	return out
}

func tailLines(text string, limit int) []string {
	trimmed := strings.TrimRight(text, "\n")
	if trimmed == "" {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = normalizeAddress(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(filepath.Join(runtimeDir, "containerd", "containerd.sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(filepath.Join(userRunDir, "containerd", "containerd.sock"))
	}
	add(filepath.Join("/run", "containerd", "containerd.sock"))
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "unix://") {
		addr = strings.TrimPrefix(addr, "unix://")
	}
	if strings.HasPrefix(addr, "unix:") {
		addr = strings.TrimPrefix(addr, "unix:")
	}
	return addr
}

type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}
