package podman

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/frkstrand/labdock/internal/dockhand"
	"pkt.systems/pslog"
)

// Config configures the podman runtime.
type Config struct {
	Address     string
	UserNSMode  string
	PullTimeout time.Duration
}

// Runtime implements dockhand.Runtime using the docker-compatible HTTP API.
type Runtime struct {
	client      *client
	pullTimeout time.Duration
	usernsMode  string

	mu       sync.Mutex
	sessions map[string]*attachSession
}

// New constructs a podman runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	addresses := candidateAddresses(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("podman connect attempt", "address", addr)
		cl, err := newClient(addr)
		if err != nil {
			log.Warn("podman connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			log.Warn("podman ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		timeout := cfg.PullTimeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		log.Info("podman runtime ready", "address", addr)
		return &Runtime{
			client:      cl,
			pullTimeout: timeout,
			usernsMode:  strings.TrimSpace(cfg.UserNSMode),
			sessions:    make(map[string]*attachSession),
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	log.Warn("podman runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close tears down any open attach sessions.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, session := range r.sessions {
		session.close()
		delete(r.sessions, id)
	}
	return nil
}

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		r.logger(ctx).Warn("podman image check rejected", "reason", "missing image")
		return false, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	log.Debug("podman image exists check")
	res, err := r.client.do(ctx, "GET", fmt.Sprintf("/libpod/images/%s/exists", escapeImagePath(image)), nil, nil, "")
	if err != nil {
		log.Warn("podman image check failed", "err", err)
		return false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		log.Debug("podman image missing")
		return false, nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman image check failed", "status", res.StatusCode)
		return false, readAPIError(res)
	}
	log.Debug("podman image present")
	return true, nil
}

// EnsureImage pulls the image if it is not available.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("podman ensure image start")
	ok, err := r.ImageExists(ctx, image)
	if err != nil {
		log.Warn("podman ensure image failed", "err", err)
		return err
	}
	if ok {
		log.Info("podman ensure image ok")
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	name, tag := splitImageRef(image)
	query.Set("fromImage", name)
	if tag != "" {
		query.Set("tag", tag)
	}
	res, err := r.client.do(pullCtx, "POST", "/images/create", query, nil, "")
	if err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman image pull failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	// The pull endpoint reports some failures inside a 200 stream; confirm
	// the image actually materialized.
	ok, err = r.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("podman image pull failed", "err", "image not present after pull")
		return fmt.Errorf("image %q not present after pull", image)
	}
	log.Info("podman ensure image ok")
	return nil
}

// Launch ensures the container exists and is running, wiring the caller's
// terminal to it first when attach is non-nil.
func (r *Runtime) Launch(ctx context.Context, spec dockhand.ContainerSpec, attach *dockhand.AttachIO) (dockhand.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("podman launch start")
	inspect, exists, err := r.inspectContainer(ctx, spec.Name)
	if err != nil {
		log.Warn("podman inspect failed", "err", err)
		return nil, err
	}
	if !exists {
		created, err := r.createContainer(ctx, spec)
		if err != nil {
			log.Warn("podman create failed", "err", err)
			return nil, err
		}
		inspect.ID = created.ID
		inspect.Config.Tty = spec.TTY
		inspect.State.Running = false
		log.Info("podman container created", "id", inspect.ID)
	}
	h := &handle{name: spec.Name, id: inspect.ID}
	if attach != nil {
		session, err := r.attach(ctx, inspect.ID, inspect.Config.Tty, *attach)
		if err != nil {
			log.Warn("podman attach failed", "err", err)
			return nil, err
		}
		r.mu.Lock()
		r.sessions[inspect.ID] = session
		r.mu.Unlock()
		log.Debug("podman attach ok", "id", inspect.ID)
	}
	if !inspect.State.Running {
		if err := r.startContainer(ctx, inspect.ID); err != nil {
			log.Warn("podman start failed", "err", err)
			r.dropSession(inspect.ID)
			return nil, err
		}
		log.Info("podman container started", "id", inspect.ID)
	}
	log.Info("podman container ready", "id", inspect.ID)
	return h, nil
}

// Resize propagates a terminal size change to the container.
func (r *Runtime) Resize(ctx context.Context, handle dockhand.Handle, width, height uint16) error {
	if handle == nil {
		return errors.New("container handle is required")
	}
	query := url.Values{}
	query.Set("w", strconv.Itoa(int(width)))
	query.Set("h", strconv.Itoa(int(height)))
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/resize", url.PathEscape(handle.ID())), query, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

// Wait blocks until the container exits and returns its exit code. Any
// attach session is drained and closed before returning so the last output
// reaches the caller's terminal.
func (r *Runtime) Wait(ctx context.Context, handle dockhand.Handle) (dockhand.WaitResult, error) {
	if handle == nil {
		return dockhand.WaitResult{}, errors.New("container handle is required")
	}
	log := r.logger(ctx).With("container", handle.Name(), "id", handle.ID())
	log.Debug("podman wait start")
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/wait", url.PathEscape(handle.ID())), nil, nil, "")
	if err != nil {
		log.Warn("podman wait failed", "err", err)
		return dockhand.WaitResult{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("podman wait failed", "status", res.StatusCode)
		return dockhand.WaitResult{}, readAPIError(res)
	}
	var wait waitResponse
	if err := json.NewDecoder(res.Body).Decode(&wait); err != nil {
		log.Warn("podman wait failed", "err", err)
		return dockhand.WaitResult{}, err
	}
	if wait.Error != nil && wait.Error.Message != "" {
		log.Warn("podman wait failed", "err", wait.Error.Message)
		return dockhand.WaitResult{}, errors.New(wait.Error.Message)
	}

	r.mu.Lock()
	session := r.sessions[handle.ID()]
	delete(r.sessions, handle.ID())
	r.mu.Unlock()
	if session != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = session.wait(drainCtx)
		cancel()
		session.close()
	}
	log.Debug("podman wait ok", "exit_code", wait.StatusCode)
	return dockhand.WaitResult{ExitCode: wait.StatusCode}, nil
}

// Lookup finds a container by name.
func (r *Runtime) Lookup(ctx context.Context, name string) (dockhand.Handle, dockhand.State, error) {
	if strings.TrimSpace(name) == "" {
		return nil, dockhand.State{}, errors.New("container name is required")
	}
	inspect, exists, err := r.inspectContainer(ctx, name)
	if err != nil {
		return nil, dockhand.State{}, err
	}
	if !exists {
		return nil, dockhand.State{}, nil
	}
	state := dockhand.State{
		Exists:   true,
		Running:  inspect.State.Running,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	return &handle{name: name, id: inspect.ID}, state, nil
}

// Stop stops a running container.
func (r *Runtime) Stop(ctx context.Context, handle dockhand.Handle) error {
	if handle == nil {
		return nil
	}
	log := r.logger(ctx).With("container", handle.Name(), "id", handle.ID())
	log.Info("podman stop start")
	query := url.Values{}
	query.Set("timeout", "10")
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/stop", url.PathEscape(handle.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman stop failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	r.dropSession(handle.ID())
	if res.StatusCode == 304 || res.StatusCode == 404 {
		log.Info("podman stop skipped", "status", res.StatusCode)
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman stop failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Info("podman stop ok")
	return nil
}

// Remove removes a container.
func (r *Runtime) Remove(ctx context.Context, handle dockhand.Handle) error {
	if handle == nil {
		return nil
	}
	log := r.logger(ctx).With("container", handle.Name(), "id", handle.ID())
	log.Info("podman remove start")
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, "DELETE", fmt.Sprintf("/containers/%s", url.PathEscape(handle.ID())), query, nil, "")
	if err != nil {
		log.Warn("podman remove failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	r.dropSession(handle.ID())
	if res.StatusCode == 404 {
		log.Info("podman remove skipped", "reason", "not found")
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("podman remove failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Info("podman remove ok")
	return nil
}

// TailLogs returns the last N output lines for a container. TTY containers
// produce a single merged stream; others are demultiplexed.
func (r *Runtime) TailLogs(ctx context.Context, handle dockhand.Handle, limit int) ([]string, error) {
	if handle == nil {
		return nil, errors.New("container handle is required")
	}
	if limit <= 0 {
		limit = 50
	}
	inspect, exists, err := r.inspectContainer(ctx, handle.ID())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("container %s not found", handle.Name())
	}
	query := url.Values{}
	query.Set("follow", "0")
	query.Set("since", "0")
	query.Set("tail", strconv.Itoa(limit))
	query.Set("stdout", "1")
	query.Set("stderr", "1")
	res, err := r.client.do(ctx, "GET", fmt.Sprintf("/containers/%s/logs", url.PathEscape(handle.ID())), query, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, readAPIError(res)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var merged bytes.Buffer
	if inspect.Config.Tty {
		merged.Write(data)
	} else if err := copyDockerStream(bytes.NewReader(data), &merged, &merged); err != nil {
		merged.Reset()
		merged.Write(data)
	}
	return tailLines(merged.String(), limit), nil
}

func (r *Runtime) dropSession(id string) {
	r.mu.Lock()
	session := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if session != nil {
		session.close()
	}
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

func (r *Runtime) inspectContainer(ctx context.Context, name string) (inspectContainer, bool, error) {
	res, err := r.client.do(ctx, "GET", fmt.Sprintf("/containers/%s/json", url.PathEscape(name)), nil, nil, "")
	if err != nil {
		return inspectContainer{}, false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		return inspectContainer{}, false, nil
	}
	if res.StatusCode >= 300 {
		return inspectContainer{}, false, readAPIError(res)
	}
	var inspect inspectContainer
	if err := json.NewDecoder(res.Body).Decode(&inspect); err != nil {
		return inspectContainer{}, false, err
	}
	return inspect, true, nil
}

func (r *Runtime) createContainer(ctx context.Context, spec dockhand.ContainerSpec) (createResponse, error) {
	req := map[string]any{
		"Image":  spec.Image,
		"Labels": spec.Labels,
	}
	if len(spec.Command) > 0 {
		req["Cmd"] = spec.Command
	}
	if spec.WorkingDir != "" {
		req["WorkingDir"] = spec.WorkingDir
	}
	if env := envMapToSlice(spec.Env); len(env) > 0 {
		req["Env"] = env
	}
	if spec.TTY {
		req["Tty"] = true
	}
	if spec.Interactive {
		req["OpenStdin"] = true
		req["AttachStdin"] = true
		req["AttachStdout"] = true
		req["AttachStderr"] = true
	}
	if exposed := buildExposedPorts(spec.Ports); len(exposed) > 0 {
		req["ExposedPorts"] = exposed
	}
	hostConfig := map[string]any{}
	if spec.AutoRemove {
		hostConfig["AutoRemove"] = true
	}
	if r.usernsMode != "" {
		hostConfig["UsernsMode"] = r.usernsMode
	}
	if binds := buildBinds(spec.Mounts); len(binds) > 0 {
		hostConfig["Binds"] = binds
	}
	if bindings := buildPortBindings(spec.Ports); len(bindings) > 0 {
		hostConfig["PortBindings"] = bindings
	}
	if len(hostConfig) > 0 {
		req["HostConfig"] = hostConfig
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return createResponse{}, err
	}
	query := url.Values{}
	query.Set("name", spec.Name)
	res, err := r.client.do(ctx, "POST", "/containers/create", query, bytes.NewReader(payload), "application/json")
	if err != nil {
		return createResponse{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return createResponse{}, readAPIError(res)
	}
	var created createResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return createResponse{}, err
	}
	if created.ID == "" {
		return createResponse{}, errors.New("create did not return container id")
	}
	return created, nil
}

func (r *Runtime) startContainer(ctx context.Context, id string) error {
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/start", url.PathEscape(id)), nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 304 {
		return nil
	}
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func buildBinds(mounts []dockhand.Mount) []string {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		entry := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			entry += ":ro"
		}
		out = append(out, entry)
	}
	return out
}

func buildExposedPorts(ports []dockhand.PortMapping) map[string]struct{} {
	if len(ports) == 0 {
		return nil
	}
	out := map[string]struct{}{}
	for _, p := range ports {
		if p.ContainerPort <= 0 {
			continue
		}
		out[fmt.Sprintf("%d/%s", p.ContainerPort, p.Proto())] = struct{}{}
	}
	return out
}

func buildPortBindings(ports []dockhand.PortMapping) map[string][]map[string]string {
	if len(ports) == 0 {
		return nil
	}
	out := map[string][]map[string]string{}
	for _, p := range ports {
		if p.ContainerPort <= 0 || p.HostPort <= 0 {
			continue
		}
		key := fmt.Sprintf("%d/%s", p.ContainerPort, p.Proto())
		out[key] = append(out[key], map[string]string{
			"HostIp":   p.HostIP,
			"HostPort": strconv.Itoa(p.HostPort),
		})
	}
	return out
}

func splitImageRef(image string) (string, string) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", ""
	}
	if at := strings.Index(image, "@"); at != -1 {
		return image, ""
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:]
	}
	return image, ""
}

func copyDockerStream(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		var dst io.Writer
		switch header[0] {
		case 1:
			dst = stdout
		case 2:
			dst = stderr
		default:
			dst = stdout
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return err
		}
	}
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

// handle represents a podman container handle.
type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
