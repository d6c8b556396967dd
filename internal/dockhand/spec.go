package dockhand

import "io"

// Mount describes a host bind mount to place inside a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortMapping publishes a container port on the host.
type PortMapping struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// ContainerSpec describes the workbench container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	Labels     map[string]string
	WorkingDir string
	Mounts     []Mount
	Ports      []PortMapping
	TTY        bool
	Interactive bool
	AutoRemove bool
	// LogPath captures container output to a file when launched detached.
	// Only honored by backends without a daemon-side log store.
	LogPath string
}

// AttachIO carries the caller's streams for an interactive launch.
type AttachIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// WaitResult captures container termination metadata.
type WaitResult struct {
	ExitCode int
}

// State describes a container's existence and run state.
type State struct {
	Exists   bool
	Running  bool
	Status   string
	ExitCode int
}

// Proto returns the mapping protocol, defaulting to tcp.
func (p PortMapping) Proto() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return p.Protocol
}
