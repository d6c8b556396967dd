package dockhand

import "context"

// Runtime manages the workbench container against a backend daemon.
type Runtime interface {
	// ImageExists reports whether the image is present locally without pulling.
	ImageExists(ctx context.Context, image string) (bool, error)
	// EnsureImage pulls the image if it is not available locally.
	EnsureImage(ctx context.Context, image string) error
	// Launch creates the container if needed and starts it. When attach is
	// non-nil the container's terminal is wired to the given streams before
	// start; the streams stay attached until the container exits.
	Launch(ctx context.Context, spec ContainerSpec, attach *AttachIO) (Handle, error)
	// Resize propagates a terminal size change to the container.
	Resize(ctx context.Context, handle Handle, width, height uint16) error
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, handle Handle) (WaitResult, error)
	// Lookup finds a container by name.
	Lookup(ctx context.Context, name string) (Handle, State, error)
	Stop(ctx context.Context, handle Handle) error
	Remove(ctx context.Context, handle Handle) error
	// TailLogs returns up to limit recent output lines from the container.
	TailLogs(ctx context.Context, handle Handle, limit int) ([]string, error)
	Close() error
}

// Handle represents a container known to a runtime.
type Handle interface {
	Name() string
	ID() string
}
