// Package termio wraps the controlling terminal for an attached container
// session: raw mode with guaranteed restore, size queries, and window size
// change notifications.
package termio

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// IsTerminal reports whether fd refers to a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// Size returns the terminal dimensions of fd.
func Size(fd int) (width, height uint16, err error) {
	w, h, err := term.GetSize(fd)
	if err != nil {
		return 0, 0, err
	}
	return uint16(w), uint16(h), nil
}

// Raw holds the saved state of a terminal placed in raw mode.
type Raw struct {
	fd    int
	state *term.State

	mu       sync.Mutex
	restored bool
}

// MakeRaw puts fd into raw mode. Restore must be called on every exit path;
// it is safe to call more than once.
func MakeRaw(fd int) (*Raw, error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &Raw{fd: fd, state: state}, nil
}

// Restore returns the terminal to its saved state.
func (r *Raw) Restore() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.restored {
		return nil
	}
	r.restored = true
	return term.Restore(r.fd, r.state)
}

// NotifyResize invokes fn with the current terminal size once and then on
// every window size change until ctx is canceled. fn runs on a background
// goroutine.
func NotifyResize(ctx context.Context, fd int, fn func(width, height uint16)) {
	if fn == nil {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGWINCH)
	go func() {
		defer signal.Stop(sigCh)
		report := func() {
			w, h, err := Size(fd)
			if err != nil || w == 0 || h == 0 {
				return
			}
			fn(w, h)
		}
		report()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				report()
			}
		}
	}()
}
