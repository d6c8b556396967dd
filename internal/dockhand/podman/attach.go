package podman

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/frkstrand/labdock/internal/dockhand"
)

// attachSession holds the hijacked connection carrying a container's
// terminal streams.
type attachSession struct {
	conn net.Conn
	br   *bufio.Reader
	tty  bool

	closeOnce sync.Once
	done      chan error
}

// hijack performs an HTTP connection upgrade against the compat API and
// hands back the raw stream.
func (c *client) hijack(ctx context.Context, endpoint string, query url.Values) (net.Conn, *bufio.Reader, error) {
	if c == nil || c.dial == nil || c.baseURL == nil {
		return nil, nil, errors.New("runtime client not initialized")
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	if query == nil {
		query = url.Values{}
	}
	reqURL := *c.baseURL
	reqURL.Path = path.Join("/", apiVersion, strings.TrimPrefix(endpoint, "/"))
	reqURL.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	br := bufio.NewReader(conn)
	res, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	// Podman answers 101 on upgrade; some daemons return a plain 200 and
	// start streaming immediately.
	if res.StatusCode != http.StatusSwitchingProtocols && res.StatusCode != http.StatusOK {
		err := readAPIError(res)
		_ = conn.Close()
		return nil, nil, fmt.Errorf("attach failed: %w", err)
	}
	return conn, br, nil
}

// attach opens the terminal stream for a created container. Must be called
// before the container is started so no early output is lost.
func (r *Runtime) attach(ctx context.Context, id string, tty bool, streams dockhand.AttachIO) (*attachSession, error) {
	query := url.Values{}
	query.Set("stream", "1")
	query.Set("stdin", "1")
	query.Set("stdout", "1")
	query.Set("stderr", "1")
	conn, br, err := r.client.hijack(ctx, fmt.Sprintf("/containers/%s/attach", url.PathEscape(id)), query)
	if err != nil {
		return nil, err
	}
	session := &attachSession{
		conn: conn,
		br:   br,
		tty:  tty,
		done: make(chan error, 1),
	}
	session.pump(streams)
	return session, nil
}

// pump copies the caller's streams to and from the hijacked connection. The
// output copy finishing (EOF on container exit) resolves done.
func (s *attachSession) pump(streams dockhand.AttachIO) {
	if streams.Stdin != nil {
		go func() {
			_, _ = io.Copy(s.conn, streams.Stdin)
			// EOF on the caller's stdin closes the write half so the
			// container sees it, keeping the read half open for output.
			if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
		}()
	}
	stdout := streams.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := streams.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	go func() {
		var err error
		if s.tty {
			// With a terminal allocated the stream is raw; stdout and
			// stderr arrive merged.
			_, err = io.Copy(stdout, s.br)
		} else {
			err = copyDockerStream(s.br, stdout, stderr)
		}
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			s.done <- err
		}
		close(s.done)
	}()
}

// wait blocks until the output stream has drained.
func (s *attachSession) wait(ctx context.Context) error {
	select {
	case err, ok := <-s.done:
		if !ok {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *attachSession) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}
