package launch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/frkstrand/labdock/internal/appconfig"
	"github.com/frkstrand/labdock/internal/dockhand"
)

// Plan is the fully resolved launch parameter set for the workbench.
type Plan struct {
	Spec          dockhand.ContainerSpec
	WorkspaceRoot string
	DataSource    string
	NotebookSource string
	URL           string
}

const labelManaged = "labdock.managed"

// Compute resolves the launch plan from the invocation directory and config.
// The workspace root defaults to the parent-of-parent of cwd, matching the
// layout where the tool is invoked from <workspace>/docker/jupyterlab.
func Compute(cwd string, cfg appconfig.Config) (Plan, error) {
	if strings.TrimSpace(cwd) == "" {
		return Plan{}, fmt.Errorf("working directory is required")
	}
	root := strings.TrimSpace(cfg.WorkspaceRoot)
	if root == "" {
		root = filepath.Join(cwd, "..", "..")
	}
	dataSource := NormalizeMountSource(filepath.Join(root, cfg.Workbench.DataDir))
	notebookSource := NormalizeMountSource(filepath.Join(root, cfg.Workbench.NotebookDir))

	spec := dockhand.ContainerSpec{
		Name:  cfg.Workbench.ContainerName,
		Image: cfg.Workbench.Image,
		Env:   cfg.Workbench.Env,
		Labels: map[string]string{
			labelManaged: "true",
		},
		Mounts: []dockhand.Mount{
			{Source: dataSource, Target: cfg.Workbench.DataTarget},
			{Source: notebookSource, Target: cfg.Workbench.NotebookTarget},
		},
		Ports: []dockhand.PortMapping{
			{HostPort: cfg.Workbench.HostPort, ContainerPort: cfg.Workbench.ContainerPort},
		},
		TTY:         true,
		Interactive: true,
	}
	return Plan{
		Spec:           spec,
		WorkspaceRoot:  filepath.Clean(root),
		DataSource:     dataSource,
		NotebookSource: notebookSource,
		URL:            fmt.Sprintf("http://localhost:%d", cfg.Workbench.HostPort),
	}, nil
}

// NormalizeMountSource converts a host path to the forward-slash form the
// runtime API expects and guarantees exactly one leading separator. On Windows
// shells this prepends a slash ahead of the drive letter, which keeps the
// path from being rewritten by MSYS path mangling; elsewhere it is a no-op
// for already-absolute paths.
func NormalizeMountSource(p string) string {
	s := filepath.ToSlash(filepath.Clean(p))
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	for strings.HasPrefix(s, "//") {
		s = s[1:]
	}
	return s
}
