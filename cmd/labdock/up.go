package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/frkstrand/labdock/internal/appconfig"
	"github.com/frkstrand/labdock/internal/dockhand"
	"github.com/frkstrand/labdock/internal/launch"
	"github.com/frkstrand/labdock/internal/termio"
	"pkt.systems/pslog"
)

// exitCodeError carries the workbench container's exit status up to submain
// so the process exits with the same code.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("workbench exited with code %d", e.code)
}

func newUpCmd() *cobra.Command {
	var cfgPath string
	var detach bool
	var noPull bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Launch the JupyterLab workbench container",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}
			plan, err := launch.Compute(cwd, cfg)
			if err != nil {
				return err
			}
			warnMissingDir(ctx, "data", plan.DataSource)
			warnMissingDir(ctx, "notebooks", plan.NotebookSource)

			rt, closeFn, err := selectRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer func() { _ = closeFn() }()
			}

			if err := ensureWorkbenchImage(ctx, rt, plan.Spec.Image, noPull); err != nil {
				return err
			}

			if detach {
				return upDetached(ctx, cmd, rt, cfg, plan)
			}
			return upAttached(ctx, rt, plan)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to labdock config file")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "launch without attaching the terminal")
	cmd.Flags().BoolVar(&noPull, "no-pull", false, "fail instead of pulling a missing image")
	return cmd
}

func ensureWorkbenchImage(ctx context.Context, rt dockhand.Runtime, image string, noPull bool) error {
	exists, err := rt.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if noPull {
		return fmt.Errorf("image %s not present and --no-pull is set", image)
	}
	pslog.Ctx(ctx).Info("workbench image pull start", "image", image)
	if err := rt.EnsureImage(ctx, image); err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	pslog.Ctx(ctx).Info("workbench image pull ok", "image", image)
	return nil
}

func upDetached(ctx context.Context, cmd *cobra.Command, rt dockhand.Runtime, cfg appconfig.Config, plan launch.Plan) error {
	spec := plan.Spec
	spec.TTY = false
	spec.Interactive = false
	spec.LogPath = filepath.Join(cfg.StateDir, "workbench.log")
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	handle, err := rt.Launch(ctx, spec, nil)
	if err != nil {
		return err
	}
	pslog.Ctx(ctx).Info("workbench start ok", "container", handle.Name(), "id", handle.ID())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "JupyterLab is starting at %s\n", plan.URL)
	qrterminal.GenerateHalfBlock(plan.URL, qrterminal.L, out)
	return nil
}

func upAttached(ctx context.Context, rt dockhand.Runtime, plan launch.Plan) error {
	logger := pslog.Ctx(ctx)
	stdinFD := int(os.Stdin.Fd())
	interactive := termio.IsTerminal(stdinFD)
	if !interactive {
		logger.Warn("stdin is not a terminal, attaching without raw mode")
	}

	attach := &dockhand.AttachIO{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	handle, err := rt.Launch(ctx, plan.Spec, attach)
	if err != nil {
		return err
	}
	logger.Info("workbench start ok",
		"container", handle.Name(), "id", handle.ID(), "url", plan.URL)

	// Raw mode only after the container is up, so launch errors still print
	// on a sane terminal.
	var raw *termio.Raw
	if interactive {
		raw, err = termio.MakeRaw(stdinFD)
		if err != nil {
			logger.Warn("raw mode failed", "err", err)
		}
		termio.NotifyResize(ctx, stdinFD, func(width, height uint16) {
			if err := rt.Resize(ctx, handle, width, height); err != nil {
				logger.Debug("terminal resize failed", "err", err)
			}
		})
	}

	result, waitErr := rt.Wait(ctx, handle)
	if raw != nil {
		_ = raw.Restore()
	}
	if waitErr != nil {
		return waitErr
	}
	logger.Info("workbench exit", "code", result.ExitCode)
	if result.ExitCode != 0 {
		return &exitCodeError{code: result.ExitCode}
	}
	return nil
}

func warnMissingDir(ctx context.Context, kind, path string) {
	info, err := os.Stat(filepath.FromSlash(path))
	if err != nil || !info.IsDir() {
		pslog.Ctx(ctx).Warn("mount source missing, container will see an empty directory",
			"kind", kind, "path", path)
	}
}
