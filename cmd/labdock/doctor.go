package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/frkstrand/labdock/internal/appconfig"
	"github.com/frkstrand/labdock/internal/dockhand"
	"github.com/frkstrand/labdock/internal/launch"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var probeImage string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run labdock diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath, "backend", cfg.Runtime.Backend)

			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}
			plan, err := launch.Compute(cwd, cfg)
			if err != nil {
				return err
			}
			reportDir(logger, "data", plan.DataSource)
			reportDir(logger, "notebooks", plan.NotebookSource)

			rt, closeFn, err := selectRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer func() { _ = closeFn() }()
			}
			logger.Info("doctor runtime ok", "backend", cfg.Runtime.Backend)

			exists, err := rt.ImageExists(ctx, cfg.Workbench.Image)
			if err != nil {
				return err
			}
			if exists {
				logger.Info("doctor workbench image ok", "image", cfg.Workbench.Image)
			} else {
				logger.Warn("doctor workbench image missing, up will pull it",
					"image", cfg.Workbench.Image)
			}

			if err := probeRun(ctx, rt, probeImage, timeout); err != nil {
				return err
			}
			logger.Info("doctor probe ok", "image", probeImage)
			logger.Info("doctor ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to labdock config file")
	cmd.Flags().StringVar(&probeImage, "probe-image", "docker.io/library/busybox:1.36", "image used for the disposable probe container")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "probe timeout")
	return cmd
}

// probeRun starts a short-lived container to prove the backend can create,
// run and reap containers, not just answer API pings.
func probeRun(ctx context.Context, rt dockhand.Runtime, image string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := rt.EnsureImage(ctx, image); err != nil {
		return fmt.Errorf("probe image: %w", err)
	}
	spec := dockhand.ContainerSpec{
		Name:    fmt.Sprintf("labdock-doctor-%d", time.Now().UnixNano()),
		Image:   image,
		Command: []string{"true"},
	}
	handle, err := rt.Launch(ctx, spec, nil)
	if err != nil {
		return fmt.Errorf("probe launch: %w", err)
	}
	defer func() {
		_ = rt.Stop(context.Background(), handle)
		_ = rt.Remove(context.Background(), handle)
	}()

	result, err := rt.Wait(ctx, handle)
	if err != nil {
		return fmt.Errorf("probe wait: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("probe container exited with code %d", result.ExitCode)
	}
	return nil
}

func reportDir(logger pslog.Logger, kind, path string) {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		logger.Warn("doctor mount source missing", "kind", kind, "path", path)
	case !info.IsDir():
		logger.Warn("doctor mount source is not a directory", "kind", kind, "path", path)
	default:
		logger.Info("doctor mount source ok", "kind", kind, "path", path)
	}
}
