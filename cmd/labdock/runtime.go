package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/frkstrand/labdock/internal/appconfig"
	"github.com/frkstrand/labdock/internal/dockhand"
	"github.com/frkstrand/labdock/internal/dockhand/containerd"
	"github.com/frkstrand/labdock/internal/dockhand/podman"
)

func selectRuntime(ctx context.Context, cfg appconfig.Config) (dockhand.Runtime, func() error, error) {
	switch cfg.Runtime.Backend {
	case "podman":
		rt, err := podman.New(ctx, podman.Config{
			Address:     cfg.Runtime.Podman.Address,
			UserNSMode:  cfg.Runtime.Podman.UserNSMode,
			PullTimeout: time.Duration(cfg.Workbench.PullTimeout) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("podman connection failed (%s): %w", cfg.Runtime.Podman.Address, err)
		}
		return rt, rt.Close, nil
	case "containerd":
		rt, err := containerd.New(ctx, containerd.Config{
			Address:     cfg.Runtime.Containerd.Address,
			Namespace:   cfg.Runtime.Containerd.Namespace,
			PullTimeout: time.Duration(cfg.Workbench.PullTimeout) * time.Minute,
			LogPath:     filepath.Join(cfg.StateDir, "workbench.log"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("containerd connection failed (%s): %w", cfg.Runtime.Containerd.Address, err)
		}
		return rt, rt.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported runtime.backend %q", cfg.Runtime.Backend)
	}
}
