package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frkstrand/labdock/internal/appconfig"
	"github.com/frkstrand/labdock/internal/launch"
	"pkt.systems/pslog"
)

func newDownCmd() *cobra.Command {
	var cfgPath string
	var keep bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the workbench container",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)

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

			rt, closeFn, err := selectRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer func() { _ = closeFn() }()
			}

			handle, state, err := rt.Lookup(ctx, plan.Spec.Name)
			if err != nil {
				return err
			}
			if !state.Exists {
				fmt.Fprintf(cmd.OutOrStdout(), "no workbench container named %s\n", plan.Spec.Name)
				return nil
			}
			if state.Running {
				logger.Info("workbench stop start", "container", handle.Name())
				if err := rt.Stop(ctx, handle); err != nil {
					return err
				}
				logger.Info("workbench stop ok", "container", handle.Name())
			}
			if keep {
				return nil
			}
			if err := rt.Remove(ctx, handle); err != nil {
				return err
			}
			logger.Info("workbench remove ok", "container", handle.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to labdock config file")
	cmd.Flags().BoolVar(&keep, "keep", false, "stop the container but keep it around")
	return cmd
}
