package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frkstrand/labdock/internal/appconfig"
	"github.com/frkstrand/labdock/internal/launch"
)

func newStatusCmd() *cobra.Command {
	var cfgPath string
	var tail int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the workbench container state",
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

			rt, closeFn, err := selectRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer func() { _ = closeFn() }()
			}

			out := cmd.OutOrStdout()
			handle, state, err := rt.Lookup(ctx, plan.Spec.Name)
			if err != nil {
				return err
			}
			if !state.Exists {
				fmt.Fprintf(out, "workbench: not created (container %s)\n", plan.Spec.Name)
				return nil
			}
			fmt.Fprintf(out, "workbench: %s (container %s, id %s)\n", state.Status, handle.Name(), handle.ID())
			if state.Running {
				fmt.Fprintf(out, "url: %s\n", plan.URL)
			} else {
				fmt.Fprintf(out, "last exit code: %d\n", state.ExitCode)
			}
			fmt.Fprintf(out, "data mount: %s -> %s\n", plan.DataSource, cfg.Workbench.DataTarget)
			fmt.Fprintf(out, "notebook mount: %s -> %s\n", plan.NotebookSource, cfg.Workbench.NotebookTarget)

			if tail > 0 {
				lines, err := rt.TailLogs(ctx, handle, tail)
				if err != nil {
					return err
				}
				if len(lines) > 0 {
					fmt.Fprintln(out)
					for _, line := range lines {
						fmt.Fprintln(out, line)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to labdock config file")
	cmd.Flags().IntVar(&tail, "tail", 0, "print up to N recent log lines")
	return cmd
}
