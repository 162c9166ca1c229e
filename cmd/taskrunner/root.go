package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"taskrunner/internal/app"
	"taskrunner/internal/config"
	"taskrunner/internal/tasks"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskrunner",
		Short:         "Run repeatable tasks under a controllable lifecycle",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(os.Stdout)
	root.AddCommand(newServeCmd(), newFireCmd(), newValidateCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runners, triggers and metrics endpoint described by a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			path, _ := flags.GetString("config")
			addr, _ := flags.GetString("metrics-addr")
			return serve(cmd.Context(), path, addr)
		},
	}
	flags := cmd.Flags()
	flags.String("config", "./taskrunner.yaml", "Path to configuration file (JSON or YAML)")
	flags.String("metrics-addr", "", "Serve metrics on this address, overriding metrics.addr")
	return cmd
}

func serve(ctx context.Context, path, metricsAddr string) error {
	a, err := app.New(path, app.WithMetricsAddr(metricsAddr))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return stopErr
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse a config file strictly and build its runners without starting them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.NewManager(path).Load()
			if err != nil {
				return err
			}
			triggers := 0
			var errs []error
			for _, rc := range cfg.Runners {
				if _, err := tasks.Build(rc.Name, rc.Task, nil); err != nil {
					errs = append(errs, fmt.Errorf("runner %q: %w", rc.Name, err))
				}
				triggers += len(rc.Triggers)
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d runners, %d triggers)\n", path, len(cfg.Runners), triggers)
			return nil
		},
	}
	cmd.Flags().String("config", "./taskrunner.yaml", "Path to configuration file (JSON or YAML)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskrunner %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
