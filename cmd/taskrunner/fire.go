package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"taskrunner/internal/tasks"
	logx "taskrunner/pkg/logx"
	"taskrunner/pkg/runner"
)

// fireFlags is the ad-hoc runner described on the command line.
type fireFlags struct {
	command   string
	timeout   time.Duration
	count     int
	parallel  int
	cycles    int
	delay     time.Duration
	endless   bool
	semaphore bool
	wait      bool
	useLog    bool
	maxErrors int
	logLevel  string
}

func (f *fireFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.command, "cmd", "", "Shell command to run (sh -c)")
	flags.DurationVar(&f.timeout, "timeout", 0, "Per-invocation timeout (0 means none)")
	flags.IntVarP(&f.count, "count", "n", 1, "Number of slots per pass")
	flags.IntVarP(&f.parallel, "parallel", "p", 0, "Fan-out width per slot (0 runs sequentially)")
	flags.IntVar(&f.cycles, "cycles", 1, "Semaphore cycles per slot")
	flags.DurationVar(&f.delay, "delay", 0, "Pause between slots")
	flags.BoolVar(&f.endless, "endless", false, "Repeat passes until interrupted")
	flags.BoolVar(&f.semaphore, "semaphore", false, "Gate fan-out members through a semaphore")
	flags.BoolVar(&f.wait, "wait", true, "Wait for the run to settle before exiting")
	flags.BoolVar(&f.useLog, "log", false, "Print the runner journal")
	flags.IntVar(&f.maxErrors, "max-errors", 0, "Fault after this many failures (0 never faults)")
	flags.StringVar(&f.logLevel, "log-level", "warn", "Log level for runner diagnostics")
}

func (f *fireFlags) options() *runner.Options {
	o := runner.NewOptions().
		SetCount(f.count).
		SetDelay(f.delay).
		SetEndless(f.endless).
		SetMaxParallel(f.parallel).
		SetCycles(f.cycles).
		SetUseSemaphore(f.semaphore).
		SetLog(f.useLog)
	if f.maxErrors > 0 {
		o.SetErrors(runner.NewErrorCounter(f.maxErrors, runner.CategoryAll))
	}
	return o.Validate()
}

func newFireCmd() *cobra.Command {
	var f fireFlags
	cmd := &cobra.Command{
		Use:   "fire",
		Short: "Run one shell command as an ad-hoc runner and print its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(f.command) == "" {
				return fmt.Errorf("--cmd is required")
			}
			return fire(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func fire(ctx context.Context, out io.Writer, f fireFlags) error {
	opts := []runner.RunnerOption{
		runner.WithLogger(logx.NewConsole(f.logLevel)),
		runner.WithDefaults(f.options()),
	}
	if f.useLog {
		opts = append(opts, runner.WithSink(runner.LineFunc(func(line string) {
			fmt.Fprintln(out, line)
		})))
	}
	r := runner.NewResult("fire", tasks.Exec(f.command, f.timeout), opts...)

	run := r.Fire(runner.CmdStart)
	if !f.wait {
		fmt.Fprintln(out, r.StatusWait())
		_ = r.Stop(context.Background())
		return nil
	}

	if err := run.Wait(ctx); err != nil && ctx.Err() != nil {
		// Interrupted: stop the run and report where it got to.
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = r.Stop(stopCtx)
	}
	for _, v := range r.Results() {
		fmt.Fprintln(out, v)
	}
	fmt.Fprintln(out, r.Status())
	for _, ev := range r.Errors() {
		if ev.Count > 0 {
			fmt.Fprintf(out, "errors[%s] = %d/%d\n", ev.Name, ev.Count, ev.Max)
		}
	}
	return run.Err()
}
