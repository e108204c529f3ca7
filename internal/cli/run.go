package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/thruflo/ember/internal/config"
	"github.com/thruflo/ember/internal/executor"
	"github.com/thruflo/ember/internal/metrics"
)

type runOptions struct {
	maxIterations int
	metricsFile   string
	quiet         bool
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run a task until it completes or stops",
		Long: `Executes steps for a task until it completes, escalates or fails, or until
the adaptive budget stops it (runaway, no progress, budget exhausted).

Runs resume where the last one stopped: all state is read back from
.ember/tasks/<task-id>/. Interrupting with Ctrl-C stops after the current step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, flags, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.maxIterations, "max-iterations", "n", 0, "step ceiling for this run (default: limits.max_iterations)")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file when the run ends")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "only print the final result")
	return cmd
}

func runRun(cmd *cobra.Command, flags *globalFlags, opts *runOptions, taskID string) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}

	st, err := a.store.Load(taskID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	env, err := config.LoadEnvFile(a.projectDir)
	if err != nil {
		return err
	}
	provider, err := newProvider(a.cfg.LLM, env)
	if err != nil {
		return err
	}

	rec := metrics.NewRecorder(nil)
	exec, err := a.executor(provider, rec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	p := newPainter(out)

	runOpts := executor.RunOptions{MaxIterations: opts.maxIterations}
	if !opts.quiet {
		runOpts.OnStep = func(o executor.StepOutcome) { printStep(out, p, o) }
	}

	res, runErr := exec.RunUntilComplete(ctx, taskID, runOpts)

	if opts.metricsFile != "" {
		if err := rec.WriteTextfile(opts.metricsFile); err != nil {
			a.log.Warn("failed to write metrics", "path", opts.metricsFile, "error", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	printResult(out, p, res)

	switch res.Reason {
	case executor.StopCompleted, executor.StopEscalated:
		return nil
	default:
		return fmt.Errorf("task %s stopped: %s", taskID, res.Reason)
	}
}

func printStep(w io.Writer, p painter, o executor.StepOutcome) {
	if o.Skipped {
		return
	}
	step := "-"
	if o.Step > 0 {
		step = fmt.Sprintf("%d", o.Step)
	}
	fmt.Fprintf(w, "step %-3s %-14s %-8s %s\n", step, o.Action, p.result(o.Result), o.Summary)
	if o.Error != "" && o.Error != o.Summary {
		fmt.Fprintf(w, "         %s\n", p.dim(o.Error))
	}
}

func printResult(w io.Writer, p painter, res executor.RunResult) {
	fmt.Fprintln(w)
	printField(w, "Stopped", res.Reason.String())
	if res.Message != "" {
		printField(w, "Reason", res.Message)
	}
	if res.Phase != "" {
		printField(w, "Phase", p.phase(res.Phase))
	}
	printField(w, "Steps", fmt.Sprintf("%d", res.Steps))
	printField(w, "Tokens", fmt.Sprintf("%d", res.TokensUsed))
}
