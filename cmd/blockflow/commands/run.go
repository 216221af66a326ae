package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/pkg/engine"
	"github.com/blockflow/blockflow/pkg/telemetry"
)

// runFlags are the runner options shared by run and watch.
type runFlags struct {
	input       string
	parallel    int
	cooperative bool
	timeout     time.Duration
	failFast    bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "text input of the entry blocks")
	cmd.Flags().IntVar(&f.parallel, "parallel", engine.DefaultMaxParallel, "maximum concurrent block executions")
	cmd.Flags().BoolVar(&f.cooperative, "cooperative", false, "run one block at a time on the scheduler goroutine")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "run deadline (0 disables)")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "stop the run at the first unhandled block failure")
}

func (f *runFlags) options(sink engine.EventSink) []engine.RunnerOption {
	opts := []engine.RunnerOption{
		engine.WithSink(sink),
		engine.WithMaxParallel(f.parallel),
		engine.WithFailFast(f.failFast),
		engine.WithTimeout(f.timeout),
	}
	if f.cooperative {
		opts = append(opts, engine.WithMode(engine.ModeCooperative))
	}
	return opts
}

func (f *runFlags) value() engine.Value {
	if f.input == "" {
		return engine.Empty()
	}
	return engine.Text(f.input)
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a workflow file",
		Long: `Load a workflow file, run it to completion and print its output.

The run and every block execution are logged; with --db the run and its
events are recorded in the run history. The exit status is 1 when the run
fails and 2 when it times out.`,
		Example: `  # Run a workflow
  blockflow run flows/shout.yaml

  # Feed text to the entry blocks and bound the run
  blockflow run flows/fetch.yaml --input https://example.com --timeout 30s

  # Record the run and expose metrics while it runs
  blockflow --db blockflow.db --metrics-addr :9090 run flows/etl.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			_, wf, err := a.load(args[0])
			if err != nil {
				return err
			}

			ctx := a.tel.WithContext(cmd.Context())
			return runOnce(ctx, cmd.OutOrStdout(), wf, &flags, a.sink())
		},
	}

	flags.register(cmd)
	return cmd
}

// runOnce runs wf, prints its output and returns the run error.
func runOnce(ctx context.Context, out io.Writer, wf *engine.Workflow, flags *runFlags, sink engine.EventSink) error {
	op := telemetry.StartOperation(ctx, "run_workflow")
	outcome := wf.Run(op.Ctx, flags.value(), flags.options(sink)...)
	err := outcome.Err()
	op.End(err)

	op.Logger.WithFields(map[string]interface{}{
		"run_id":   outcome.RunID,
		"workflow": wf.Name(),
		"state":    string(outcome.State),
		"steps":    outcome.Steps,
		"duration": outcome.Duration().String(),
	}).Info("Run finished")

	if outcome.Succeeded() && outcome.HasOutput {
		fmt.Fprintln(out, outcome.Output.String())
	}
	return err
}
