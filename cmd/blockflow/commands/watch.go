package commands

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/pkg/config"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var (
		flags    runFlags
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Re-run a workflow whenever its files change",
		Long: `Run a workflow, then watch the file and every workflow file it includes.
Each change reloads, validates and runs the workflow again. Invalid
changes are logged and the previous run result is kept.

Stop with Ctrl-C.`,
		Example: `  blockflow watch flows/shout.yaml --input hello`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := a.tel.WithContext(cmd.Context())
			logger := a.tel.Logger.WithFields(map[string]interface{}{"file": args[0]})

			var mu sync.Mutex
			onReload := func(f *config.File, err error) {
				if err != nil {
					logger.WithError(err).Error("Workflow reload failed")
					return
				}
				wf, err := f.Build(a.registry)
				if err != nil {
					logger.WithError(err).Error("Workflow build failed")
					return
				}

				mu.Lock()
				defer mu.Unlock()
				if ctx.Err() != nil {
					return
				}
				if err := runOnce(ctx, cmd.OutOrStdout(), wf, &flags, a.sink()); err != nil {
					logger.WithError(err).Warn("Run did not succeed")
				}
			}

			w, err := config.NewWatcher(args[0], onReload,
				config.WithDebounce(debounce),
				config.WithParser(a.parser),
				config.WithWatchLogger(a.tel.Logger.Zerolog()),
			)
			if err != nil {
				return err
			}

			logger.Info("Watching workflow")
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "time to wait for file writes to settle")

	return cmd
}
