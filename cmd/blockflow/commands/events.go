package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/pkg/engine"
	"github.com/blockflow/blockflow/pkg/stores"
)

func newEventsCommand(opts *globalOptions) *cobra.Command {
	var eventType string

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the event journal of a run",
		Long: `Show the events recorded for a run, in the order they were emitted.

Requires --db or BLOCKFLOW_DB.`,
		Example: `  blockflow --db blockflow.db events 0b5d...
  blockflow --db blockflow.db events 0b5d... --type block.failed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.requireStore()
			if err != nil {
				return err
			}

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := store.GetEvents(cmd.Context(), stores.EventQuery{
				RunID: run.ID,
				Type:  engine.EventType(eventType),
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tBLOCK\tATTEMPT\tCODE\tMESSAGE")
			for _, e := range events {
				block := "-"
				if e.BlockID != nil {
					block = fmt.Sprintf("%d", *e.BlockID)
					if e.BlockName != "" {
						block += " " + e.BlockName
					}
				}
				code := "-"
				if e.Code != "" {
					code = e.Domain + "/" + e.Code
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.Timestamp.Local().Format(time.TimeOnly+".000"), e.Type, block, e.Attempt, code, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type")

	return cmd
}
