package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		limit    int
		offset   int
		workflow string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List the runs recorded in the run history database, newest first.

Requires --db or BLOCKFLOW_DB.`,
		Example: `  blockflow --db blockflow.db history --limit 20
  blockflow --db blockflow.db history --workflow 6f1c...`,
		Args: cobra.NoArgs,
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

			var runs []*stores.Run
			if workflow != "" {
				runs, err = store.ListRunsByWorkflow(cmd.Context(), workflow, limit, offset)
			} else {
				runs, err = store.ListRuns(cmd.Context(), limit, offset)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tERROR")
			for _, r := range runs {
				started := "-"
				if r.StartedAt != nil {
					started = r.StartedAt.Local().Format(time.DateTime)
				}
				code := "-"
				if r.ErrorCode != nil {
					code = *r.ErrorCode
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.WorkflowName, r.Status, started, r.Duration().Round(time.Millisecond), code)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 lists all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().StringVar(&workflow, "workflow", "", "only list runs of this workflow id")

	return cmd
}
