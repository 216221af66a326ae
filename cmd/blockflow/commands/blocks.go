package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/pkg/engine"
)

func newBlocksCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List registered block types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tBUILTIN\tDEFAULT POLICY\tDESCRIPTION")
			for _, info := range a.registry.Types() {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", info.ID, info.Builtin, describePolicy(info.DefaultPolicy), info.Description)
			}
			return w.Flush()
		},
	}

	return cmd
}

func describePolicy(p *engine.Policy) string {
	if p == nil {
		return "-"
	}
	var s string
	if p.Retry.MaxAttempts > 0 {
		s = fmt.Sprintf("retry %d", p.Retry.MaxAttempts)
		if kind := p.Retry.Backoff.Kind; kind != "" && kind != engine.BackoffNone {
			s += fmt.Sprintf(" (%s)", kind)
		}
	}
	if p.Timeout > 0 {
		if s != "" {
			s += ", "
		}
		s += "timeout " + p.Timeout.String()
	}
	if s == "" {
		return "-"
	}
	return s
}
