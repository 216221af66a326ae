package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <file>",
		Short: "Print the workflow graph in DOT format",
		Long: `Print the built workflow graph in Graphviz DOT format.

Data links are solid, error links dashed and loop back edges dotted.`,
		Example: `  blockflow graph flows/etl.yaml | dot -Tsvg > etl.svg`,
		Args:    cobra.ExactArgs(1),
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
			def, err := wf.Build()
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), def.ToDOT())
			return nil
		},
	}

	return cmd
}
