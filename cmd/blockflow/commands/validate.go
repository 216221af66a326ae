package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/pkg/config"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow file",
		Long: `Validate a workflow file without running it.

This command checks:
  - YAML/CUE syntax and the workflow schema
  - Block ids, links, error links and the output reference
  - Included workflow files and include cycles
  - Block types and block configuration against the registry
  - Graph structure (loops, handlers, output resolution)`,
		Example: `  # Validate a workflow
  blockflow validate flows/shout.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := validateFile(cmd, a, args[0]); err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						fmt.Fprintln(cmd.ErrOrStderr(), v.Error())
					}
					return fmt.Errorf("%s: %d validation errors", args[0], len(verrs))
				}
				return err
			}
			return nil
		},
	}

	return cmd
}

func validateFile(cmd *cobra.Command, a *app, path string) error {
	f, wf, err := a.load(path)
	if err != nil {
		return err
	}
	def, err := wf.Build()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d blocks, %d included files)\n",
		path, def.Len(), len(f.Sources())-1)
	return nil
}
