package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newExecCommand() *cobra.Command {
	var keepGoing bool

	cmd := &cobra.Command{
		Use:   "exec [file|-]",
		Short: "Execute operations in order",
		Long: `Execute one operation, or a list of them, one after another.

Operations are read from a .cue, .yaml, .json or .jsonc file, or as JSON
from standard input. Execution stops at the first operation that does not
succeed unless --keep-going is set. The exit status is non-zero when any
operation did not succeed.`,
		Example: `  # Read flagged tasks
  echo '{"entityClass":"task","mode":"read","predicate":{"clauses":[{"field":"flagged","op":"eq","value":true}]}}' | focusbridge exec

  # Run a file of operations and print JSON results
  focusbridge exec --json ops.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, _, err := loadConfig()
			if err != nil {
				return err
			}
			ops, err := readOperations(loader, args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()

			rt.logger.Debug().Str("source", stdinOrFile(args)).Int("operations", len(ops)).Msg("executing operations")

			out := cmd.OutOrStdout()
			outcomes := make([]outcome, 0, len(ops))
			for i, op := range ops {
				res, err := rt.engine.Execute(cmd.Context(), op)
				o := newOutcome(i, op, res, err)
				outcomes = append(outcomes, o)
				if err := printOutcome(out, o); err != nil {
					return err
				}
				if !o.ok() && !keepGoing {
					if res != nil {
						rt.telemetry.Logger.WithOperation(&op).WithResult(res).Debug("stopping at unsuccessful operation")
					}
					break
				}
			}
			return failedError(outcomes)
		},
	}

	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue after an operation does not succeed")

	return cmd
}
