package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [file|-]",
		Short: "Show how reads will be queried",
		Long: `Show the query plan chosen for each read: a native query when the
predicate can be answered by the application's own filters, or a scan
with the predicate evaluated in the script. Mutations are not planned.`,
		Example: `  # Plan a read of flagged, incomplete tasks
  echo '{"entityClass":"task","mode":"read","predicate":{"clauses":[
    {"field":"flagged","op":"eq","value":true},
    {"field":"completed","op":"eq","value":false}]}}' | focusbridge plan`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ops, err := prepareRuntime(cmd, args)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()

			out := cmd.OutOrStdout()
			plans := make([]*engine.QueryPlan, 0, len(ops))
			for i, op := range ops {
				if op.Mode != engine.ModeRead {
					plans = append(plans, nil)
					if !jsonOutput {
						fmt.Fprintf(out, "[%d] %s/%s: not planned\n", i, op.EntityClass, op.Mode)
					}
					continue
				}
				artifact, err := rt.engine.Prepare(cmd.Context(), op)
				if err != nil {
					return fmt.Errorf("operation %d: %w", i, err)
				}
				plans = append(plans, artifact.Plan)
				if !jsonOutput {
					p := artifact.Plan
					fmt.Fprintf(out, "[%d] %s/read: %s", i, op.EntityClass, p.Strategy)
					if p.Reason != "" {
						fmt.Fprintf(out, " (%s)", p.Reason)
					}
					fmt.Fprintln(out)
				}
			}
			if jsonOutput {
				return printJSON(out, plans)
			}
			return nil
		},
	}

	return cmd
}
