package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/focusbridge/pkg/telemetry"
)

const defaultConcurrency = 4

func newBatchCommand() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "batch [file|-]",
		Short: "Execute independent operations concurrently",
		Long: `Execute a list of independent operations with bounded concurrency.

Identical reads in flight at the same time share one bridge invocation.
Results are printed in input order once every operation has finished. Use
exec when later operations depend on earlier ones.`,
		Example: `  # Run a batch of reads, four at a time
  focusbridge batch reads.json

  # Run with eight concurrent bridge processes
  focusbridge batch --concurrency 8 --json reads.jsonc`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1, got %d", concurrency)
			}

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

			ctx, span := rt.telemetry.Tracer.StartBatchSpan(cmd.Context(), stdinOrFile(args), len(ops))
			defer span.End()

			outcomes := make([]outcome, len(ops))
			var g errgroup.Group
			g.SetLimit(concurrency)
			for i, op := range ops {
				g.Go(func() error {
					res, err := rt.engine.Execute(ctx, op)
					outcomes[i] = newOutcome(i, op, res, err)
					return nil
				})
			}
			_ = g.Wait()

			out := cmd.OutOrStdout()
			for _, o := range outcomes {
				if err := printOutcome(out, o); err != nil {
					return err
				}
			}

			err = failedError(outcomes)
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", defaultConcurrency, "maximum operations in flight")

	return cmd
}
