package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// composed is the dry-run output for one operation.
type composed struct {
	Index     int                `json:"index"`
	Entity    engine.EntityClass `json:"entityClass"`
	Mode      engine.Mode        `json:"mode"`
	Size      int                `json:"size"`
	Oversized bool               `json:"oversized,omitempty"`
	Escalated bool               `json:"escalated"`
	Plan      *engine.QueryPlan  `json:"plan,omitempty"`
	Script    string             `json:"script"`
}

func newComposeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose [file|-]",
		Short: "Print the scripts operations compile to",
		Long: `Validate operations and print the scripts they compile to without
running them. Operations are checked against the policy gate when it is
enabled. Scripts over the configured size limit are flagged.`,
		Example: `  # Show the script for a task update
  echo '{"entityClass":"task","mode":"update","targetIdentifier":"abc","fieldDelta":{"flagged":true}}' | focusbridge compose`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ops, err := prepareRuntime(cmd, args)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()

			out := cmd.OutOrStdout()
			maxSize := rt.engine.Limits().MaxScriptSize
			for i, op := range ops {
				artifact, err := rt.engine.Prepare(cmd.Context(), op)
				if err != nil {
					return fmt.Errorf("operation %d: %w", i, err)
				}
				c := composed{
					Index:     i,
					Entity:    op.EntityClass,
					Mode:      op.Mode,
					Size:      artifact.Size,
					Oversized: artifact.Size > maxSize,
					Escalated: artifact.Escalated,
					Plan:      artifact.Plan,
					Script:    artifact.Source,
				}
				if jsonOutput {
					if err := printJSON(out, c); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(out, "// [%d] %s/%s, %d bytes", c.Index, c.Entity, c.Mode, c.Size)
				if c.Escalated {
					fmt.Fprint(out, ", escalated")
				}
				if c.Oversized {
					fmt.Fprintf(out, ", over the %d byte limit", maxSize)
				}
				fmt.Fprintf(out, "\n%s\n", c.Script)
			}
			return nil
		},
	}

	return cmd
}

// prepareRuntime reads the operations named by args and opens a dry-run
// runtime.
func prepareRuntime(cmd *cobra.Command, args []string) (*runtime, []engine.Operation, error) {
	loader, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	ops, err := readOperations(loader, args, cmd.InOrStdin())
	if err != nil {
		return nil, nil, err
	}
	rt, err := newRuntime(cmd.Context(), true)
	if err != nil {
		return nil, nil, err
	}
	return rt, ops, nil
}
