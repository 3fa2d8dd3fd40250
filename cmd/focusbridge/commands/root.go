package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "focusbridge",
		Short: "focusbridge - OmniFocus automation engine",
		Long: `focusbridge reads and changes OmniFocus data by composing JavaScript for
Automation scripts and running them through osascript, locally or on a
remote Mac over SSH.

Features:
  - Predicate filters planned onto the application's native queries
  - Typed results that separate bridge failures from application errors
  - Escalation of tag and repetition writes to Omni Automation
  - A read cache invalidated by every write
  - Policy enforcement (OPA/rego) with a read-only mode`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.cue, .yaml, .json, .jsonc)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newBatchCommand())
	rootCmd.AddCommand(newComposeCommand())
	rootCmd.AddCommand(newPlanCommand())

	return rootCmd
}
