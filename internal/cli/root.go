// Package cli implements adherencectl, an offline companion to the adherence
// API for checking prescriptions before they are sent.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "adherencectl",
		Short: "adherencectl - inspect dose schedules offline",
		Long: `adherencectl parses prescriptions into the dose schedule the
adherence API would create, and checks medicines against a formulary.`,
		SilenceUsage: true,
	}
	root.AddCommand(newPlanCmd())
	root.AddCommand(newVerifyCmd())
	return root
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
