package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-adherence/internal/formulary"
)

func newVerifyCmd() *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "verify <diagnosis> <medicine>",
		Short: "Check a medicine against the formulary for a diagnosis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := formulary.LoadFile(db)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rules.Verify(args[0], args[1]))
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "formulary.csv", "formulary CSV (diagnosis,medicine[,medicine...])")
	return cmd
}
