package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-reconciler/internal/models"
	"ledger-reconciler/internal/parsers"
)

// sourcesCmd lists the supported export formats
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List supported statement and bill formats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, name := range parsers.SourceNames() {
			src := models.Source(name)
			kind := "per card"
			if parsers.IsWalletSource(src) {
				kind = "per record"
			}
			fmt.Fprintf(out, "%-10s %-11s %s\n", name, kind, parsers.Describe(src))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
