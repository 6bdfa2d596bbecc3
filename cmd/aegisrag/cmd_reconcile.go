package main

import (
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-embed records missing from the vector indexes",
	Long: `Compare the record store against the vector indexes and re-embed any
chunk whose vector is missing, typically after an index snapshot was
lost or failed its consistency check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.coord.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Repaired %d text vectors", res.TextRepaired)
		if a.jointIndex != nil {
			cmd.Printf(", %d joint vectors", res.ImageRepaired)
		}
		cmd.Println()
		return nil
	},
}
