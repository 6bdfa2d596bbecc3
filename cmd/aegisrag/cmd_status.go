package main

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show knowledge base statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.db.Stats()
		if err != nil {
			return err
		}

		cmd.Printf("Database:        %s (%d bytes)\n", a.cfg.Storage.DatabasePath, stats.SizeBytes)
		cmd.Printf("Chunks:          %d\n", stats.ChunkCount)
		cmd.Printf("Files:           %d\n", stats.FileCount)
		cmd.Printf("Conversations:   %d\n", stats.ConversationCount)
		cmd.Printf("Messages:        %d\n", stats.MessageCount)
		cmd.Printf("Text index:      %d vectors (dim %d)\n", a.textIndex.Size(), a.textIndex.Dimension())
		if a.jointIndex != nil {
			cmd.Printf("Joint index:     %d vectors (dim %d)\n", a.jointIndex.Size(), a.jointIndex.Dimension())
		}
		return nil
	},
}
