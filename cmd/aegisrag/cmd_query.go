package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aegisrag/aegisrag/internal/query"
)

var queryChatID string

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question over the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		events, _, err := a.pipeline.StreamQuery(cmd.Context(), queryChatID, question)
		if err != nil {
			return err
		}

		for ev := range events {
			switch e := ev.(type) {
			case query.Metadata:
				fmt.Fprintf(os.Stderr, "chat: %s  confidence: %.2f  retrieval: %.3fs\n", e.ChatID, e.Confidence, e.RetrievalTime)
				for _, src := range e.Sources {
					fmt.Fprintf(os.Stderr, "  source: %s (%s, score %.4f)\n", src.Source, src.Type, src.Score)
				}
			case query.Token:
				fmt.Print(e.Content)
			case query.Done:
				fmt.Println()
			case query.ErrorEvent:
				fmt.Println()
				return fmt.Errorf("generation failed: %s", e.Error)
			}
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryChatID, "chat", "", "continue an existing conversation")
}
