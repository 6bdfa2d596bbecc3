package main

import (
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect conversation history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		convs, err := a.history.Conversations(cmd.Context(), 50, 0)
		if err != nil {
			return err
		}
		for _, conv := range convs {
			cmd.Printf("%s  %s  %s\n", conv.ChatID, conv.CreatedAt.Format("2006-01-02 15:04"), conv.Title)
		}
		cmd.Printf("%d conversations\n", len(convs))
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <chat_id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.history.Messages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			cmd.Printf("[%s] %s\n", msg.Role, msg.Content)
			for _, src := range msg.Sources {
				cmd.Printf("    source: %s (%s, score %.4f)\n", src.Source, src.Type, src.Score)
			}
		}
		return nil
	},
}

var historySearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search messages across all conversations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.history.SearchMessages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			cmd.Printf("%s  [%s] %s\n", msg.ChatID, msg.Role, msg.Content)
		}
		cmd.Printf("%d matches\n", len(msgs))
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, err := a.history.Clear(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Deleted %d messages\n", deleted)
		return nil
	},
}

func init() {
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historySearchCmd)
	historyCmd.AddCommand(historyClearCmd)
}
