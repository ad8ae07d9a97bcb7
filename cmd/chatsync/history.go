package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var (
	historyPages int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "Number of pages to load, newest first")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Print the history of a conversation",
	Long:  "Load one or more pages of history for channel:<id> or dm:<id> and print them oldest first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := chatsync.ParseConversation(args[0])
		if err != nil {
			return err
		}
		s, err := loadSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.engine.Open(ctx, conv); err != nil {
			return err
		}
		for i := 1; i < historyPages && s.engine.Snapshot().HasMore; i++ {
			if err := s.engine.LoadOlder(ctx); err != nil {
				return err
			}
		}

		view := s.engine.Snapshot()
		out := cmd.OutOrStdout()
		if historyJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(view.Messages)
		}
		for _, m := range view.Messages {
			printMessage(out, m)
		}
		if view.HasMore {
			fmt.Fprintf(out, "(more history available, use --pages %d)\n", historyPages+1)
		}
		return nil
	},
}
