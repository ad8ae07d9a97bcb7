package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var statusConversation string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusConversation, "check", "", "Conversation to fetch one message from (channel:<id> or dm:<id>)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Fprintf(out, "  User ID:    %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Fprintf(out, "  Transport:  %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Token:      %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Fprintln(out, "  Token:      (not set)")
		}
		if cfg.Redis.Addr != "" {
			fmt.Fprintf(out, "  Redis:      %s\n", cfg.Redis.Addr)
		}

		opts, err := cfg.engineOptions()
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sync:")
		fmt.Fprintf(out, "  Page size:      %d\n", intOrDefault(opts.PageSize, chatsync.DefaultPageSize))
		fmt.Fprintf(out, "  Match window:   %s\n", durationOrDefault(opts.MatchWindow, chatsync.DefaultMatchWindow))
		fmt.Fprintf(out, "  Reap interval:  %s\n", durationOrDefault(opts.ReapInterval, chatsync.DefaultReapInterval))
		fmt.Fprintf(out, "  Reap threshold: %s\n", durationOrDefault(opts.ReapThreshold, chatsync.DefaultReapThreshold))

		if statusConversation == "" {
			return nil
		}
		conv, err := chatsync.ParseConversation(statusConversation)
		if err != nil {
			return err
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msgs, err := newClient(cfg).ListMessages(ctx, conv, chatsync.ListOptions{Limit: 1})
		switch {
		case chatsync.IsRejected(err):
			fmt.Fprintf(out, "  Rejected: %v\n", err)
		case err != nil:
			fmt.Fprintf(out, "  Unreachable: %v\n", err)
		case len(msgs) == 0:
			fmt.Fprintf(out, "  %s reachable, no messages\n", conv)
		default:
			fmt.Fprintf(out, "  %s reachable, newest message %s at %s\n", conv, msgs[0].ID, msgs[0].CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

// maskKey shows the first and last four characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func intOrDefault(val, def int) int {
	if val <= 0 {
		return def
	}
	return val
}

func durationOrDefault(val, def time.Duration) time.Duration {
	if val <= 0 {
		return def
	}
	return val
}
