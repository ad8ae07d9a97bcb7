package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var (
	sendAttachments []string
	sendReplyTo     string
	sendWait        bool
	sendTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringArrayVar(&sendAttachments, "attach", nil, "Attachment reference (repeatable)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply", "", "Message ID to reply to")
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "Wait until the live channel confirms the message")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for the server")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <body>",
	Short: "Send a message",
	Long:  "Send a message to channel:<id> or dm:<id>. With --wait the command returns once the message shows up on the live channel.",
	Args:  cobra.ExactArgs(2),
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

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		notes := make(chan any, 64)
		forward := func(_ chatsync.Topic, p any) {
			select {
			case notes <- p:
			default:
			}
		}
		s.engine.On(chatsync.TopicSendAccepted, forward)
		s.engine.On(chatsync.TopicMessageFailed, forward)
		s.engine.On(chatsync.TopicTimelineChanged, forward)

		if sendWait {
			if err := s.connect(ctx, conv); err != nil {
				return err
			}
		}
		if err := s.engine.Open(ctx, conv); err != nil {
			return err
		}
		if sendReplyTo != "" {
			if err := s.engine.SetReplyTo(sendReplyTo); err != nil {
				return err
			}
		}

		tempID, err := s.engine.Send(ctx, args[1], sendAttachments)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		accepted := ""
		for {
			select {
			case <-ctx.Done():
				if accepted != "" {
					fmt.Fprintf(out, "Accepted as %s, not yet seen on the live channel\n", accepted)
					return nil
				}
				return fmt.Errorf("send %s: %w", tempID, ctx.Err())
			case p := <-notes:
				switch n := p.(type) {
				case *chatsync.SendError:
					if n.TempID != tempID {
						continue
					}
					if chatsync.IsRejected(n.Err) {
						return fmt.Errorf("rejected: %w", n.Err)
					}
					return n
				case chatsync.SendAccepted:
					if n.TempID != tempID {
						continue
					}
					accepted = valueOrDefault(n.MessageID, tempID)
					if !sendWait {
						fmt.Fprintf(out, "Sent %s\n", accepted)
						return nil
					}
				}
				m, ok, err := s.engine.Lookup(ctx, tempID)
				if err != nil && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				if ok && m.Status == chatsync.StatusSent {
					fmt.Fprintf(out, "Delivered %s\n", m.ID)
					return nil
				}
			}
		}
	},
}
