package main

import (
	"context"
	"fmt"
	"time"

	cove "github.com/cove-im/cove-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Bool("offline", false, "queue the message without connecting")
	sendCmd.Flags().String("type", "text", "message type (text, attachment, trade_proposal, other)")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send an encrypted message",
	Long:  "Encrypt and send a message. With --offline the message is queued locally and delivered on the next sync.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]
		offline, _ := cmd.Flags().GetBool("offline")
		typeFlag, _ := cmd.Flags().GetString("type")

		eng, err := getEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if !offline {
			if err := eng.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			if err := eng.Sync(ctx); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
		}

		m, err := eng.Send(ctx, conversationID, text, cove.MessageType(typeFlag))
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		if offline {
			pending, _ := eng.PendingCount()
			fmt.Printf("Queued %s (%d pending)\n", m.ID, pending)
			return nil
		}

		if err := eng.Drain(ctx); err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
		fmt.Println("Sent.")
		return nil
	},
}
