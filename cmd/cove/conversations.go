package main

import (
	"context"
	"fmt"
	"time"

	cove "github.com/cove-im/cove-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().Bool("sync", false, "reconcile with the backend first")
	conversationsCmd.Flags().Int("limit", 20, "maximum conversations to list")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "maximum messages to show")
	historyCmd.Flags().String("before", "", "page cursor from a previous run")

	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().Int("limit", 20, "maximum matches to show")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := getEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if doSync, _ := cmd.Flags().GetBool("sync"); doSync {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := eng.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			if err := eng.Sync(ctx); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			defer eng.Disconnect()
		}

		limit, _ := cmd.Flags().GetInt("limit")
		convs, err := eng.Conversations(limit)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			title := c.Title
			if title == "" {
				title = "(untitled)"
			}
			status := ""
			if c.Closed {
				status = " [closed]"
			}
			fmt.Printf("%s  %-7s %s%s\n", c.ID, c.Kind, title, status)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show recent messages from the local replica",
	Long:  "Print decrypted messages most recent first, reading only the local replica. Use 'cove conversations --sync' to refresh it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := getEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		before, _ := cmd.Flags().GetString("before")
		msgs, cursor, err := eng.QueryMessages(args[0], cove.MessageQuery{Limit: limit, Before: before})
		if err != nil {
			return err
		}
		for _, m := range msgs {
			body := m.Content
			switch {
			case m.Deleted:
				body = "(deleted)"
			case m.Undecryptable:
				body = "(undecryptable)"
			}
			fmt.Printf("[%s] %s (%s): %s\n",
				m.ClientTS.Format(time.DateTime), m.SenderID, m.Status, body)
		}
		if cursor != "" {
			fmt.Printf("\nNext page: --before %s\n", cursor)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <conversation-id> <query>",
	Short: "Search decrypted message history",
	Long:  "Case-insensitive substring search over the conversation's decrypted history. Runs entirely locally.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := getEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		msgs, err := eng.SearchMessages(args[0], args[1], limit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", m.ClientTS.Format(time.DateTime), m.SenderID, m.Content)
		}
		return nil
	},
}
