package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	cove "github.com/cove-im/cove-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream incoming messages",
	Long:  "Connect, sync, and print decrypted messages as they arrive. Without a conversation id, all conversations are watched. Ctrl-C stops.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}

		eng, err := getEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		printMsg := func(prefix string, m cove.Message) {
			if filter != "" && m.ConversationID != filter {
				return
			}
			body := m.Content
			if m.Undecryptable {
				body = "(undecryptable)"
			}
			fmt.Printf("[%s] %s %s %s: %s\n",
				m.ClientTS.Format(time.TimeOnly), prefix, m.ConversationID, m.SenderID, body)
		}

		eng.OnMessageReceived(func(m cove.Message) { printMsg("<", m) })
		eng.OnMessageUpdated(func(m cove.Message) { printMsg("~", m) })
		eng.OnMessageDeleted(func(m cove.Message) {
			if filter == "" || m.ConversationID == filter {
				fmt.Printf("[%s] x %s %s deleted\n",
					time.Now().Format(time.TimeOnly), m.ConversationID, m.ID)
			}
		})
		eng.OnConnectionStateChanged(func(sc cove.StateChange) {
			fmt.Fprintf(os.Stderr, "-- connection %s -> %s\n", sc.From, sc.To)
		})
		eng.OnSyncError(func(e cove.SyncError) {
			fmt.Fprintf(os.Stderr, "-- sync error: %v\n", &e)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := eng.Connect(ctx); err != nil {
			cancel()
			return fmt.Errorf("connect: %w", err)
		}
		if err := eng.Sync(ctx); err != nil {
			cancel()
			return fmt.Errorf("sync: %w", err)
		}
		cancel()

		fmt.Fprintln(os.Stderr, "-- watching (Ctrl-C to stop)")
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)
		<-stop
		return eng.Disconnect()
	},
}
