package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("live", false, "connect and probe the backend")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and replica status",
	Long:  "Display the current configuration, check token expiry, and report the local replica and offline queue state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		// Check token expiry.
		if cfg.Auth.TokenExpires != "" {
			expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
			switch {
			case err != nil:
				fmt.Printf("  Expiry:   unparseable (%s)\n", cfg.Auth.TokenExpires)
			case time.Now().Before(expires):
				fmt.Printf("  Expiry:   valid until %s\n", expires.Format(time.RFC3339))
			default:
				fmt.Printf("  Expiry:   EXPIRED %s\n", expires.Format(time.RFC3339))
			}
		}

		if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" {
			return nil
		}

		eng, err := getEngine()
		if err != nil {
			fmt.Printf("\nLocal replica: unavailable (%v)\n", err)
			return nil
		}
		defer eng.Close()

		convs, err := eng.Conversations(0)
		if err != nil {
			return fmt.Errorf("cannot list conversations: %w", err)
		}
		pending, err := eng.PendingCount()
		if err != nil {
			return fmt.Errorf("cannot inspect queue: %w", err)
		}

		fmt.Println()
		fmt.Println("Local replica:")
		fmt.Printf("  Conversations:  %d\n", len(convs))
		fmt.Printf("  Queued actions: %d\n", pending)

		if live, _ := cmd.Flags().GetBool("live"); live {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			fmt.Println()
			fmt.Println("Live status:")
			if err := eng.Connect(ctx); err != nil {
				fmt.Printf("  Connect failed: %v\n", err)
				return nil
			}
			if err := eng.Ping(ctx); err != nil {
				fmt.Printf("  Ping failed: %v\n", err)
			} else {
				fmt.Println("  Connected, ping OK")
			}
			eng.Disconnect()
		}
		return nil
	},
}
