package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("user-id", "", "local user id (selects your wrapped keys)")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store backend URL and token in ~/.cove/config.toml",
	Long:  "Initialize the Cove CLI by storing the backend URL and your auth token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, token := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		cfg.Auth.Token = token
		if userID, _ := cmd.Flags().GetString("user-id"); userID != "" {
			cfg.Auth.UserID = userID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
