package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  int64
	initBaseURL string
	initHubURL  string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Int64Var(&initUserID, "user-id", 0, "Id of the signed-in user (required)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL, e.g. https://example.com/api")
	initCmd.Flags().StringVar(&initHubURL, "hub-url", "", "Chat hub WebSocket URL, e.g. wss://example.com/hubs/chat")
	_ = initCmd.MarkFlagRequired("user-id")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your access token and user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initUserID <= 0 {
			return fmt.Errorf("--user-id must be positive")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = initUserID
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initHubURL != "" {
			cfg.Default.HubURL = initHubURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
