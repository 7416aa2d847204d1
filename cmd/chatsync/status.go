package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and connection status",
	Long:  "Display the current configuration, connect to the chat hub and report the connection state and unread total.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		hub, err := hubURL(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("  Hub URL:   %s\n", hub)

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID > 0 {
			fmt.Printf("  User ID:   %d\n", cfg.Auth.UserID)
			fmt.Printf("  Name:      %s\n", valueOrDefault(cfg.Auth.DisplayName, "(not set)"))
		} else {
			fmt.Println("  User ID:   (not set)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		if cfg.Auth.Token == "" || cfg.Auth.UserID <= 0 {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		session, err := openSession(ctx, cfg, nil)
		if err != nil {
			fmt.Printf("  Connection:    failed (%v)\n", err)
			return nil
		}
		defer session.Close()

		if err := session.LoadConversations(ctx); err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		snap := session.Snapshot()
		unread := 0
		for _, c := range snap.Conversations {
			unread += c.UnreadCount
		}
		fmt.Printf("  Connection:    %s\n", snap.ConnectionState)
		fmt.Printf("  Conversations: %d\n", len(snap.Conversations))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
