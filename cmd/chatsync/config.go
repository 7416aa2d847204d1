package main

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	chatsync "github.com/truongk6868/FE-Deploy-sub001"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration in use: the config file with .env and CHATSYNC_* environment overrides applied. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s (with environment overrides)\n", path)
		fmt.Print(out)
		if cfg.Auth.Token == "" || cfg.Auth.UserID <= 0 {
			fmt.Println("# not signed in; run 'chatsync init <token> --user-id <id>'")
		}
		return nil
	},
}

// renderConfig encodes cfg as TOML with the token masked and the session
// defaults filled in.
func renderConfig(cfg *Config) (string, error) {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	if shown.Session.HistoryTake <= 0 {
		shown.Session.HistoryTake = chatsync.DefaultHistoryTake
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}
	return string(data), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.hub_url wss://example.com/hubs/chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
