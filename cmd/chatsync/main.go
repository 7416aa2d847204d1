package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Session ConfigSession `toml:"session"`
}

// ConfigDefault holds the endpoints.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	HubURL  string `toml:"hub_url"`
}

// ConfigAuth holds the signed-in user.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      int64  `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// ConfigSession tunes the sync engine.
type ConfigSession struct {
	HistoryTake          int  `toml:"history_take"`
	SendIdempotencyKey   bool `toml:"send_idempotency_key"`
	MaxReconnectAttempts int  `toml:"max_reconnect_attempts"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* variables from the
// environment or a local .env file applied on top. The result is never saved.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load(".env")

	overrides := map[string]string{
		"CHATSYNC_BASE_URL": "default.base_url",
		"CHATSYNC_HUB_URL":  "default.hub_url",
		"CHATSYNC_TOKEN":    "auth.token",
		"CHATSYNC_USER_ID":  "auth.user_id",
	}
	for env, key := range overrides {
		if v := os.Getenv(env); v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "hub_url":
			cfg.Default.HubURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("user_id must be a positive integer")
			}
			cfg.Auth.UserID = id
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "session":
		switch field {
		case "history_take", "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s must be an integer", field)
			}
			if field == "history_take" {
				cfg.Session.HistoryTake = n
			} else {
				cfg.Session.MaxReconnectAttempts = n
			}
		case "send_idempotency_key":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("send_idempotency_key must be true or false")
			}
			cfg.Session.SendIdempotencyKey = b
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, session)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for the booking platform chat.\nList conversations, read and send messages, and watch live updates.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
