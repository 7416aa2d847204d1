package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	chatsync "github.com/truongk6868/FE-Deploy-sub001"
	"go.uber.org/zap"
)

// requireAuth loads the effective config and checks that a user is set up.
func requireAuth() (*Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID <= 0 {
		return nil, fmt.Errorf("not signed in. Run 'chatsync init <token> --user-id <id>' first")
	}
	return cfg, nil
}

func newClient(cfg *Config) *chatsync.Client {
	opts := []chatsync.ClientOption{chatsync.WithClientLogger(logger.Named("rest"))}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(chatsync.StaticToken(cfg.Auth.Token), opts...)
}

// hubURL returns the configured hub URL, or one derived from the REST base
// URL (http://host/api becomes ws://host/hubs/chat).
func hubURL(cfg *Config) (string, error) {
	if cfg.Default.HubURL != "" {
		return cfg.Default.HubURL, nil
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = chatsync.DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/api") + "/hubs/chat"
	return u.String(), nil
}

// openSession builds a session for the configured user and connects it.
// reg may be nil when metrics are not exported.
func openSession(ctx context.Context, cfg *Config, reg prometheus.Registerer) (*chatsync.Session, error) {
	hub, err := hubURL(cfg)
	if err != nil {
		return nil, err
	}

	rt := chatsync.DefaultRealtimeConfig()
	rt.Logger = logger
	if cfg.Session.MaxReconnectAttempts != 0 {
		rt.MaxReconnectAttempts = cfg.Session.MaxReconnectAttempts
	}

	opts := []chatsync.SessionOption{
		chatsync.WithLogger(logger.Named("session")),
		chatsync.WithHistoryTake(cfg.Session.HistoryTake),
		chatsync.WithSendIdempotencyKey(cfg.Session.SendIdempotencyKey),
	}
	if reg != nil {
		m, err := chatsync.NewMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, chatsync.WithMetrics(m))
	}

	session := chatsync.NewSession(newClient(cfg), chatsync.NewWSChannel(hub, rt), opts...)
	logger.Debug("connecting", zap.String("hub", hub), zap.Int64("userId", cfg.Auth.UserID))
	if err := session.Initialize(ctx, cfg.Auth.UserID); err != nil {
		session.Close()
		return nil, fmt.Errorf("connect to chat hub: %w", err)
	}
	return session, nil
}

// maskKey shows the first and last four characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func displayName(u *chatsync.User, fallbackID int64) string {
	if u != nil && u.DisplayName != "" {
		return u.DisplayName
	}
	if u != nil && u.UserID != 0 {
		return fmt.Sprintf("user %d", u.UserID)
	}
	return fmt.Sprintf("user %d", fallbackID)
}
