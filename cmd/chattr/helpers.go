package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	chattr "github.com/BalaSubramaniam12007/Chattr"
)

// requireAuth loads the config and fails when no session is stored.
func requireAuth() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("not logged in; run 'chattr login <email>' first")
	}
	return cfg, nil
}

// getClient builds a backend client from the stored configuration.
func getClient(cfg *Config) *chattr.Client {
	var opts []chattr.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chattr.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, chattr.WithLogger(cliLogger()))
	return chattr.NewClient(cfg.Auth.Token, opts...)
}

// connectSession dials the realtime service and starts a full session,
// presence included. The returned teardown retracts presence and
// disconnects; call it before exiting.
func connectSession(ctx context.Context, cfg *Config) (*chattr.Session, *chattr.Client, func(), error) {
	client := getClient(cfg)

	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = chattr.DefaultBaseURL
	}
	rt := chattr.NewRealtimeClient(baseURL, cfg.Auth.Token, &chattr.RealtimeConfig{
		AutoReconnect: true,
		Logger:        cliLogger(),
	})
	if err := rt.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("realtime connect: %w", err)
	}

	session := chattr.NewSession(chattr.User{
		ID:       cfg.Auth.UserID,
		Username: cfg.Auth.Username,
	}, client, rt, cliLogger())

	if err := session.Init(ctx); err != nil {
		rt.Disconnect()
		return nil, nil, nil, fmt.Errorf("session init: %w", err)
	}

	teardown := func() {
		session.Teardown(context.Background())
		rt.Disconnect()
	}
	return session, client, teardown, nil
}

// cliLogger logs warnings and errors to stderr so they never interleave
// with command output on stdout.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
