package main

import (
	"fmt"
	"log/slog"
	"os"

	huddle "github.com/huddle-app/huddle/sdk/golang"
)

// mustConfig loads the config with environment overrides applied.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnv(cfg)
	return cfg
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getClient creates a client for the configured server.
func getClient(cfg *Config) *huddle.Client {
	var opts []huddle.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, huddle.WithBaseURL(cfg.Default.BaseURL))
	}
	return huddle.NewClient(cfg.Default.Token, opts...)
}

// getEngine creates a sync engine for the configured server and user. The
// returned cleanup closes the engine and its snapshot store.
func getEngine(cfg *Config, extra ...huddle.EngineOption) (*huddle.Engine, func(), error) {
	client := getClient(cfg)
	var dialer huddle.Dialer = client.Dialer()
	if cfg.Default.Transport == "sse" {
		dialer = client.SSEDialer()
	}

	opts := []huddle.EngineOption{
		huddle.WithUser(cfg.User.ID, valueOrDefault(cfg.User.Name, cfg.User.ID)),
		huddle.WithLogger(newLogger()),
	}
	var snaps *huddle.PebbleSnapshotStore
	if cfg.Cache.SnapshotDir != "" {
		s, err := huddle.OpenPebbleSnapshotStore(cfg.Cache.SnapshotDir)
		if err != nil {
			return nil, nil, err
		}
		snaps = s
		opts = append(opts, huddle.WithSnapshotStore(s))
	}
	engine := huddle.NewEngine(client, dialer, append(opts, extra...)...)
	return engine, func() {
		engine.Close()
		if snaps != nil {
			snaps.Close()
		}
	}, nil
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
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
