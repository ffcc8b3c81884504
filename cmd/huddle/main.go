package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.huddle/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	User    ConfigUser    `toml:"user"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	Token     string `toml:"token"`
	BaseURL   string `toml:"base_url"`
	Transport string `toml:"transport"` // "ws" or "sse"
}

// ConfigUser identifies the local user to the sync engine.
type ConfigUser struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// ConfigCache holds local persistence settings.
type ConfigCache struct {
	SnapshotDir string `toml:"snapshot_dir"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.huddle (or $HUDDLE_HOME), creating it if
// needed.
func configDir() (string, error) {
	dir := os.Getenv("HUDDLE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".huddle")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
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

// saveConfig writes the config struct back to disk as TOML.
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

// envOverrides maps environment variables onto config keys.
var envOverrides = map[string]string{
	"HUDDLE_TOKEN":        "default.token",
	"HUDDLE_BASE_URL":     "default.base_url",
	"HUDDLE_TRANSPORT":    "default.transport",
	"HUDDLE_USER_ID":      "user.id",
	"HUDDLE_USER_NAME":    "user.name",
	"HUDDLE_SNAPSHOT_DIR": "cache.snapshot_dir",
}

// applyEnv overlays HUDDLE_* environment variables on cfg. The file on
// disk is left unchanged.
func applyEnv(cfg *Config) {
	for env, key := range envOverrides {
		if v := os.Getenv(env); v != "" {
			_ = setConfigValue(cfg, key, v)
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			if value != "ws" && value != "sse" {
				return fmt.Errorf("transport must be ws or sse, got %q", value)
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "user":
		switch field {
		case "id":
			cfg.User.ID = value
		case "name":
			cfg.User.Name = value
		default:
			return fmt.Errorf("unknown field %q in section [user]", field)
		}
	case "cache":
		switch field {
		case "snapshot_dir":
			cfg.Cache.SnapshotDir = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, user, cache)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Huddle SDK CLI",
	Long:  "Command-line interface for Huddle channels.\nManage configuration, run a dev server, and follow channels live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
