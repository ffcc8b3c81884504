package main

import (
	"fmt"
	"os"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	configShowReveal    bool
	configShowEffective bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "print the token unmasked")
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "apply HUDDLE_* environment overrides")
}

// renderConfig formats cfg as TOML with the token masked unless reveal is
// set.
func renderConfig(cfg *Config, reveal bool) (string, error) {
	shown := *cfg
	if !reveal && shown.Default.Token != "" {
		shown.Default.Token = maskKey(shown.Default.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot render config: %w", err)
	}
	return string(data), nil
}

// overriddenKeys lists the config keys the environment currently
// overrides, sorted.
func overriddenKeys() []string {
	var keys []string
	for env, key := range envOverrides {
		if os.Getenv(env) != "" {
			keys = append(keys, key+" ("+env+")")
		}
	}
	slices.Sort(keys)
	return keys
}

// displayValue hides secrets in command output.
func displayValue(key, value string) string {
	if key == "default.token" {
		return maskKey(value)
	}
	return value
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Huddle configuration",
	Long:  "View or modify the Huddle CLI configuration ([default], [user] and [cache] sections).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if configShowEffective {
			applyEnv(cfg)
		}
		if *cfg == (Config{}) {
			fmt.Println("No configuration found. Run 'huddle init <token>' to create one.")
			return nil
		}
		out, err := renderConfig(cfg, configShowReveal)
		if err != nil {
			return err
		}
		fmt.Print(out)
		if keys := overriddenKeys(); len(keys) > 0 && !configShowEffective {
			fmt.Printf("\n# overridden by environment: %s\n", strings.Join(keys, ", "))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Keys: default.token, default.base_url, default.transport (ws|sse), user.id, user.name, cache.snapshot_dir\n" +
		"Example: huddle config set default.base_url http://localhost:8780",
	Args: cobra.ExactArgs(2),
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

		fmt.Printf("Set %s = %s\n", key, displayValue(key, value))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
