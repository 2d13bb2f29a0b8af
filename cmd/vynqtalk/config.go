package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vynqtalk/vynqtalk-go"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}

// configKey describes one setting: its dot-notation name, the environment variable
// that overrides it, and the value used when neither is set.
type configKey struct {
	name  string
	env   string
	def   string
	field func(*Config) *string
}

var configKeys = []configKey{
	{"default.base_url", "VYNQTALK_BASE_URL", "", func(c *Config) *string { return &c.Default.BaseURL }},
	{"default.ws_url", "VYNQTALK_WS_URL", "derived from base_url", func(c *Config) *string { return &c.Default.WSURL }},
	{"default.api_version", "VYNQTALK_API_VERSION", vynqtalk.DefaultAPIVersion, func(c *Config) *string { return &c.Default.APIVersion }},
	{"default.log_level", "VYNQTALK_LOG_LEVEL", "warn", func(c *Config) *string { return &c.Default.LogLevel }},
	{"default.store", "VYNQTALK_STORE", "file", func(c *Config) *string { return &c.Default.Store }},
	{"auth.email", "", "", func(c *Config) *string { return &c.Auth.Email }},
	{"auth.user_id", "", "", func(c *Config) *string { return &c.Auth.UserID }},
	{"auth.username", "", "", func(c *Config) *string { return &c.Auth.Username }},
}

// configRow is one line of `config show`.
type configRow struct {
	Key    string
	Value  string
	Source string
}

// effectiveConfig resolves every key the way newClient does: environment first, then
// the file, then the built-in default.
func effectiveConfig(cfg *Config, getenv func(string) string) []configRow {
	rows := make([]configRow, 0, len(configKeys))
	for _, k := range configKeys {
		row := configRow{Key: k.name}
		switch {
		case k.env != "" && getenv(k.env) != "":
			row.Value, row.Source = getenv(k.env), "env "+k.env
		case *k.field(cfg) != "":
			row.Value, row.Source = *k.field(cfg), "config"
		case k.def != "":
			row.Value, row.Source = k.def, "default"
		default:
			row.Value = "(not set)"
		}
		rows = append(rows, row)
	}
	return rows
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage VynqTalk configuration",
	Long:  "View or modify the VynqTalk CLI configuration stored in ~/.vynqtalk/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'vynqtalk config set default.base_url <url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("Config file: %s (not created yet)\n\n", path)
		} else {
			fmt.Printf("Config file: %s\n\n", path)
		}

		rows := effectiveConfig(cfg, os.Getenv)
		width := 0
		for _, r := range rows {
			width = max(width, len(r.Key))
		}
		section := ""
		for _, r := range rows {
			if s, _, _ := strings.Cut(r.Key, "."); s != section {
				if section != "" {
					fmt.Println()
				}
				section = s
				fmt.Printf("[%s]\n", s)
			}
			if r.Source == "" {
				fmt.Printf("  %-*s  %s\n", width, r.Key, r.Value)
			} else {
				fmt.Printf("  %-*s  %s  (%s)\n", width, r.Key, r.Value, r.Source)
			}
		}

		applyEnv(cfg)
		store, closeStore, err := openStore(cfg.Default.Store)
		if err != nil {
			return err
		}
		defer closeStore()
		tp, err := vynqtalk.LoadTokens(store)
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		fmt.Println()
		fmt.Println("[session]")
		fmt.Printf("  %-*s  %s\n", width, "access_token", valueOrDefault(maskToken(tp.AccessToken), "(none)"))
		fmt.Printf("  %-*s  %s\n", width, "refresh_token", valueOrDefault(maskToken(tp.RefreshToken), "(none)"))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: vynqtalk config set default.base_url https://chat.example.com",
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

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := unsetConfigValue(cfg, args[0]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Unset %s\n", args[0])
		return nil
	},
}

func unsetConfigValue(cfg *Config, key string) error {
	for _, k := range configKeys {
		if k.name == key {
			*k.field(cfg) = ""
			return nil
		}
	}
	return fmt.Errorf("unknown config key %q (run 'vynqtalk config show' to list keys)", key)
}
