package main

import (
	"fmt"
	"os"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configShowCmd.Flags().Bool("effective", false, "Fill unset values with the defaults the engine would use")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		effective, _ := cmd.Flags().GetBool("effective")
		if _, err := os.Stat(path); os.IsNotExist(err) && !effective {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync init <token>' to create one.")
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if effective {
			cfg, err = cfg.withDefaults()
			if err != nil {
				return err
			}
		}
		if cfg.Default.Token != "" {
			cfg.Default.Token = maskKey(cfg.Default.Token)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set sync.reap_threshold 90s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(cmd, args[0], func(cfg *Config) error {
			return setConfigValue(cfg, args[0], args[1])
		})
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(cmd, args[0], func(cfg *Config) error {
			return setConfigValue(cfg, args[0], "")
		})
	},
}

// updateConfig applies fn to the stored config, checks the result still
// yields valid engine options and reports the value now in effect for key.
func updateConfig(cmd *cobra.Command, key string, fn func(*Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := fn(cfg); err != nil {
		return err
	}
	eff, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, eff.lookup(key))
	return nil
}

// withDefaults returns a copy with every unset connection and [sync] value
// replaced by the one the CLI and engine fall back to.
func (c *Config) withDefaults() (*Config, error) {
	opts, err := c.engineOptions()
	if err != nil {
		return nil, err
	}
	out := *c
	out.Default.BaseURL = valueOrDefault(c.Default.BaseURL, chatsync.DefaultBaseURL)
	out.Default.Transport = valueOrDefault(c.Default.Transport, "ws")
	out.Log.Level = valueOrDefault(c.Log.Level, "info")

	if opts.PageSize <= 0 {
		out.Sync.PageSize = chatsync.DefaultPageSize
	}
	if opts.MatchWindow <= 0 {
		out.Sync.MatchWindow = chatsync.DefaultMatchWindow.String()
	}
	if opts.ReapInterval <= 0 {
		out.Sync.ReapInterval = chatsync.DefaultReapInterval.String()
	}
	if opts.ReapThreshold <= 0 {
		out.Sync.ReapThreshold = chatsync.DefaultReapThreshold.String()
	}
	return &out, nil
}

// lookup returns the value stored under a dotted key, masking the token.
func (c *Config) lookup(key string) string {
	switch key {
	case "default.base_url":
		return c.Default.BaseURL
	case "default.token":
		if c.Default.Token == "" {
			return ""
		}
		return maskKey(c.Default.Token)
	case "default.user_id":
		return c.Default.UserID
	case "default.transport":
		return c.Default.Transport
	case "sync.page_size":
		return strconv.Itoa(c.Sync.PageSize)
	case "sync.match_window":
		return c.Sync.MatchWindow
	case "sync.reap_interval":
		return c.Sync.ReapInterval
	case "sync.reap_threshold":
		return c.Sync.ReapThreshold
	case "log.level":
		return c.Log.Level
	case "redis.addr":
		return c.Redis.Addr
	}
	return ""
}
