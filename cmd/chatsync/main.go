package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/Prismer-AI/chatsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Sync    ConfigSync    `toml:"sync"`
	Log     ConfigLog     `toml:"log"`
	Redis   ConfigRedis   `toml:"redis"`
}

// ConfigDefault holds the server connection settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
	Transport string `toml:"transport"` // "ws", "sse" or "redis"
}

// ConfigSync holds engine tuning. Durations use Go syntax ("30s", "2m").
type ConfigSync struct {
	PageSize      int    `toml:"page_size,omitempty"`
	MatchWindow   string `toml:"match_window,omitempty"`
	ReapInterval  string `toml:"reap_interval,omitempty"`
	ReapThreshold string `toml:"reap_threshold,omitempty"`
}

type ConfigLog struct {
	Level string `toml:"level,omitempty"`
}

type ConfigRedis struct {
	Addr string `toml:"addr,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the configuration directory, creating it if needed.
// CHATSYNC_HOME overrides the default ~/.chatsync.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
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

// setConfigValue sets a config field using dot notation (e.g. "sync.page_size").
// An empty value clears the field.
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		case "transport":
			switch value {
			case "", "ws", "sse", "redis":
			default:
				return fmt.Errorf("transport must be ws, sse or redis, got %q", value)
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "sync":
		switch field {
		case "page_size":
			if value == "" {
				cfg.Sync.PageSize = 0
				return nil
			}
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer, got %q", value)
			}
			cfg.Sync.PageSize = n
			return nil
		case "match_window", "reap_interval", "reap_threshold":
			if d, err := time.ParseDuration(value); value != "" && (err != nil || d <= 0) {
				if err == nil {
					err = fmt.Errorf("must be positive, got %q", value)
				}
				return fmt.Errorf("%s: %w", key, err)
			}
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
		switch field {
		case "match_window":
			cfg.Sync.MatchWindow = value
		case "reap_interval":
			cfg.Sync.ReapInterval = value
		case "reap_threshold":
			cfg.Sync.ReapThreshold = value
		}
	case "log":
		if field != "level" {
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(value)); value != "" && err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		cfg.Log.Level = value
	case "redis":
		if field != "addr" {
			return fmt.Errorf("unknown field %q in section [redis]", field)
		}
		cfg.Redis.Addr = value
	default:
		return fmt.Errorf("unknown config section %q (valid: default, sync, log, redis)", section)
	}
	return nil
}

// engineOptions converts the [sync] section into engine options.
func (c *Config) engineOptions() (*chatsync.EngineOptions, error) {
	opts := &chatsync.EngineOptions{PageSize: c.Sync.PageSize}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"match_window", c.Sync.MatchWindow, &opts.MatchWindow},
		{"reap_interval", c.Sync.ReapInterval, &opts.ReapInterval},
		{"reap_threshold", c.Sync.ReapThreshold, &opts.ReapThreshold},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("sync.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return opts, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Conversation sync CLI",
	Long:  "Command-line client for chat conversations.\nBrowse history, follow a conversation live and send messages.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
