package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/chatsync"
)

func TestSetConfigValue(t *testing.T) {
	valid := []struct {
		key, value string
		check      func(*Config) bool
	}{
		{"default.base_url", "https://chat.example.com", func(c *Config) bool { return c.Default.BaseURL == "https://chat.example.com" }},
		{"default.user_id", "me", func(c *Config) bool { return c.Default.UserID == "me" }},
		{"default.transport", "sse", func(c *Config) bool { return c.Default.Transport == "sse" }},
		{"sync.page_size", "25", func(c *Config) bool { return c.Sync.PageSize == 25 }},
		{"sync.match_window", "45s", func(c *Config) bool { return c.Sync.MatchWindow == "45s" }},
		{"sync.reap_threshold", "3m", func(c *Config) bool { return c.Sync.ReapThreshold == "3m" }},
		{"log.level", "debug", func(c *Config) bool { return c.Log.Level == "debug" }},
		{"redis.addr", "localhost:6379", func(c *Config) bool { return c.Redis.Addr == "localhost:6379" }},
	}
	for _, tt := range valid {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			require.NoError(t, setConfigValue(cfg, tt.key, tt.value))
			assert.True(t, tt.check(cfg))
		})
	}

	invalid := map[string][2]string{
		"no dot":          {"base_url", "x"},
		"unknown section": {"server.port", "1"},
		"unknown field":   {"default.color", "red"},
		"bad transport":   {"default.transport", "carrier-pigeon"},
		"zero page size":  {"sync.page_size", "0"},
		"bad duration":    {"sync.reap_interval", "soon"},
		"bad level":       {"log.level", "loud"},
	}
	for name, kv := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, setConfigValue(&Config{}, kv[0], kv[1]))
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATSYNC_HOME", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	cfg.Default.Token = "sk-test-123456789"
	cfg.Sync.ReapThreshold = "90s"
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigSetCommand(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Cleanup(func() { _ = configShowCmd.Flags().Set("effective", "false") })

	run := func(t *testing.T, args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute())
		return out.String()
	}

	assert.Contains(t, run(t, "config", "show"), "No configuration file found")

	assert.Equal(t, "sync.page_size = 10\n", run(t, "config", "set", "sync.page_size", "10"))
	assert.Equal(t, "default.token = sk-t...6789\n", run(t, "config", "set", "default.token", "sk-test-123456789"))

	show := run(t, "config", "show")
	assert.Contains(t, show, "page_size = 10")
	assert.Contains(t, show, "sk-t...6789")
	assert.NotContains(t, show, "sk-test-123456789")
	assert.NotContains(t, show, "reap_threshold")

	show = run(t, "config", "show", "--effective")
	assert.Contains(t, show, "page_size = 10")
	assert.Contains(t, show, "reap_threshold = '2m0s'")
	assert.Contains(t, show, "transport = 'ws'")

	assert.Equal(t, "sync.page_size = 50\n", run(t, "config", "unset", "sync.page_size"))
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Zero(t, cfg.Sync.PageSize)
	assert.Equal(t, "sk-test-123456789", cfg.Default.Token)

	rootCmd.SetArgs([]string{"config", "set", "sync.reap_interval", "-5s"})
	assert.Error(t, rootCmd.Execute())
}

func TestEngineOptions(t *testing.T) {
	cfg := &Config{Sync: ConfigSync{PageSize: 20, MatchWindow: "10s", ReapThreshold: "5m"}}
	opts, err := cfg.engineOptions()
	require.NoError(t, err)
	assert.Equal(t, 20, opts.PageSize)
	assert.Equal(t, 10*time.Second, opts.MatchWindow)
	assert.Zero(t, opts.ReapInterval, "unset durations fall back to engine defaults")
	assert.Equal(t, 5*time.Minute, opts.ReapThreshold)

	cfg.Sync.ReapInterval = "often"
	_, err = cfg.engineOptions()
	assert.ErrorContains(t, err, "sync.reap_interval")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "sk-t...6789", maskKey("sk-test-123456789"))
}

func TestTailRendererPrintsOnlyChanges(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pending := chatsync.Message{TempID: "tmp", AuthorID: "me", Body: "hi", CreatedAt: at, Status: chatsync.StatusPending}
	other := chatsync.Message{ID: "m1", AuthorID: "bob", Body: "yo", CreatedAt: at, Status: chatsync.StatusSent}

	var out bytes.Buffer
	r := newTailRenderer(&out)

	r.render(chatsync.View{Messages: []chatsync.Message{other, pending}})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "(sending)")

	out.Reset()
	r.render(chatsync.View{Messages: []chatsync.Message{other, pending}})
	assert.Empty(t, out.String())

	confirmed := pending
	confirmed.ID = "m2"
	confirmed.Status = chatsync.StatusSent
	confirmed.Reactions = []chatsync.Reaction{{Participant: "bob", Emoji: "👍"}}
	r.render(chatsync.View{Messages: []chatsync.Message{other, confirmed}})
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "me: hi  (👍 bob)")
}
