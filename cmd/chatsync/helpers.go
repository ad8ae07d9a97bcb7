package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Prismer-AI/chatsync"
)

// session bundles everything a conversation command needs.
type session struct {
	cfg    *Config
	log    *zap.Logger
	engine *chatsync.Engine
	source chatsync.Source
}

// loadSession reads the config and starts an engine. The caller must call
// close.
func loadSession(reg prometheus.Registerer) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.Token == "" {
		return nil, errors.New("no token configured. Run 'chatsync init <token>' first")
	}
	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.engineOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = log
	if reg != nil {
		opts.Metrics = chatsync.NewMetrics(reg)
	}

	engine := chatsync.NewEngine(newClient(cfg), cfg.Default.UserID, opts)
	engine.Start()
	return &session{cfg: cfg, log: log, engine: engine}, nil
}

// connect attaches the configured push source to the engine, subscribes
// to conv and resyncs on every reconnect.
func (s *session) connect(ctx context.Context, conv chatsync.ConversationRef) error {
	rc := &chatsync.RealtimeConfig{
		Token:         s.cfg.Default.Token,
		AutoReconnect: true,
		Logger:        s.log,
	}
	base := valueOrDefault(s.cfg.Default.BaseURL, chatsync.DefaultBaseURL)

	switch valueOrDefault(s.cfg.Default.Transport, "ws") {
	case "ws":
		ws := chatsync.NewRealtimeWSClient(base, s.engine.HandleEvent, rc)
		if err := ws.Connect(ctx); err != nil {
			return err
		}
		s.source = ws
	case "sse":
		sse := chatsync.NewRealtimeSSEClient(base, s.engine.HandleEvent, rc)
		if err := sse.Subscribe(ctx, conv); err != nil {
			return err
		}
		if err := sse.Connect(ctx); err != nil {
			return err
		}
		s.source = sse
	case "redis":
		if s.cfg.Redis.Addr == "" {
			return errors.New("transport redis needs redis.addr")
		}
		rdb := redis.NewClient(&redis.Options{Addr: s.cfg.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		s.source = chatsync.NewRedisSource(rdb, s.engine.HandleEvent, s.log)
	default:
		return fmt.Errorf("unknown transport %q", s.cfg.Default.Transport)
	}

	s.source.OnReconnected(func() {
		rctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.engine.Resync(rctx); err != nil {
			s.log.Warn("resync_failed", zap.Error(err))
		}
	})
	return s.source.Subscribe(ctx, conv)
}

func (s *session) close() {
	if s.source != nil {
		_ = s.source.Close()
	}
	s.engine.Stop()
	_ = s.log.Sync()
}

func newClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Default.Token, opts...)
}

// newLogger builds a console logger writing to stderr at level.
func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zc.Build()
}

// printMessage renders one timeline entry.
func printMessage(w io.Writer, m chatsync.Message) {
	var flags []string
	switch m.Status {
	case chatsync.StatusPending:
		flags = append(flags, "sending")
	case chatsync.StatusFailed:
		flags = append(flags, "failed")
	}
	if m.EditedAt != nil && !m.Deleted() {
		flags = append(flags, "edited")
	}
	if m.ParentID != "" {
		flags = append(flags, "reply to "+m.ParentID)
	}
	for _, r := range m.Reactions {
		flags = append(flags, r.Emoji+" "+r.Participant)
	}
	for _, a := range m.Attachments {
		flags = append(flags, "attachment "+a)
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.AuthorID, m.Body)
	if len(flags) > 0 {
		line += "  (" + strings.Join(flags, ", ") + ")"
	}
	fmt.Fprintln(w, line)
}
