package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannelPrefix prefixes the pub/sub channel of every conversation.
const RedisChannelPrefix = "chatsync:"

// RedisChannel returns the pub/sub channel carrying conv's events.
func RedisChannel(conv ConversationRef) string {
	return RedisChannelPrefix + conv.String()
}

// RedisSource reads push events straight off the server's Redis fan-out bus.
// It suits bots and bridges running next to the server; end-user clients
// use the WebSocket or SSE clients instead.
type RedisSource struct {
	rdb     *redis.Client
	ps      *redis.PubSub
	handler EventHandler
	log     *zap.Logger

	mu            sync.Mutex
	confirmed     map[string]bool
	onReconnected []func()
	done          chan struct{}
	closeOnce     sync.Once
}

// NewRedisSource starts a receiver on rdb. Events for subscribed
// conversations are passed to handler in publish order.
func NewRedisSource(rdb *redis.Client, handler EventHandler, log *zap.Logger) *RedisSource {
	if log == nil {
		log = zap.NewNop()
	}
	s := &RedisSource{
		rdb:       rdb,
		ps:        rdb.Subscribe(context.Background()),
		handler:   handler,
		log:       log.With(zap.String("transport", "redis")),
		confirmed: make(map[string]bool),
		done:      make(chan struct{}),
	}
	go s.receive()
	return s
}

// Subscribe adds conv's channel to the subscription.
func (s *RedisSource) Subscribe(ctx context.Context, conv ConversationRef) error {
	return s.ps.Subscribe(ctx, RedisChannel(conv))
}

// Unsubscribe drops conv's channel.
func (s *RedisSource) Unsubscribe(ctx context.Context, conv ConversationRef) error {
	ch := RedisChannel(conv)
	s.mu.Lock()
	delete(s.confirmed, ch)
	s.mu.Unlock()
	return s.ps.Unsubscribe(ctx, ch)
}

// OnReconnected registers a handler run when the client re-subscribes after
// losing its connection.
func (s *RedisSource) OnReconnected(h func()) {
	s.mu.Lock()
	s.onReconnected = append(s.onReconnected, h)
	s.mu.Unlock()
}

// Close stops receiving. The underlying client is left open.
func (s *RedisSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ps.Close()
		<-s.done
	})
	return err
}

func (s *RedisSource) receive() {
	defer close(s.done)
	ctx := context.Background()
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return
			}
			// The next Receive reconnects and re-subscribes.
			s.log.Warn("receive_failed", zap.Error(err))
			time.Sleep(250 * time.Millisecond)
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				s.subscribed(m.Channel)
			}
		case *redis.Message:
			ev, ok, err := DecodeEnvelope([]byte(m.Payload))
			if err != nil {
				s.log.Debug("undecodable_event", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if ok && s.handler != nil {
				s.handler(ev)
			}
		}
	}
}

// subscribed records a subscribe confirmation. A second confirmation for
// the same channel means the connection was re-established.
func (s *RedisSource) subscribed(channel string) {
	s.mu.Lock()
	again := s.confirmed[channel]
	s.confirmed[channel] = true
	hooks := append([]func(){}, s.onReconnected...)
	s.mu.Unlock()
	if !again {
		return
	}
	s.log.Info("resubscribed", zap.String("channel", channel))
	for _, h := range hooks {
		go h()
	}
}

// RedisPublisher publishes events onto the fan-out bus in the wire format
// every source understands.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish encodes ev and publishes it on its conversation's channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, RedisChannel(ev.Conversation), data).Err()
}

var _ Source = (*RedisSource)(nil)
