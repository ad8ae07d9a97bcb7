package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire commands
// ============================================================================

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push clients.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// WatchdogTimeout is how long an SSE stream may stay silent before it
	// is considered dead.
	WatchdogTimeout time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

func (c *RealtimeConfig) defaults() RealtimeConfig {
	var out RealtimeConfig
	if c != nil {
		out = *c
	}
	if out.ReconnectBaseDelay == 0 {
		out.ReconnectBaseDelay = 1 * time.Second
	}
	if out.ReconnectMaxDelay == 0 {
		out.ReconnectMaxDelay = 30 * time.Second
	}
	if out.MaxReconnectAttempts == 0 {
		out.MaxReconnectAttempts = 10
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = 25 * time.Second
	}
	if out.WatchdogTimeout == 0 {
		out.WatchdogTimeout = 45 * time.Second
	}
	if out.HTTPClient == nil {
		out.HTTPClient = http.DefaultClient
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// Source delivers push events for the conversations it is subscribed to.
type Source interface {
	Subscribe(ctx context.Context, conv ConversationRef) error
	OnReconnected(h func())
	Close() error
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential backoff with up to 50% jitter. A connection that
// survived a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Shared client state
// ============================================================================

// realtimeBase is the connection bookkeeping shared by the WS and SSE
// clients: state, subscriptions, lifecycle hooks and reconnect policy.
type realtimeBase struct {
	baseURL string
	config  RealtimeConfig
	handler EventHandler
	log     *zap.Logger
	recon   *reconnector

	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	everConnected    bool
	cancelFn         context.CancelFunc
	subs             map[ConversationRef]struct{}

	hookMu         sync.RWMutex
	onConnected    []func()
	onDisconnected []func(error)
	onReconnected  []func()
}

func newRealtimeBase(baseURL string, handler EventHandler, cfg *RealtimeConfig, transport string) realtimeBase {
	c := cfg.defaults()
	return realtimeBase{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  c,
		handler: handler,
		log:     c.Logger.With(zap.String("transport", transport)),
		recon:   newReconnector(c),
		state:   StateDisconnected,
		subs:    make(map[ConversationRef]struct{}),
	}
}

// State returns the current connection state.
func (b *realtimeBase) State() RealtimeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *realtimeBase) setState(s RealtimeState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// OnConnected registers a handler run after every successful connect.
func (b *realtimeBase) OnConnected(h func()) {
	b.hookMu.Lock()
	b.onConnected = append(b.onConnected, h)
	b.hookMu.Unlock()
}

// OnDisconnected registers a handler run when the connection drops.
func (b *realtimeBase) OnDisconnected(h func(error)) {
	b.hookMu.Lock()
	b.onDisconnected = append(b.onDisconnected, h)
	b.hookMu.Unlock()
}

// OnReconnected registers a handler run when a dropped connection is
// re-established. Events may have been missed in between; callers resync.
func (b *realtimeBase) OnReconnected(h func()) {
	b.hookMu.Lock()
	b.onReconnected = append(b.onReconnected, h)
	b.hookMu.Unlock()
}

func (b *realtimeBase) emitConnected(reconnected bool) {
	b.hookMu.RLock()
	handlers := append([]func(){}, b.onConnected...)
	if reconnected {
		handlers = append(handlers, b.onReconnected...)
	}
	b.hookMu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (b *realtimeBase) emitDisconnected(err error) {
	b.hookMu.RLock()
	handlers := append([]func(error){}, b.onDisconnected...)
	b.hookMu.RUnlock()
	for _, h := range handlers {
		go h(err)
	}
}

// deliver decodes one envelope and hands it to the event handler. Handlers
// run synchronously so per-conversation order is preserved.
func (b *realtimeBase) deliver(data []byte) {
	ev, ok, err := DecodeEnvelope(data)
	if err != nil {
		b.log.Debug("undecodable_event", zap.Error(err))
		return
	}
	if !ok || b.handler == nil {
		return
	}
	b.handler(ev)
}

func (b *realtimeBase) subscriptions() []ConversationRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConversationRef, 0, len(b.subs))
	for c := range b.subs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// beginConnect moves to connecting unless a connection is already up.
func (b *realtimeBase) beginConnect() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateConnected || b.state == StateConnecting {
		return false
	}
	b.state = StateConnecting
	b.intentionalClose = false
	return true
}

// markConnected records a live connection and reports whether it replaces
// an earlier one.
func (b *realtimeBase) markConnected(cancel context.CancelFunc) bool {
	b.mu.Lock()
	b.state = StateConnected
	b.cancelFn = cancel
	reconnected := b.everConnected
	b.everConnected = true
	b.mu.Unlock()
	b.recon.markConnected()
	return reconnected
}

func (b *realtimeBase) intentional() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.intentionalClose
}

// scheduleReconnect retries connect with backoff until it succeeds, the
// attempt budget runs out or the client is closed.
func (b *realtimeBase) scheduleReconnect(connect func(context.Context) error) {
	for b.config.AutoReconnect && b.recon.shouldReconnect() {
		delay := b.recon.nextDelay()
		b.setState(StateReconnecting)
		b.log.Info("reconnecting", zap.Int("attempt", b.recon.attempt), zap.Duration("delay", delay))
		time.Sleep(delay)
		if b.intentional() {
			return
		}
		b.setState(StateDisconnected)
		err := connect(context.Background())
		if err == nil {
			return
		}
		b.log.Warn("reconnect_failed", zap.Error(err))
	}
	b.setState(StateDisconnected)
}

func wsURL(base, path, token string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + path + "?token=" + url.QueryEscape(token)
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket push client with auto-reconnect and
// heartbeat. Subscriptions survive reconnects.
type RealtimeWSClient struct {
	realtimeBase

	conn         *websocket.Conn
	pingCounter  int
	pendingPings map[string]chan pongPayload
	pendingMu    sync.Mutex
}

// NewRealtimeWSClient creates a WebSocket client that delivers decoded
// events to handler.
func NewRealtimeWSClient(baseURL string, handler EventHandler, cfg *RealtimeConfig) *RealtimeWSClient {
	return &RealtimeWSClient{
		realtimeBase: newRealtimeBase(baseURL, handler, cfg, "ws"),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// Connect dials the server, waits for the authenticated frame and re-joins
// every subscribed conversation.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	if !ws.beginConnect() {
		return nil
	}

	conn, _, err := websocket.Dial(ctx, wsURL(ws.baseURL, "/ws", ws.config.Token), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	reconnected := ws.markConnected(cancel)

	for _, conv := range ws.subscriptions() {
		if err := ws.join(ctx, conv); err != nil {
			ws.log.Warn("rejoin_failed", zap.Stringer("conversation", conv), zap.Error(err))
		}
	}

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	ws.log.Info("connected", zap.Bool("reconnected", reconnected))
	ws.emitConnected(reconnected)
	return nil
}

// Subscribe joins conv. While disconnected the subscription is recorded and
// sent on the next connect.
func (ws *RealtimeWSClient) Subscribe(ctx context.Context, conv ConversationRef) error {
	ws.mu.Lock()
	ws.subs[conv] = struct{}{}
	connected := ws.conn != nil
	ws.mu.Unlock()
	if !connected {
		return nil
	}
	return ws.join(ctx, conv)
}

func (ws *RealtimeWSClient) join(ctx context.Context, conv ConversationRef) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]any{"conversation": conv},
	})
}

// Close gracefully closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends an application-level ping and waits for the matching pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) error {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan pongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return errors.New("connection closed")
		}
		return nil
	case <-time.After(10 * time.Second):
		forget()
		return errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ws.intentional() {
				return
			}
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			if ws.cancelFn != nil {
				ws.cancelFn()
				ws.cancelFn = nil
			}
			ws.mu.Unlock()
			ws.clearPendingPings()

			ws.log.Warn("disconnected", zap.Error(err))
			ws.emitDisconnected(err)
			ws.scheduleReconnect(ws.Connect)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == "pong" {
			ws.resolvePong(env.Payload)
			continue
		}
		ws.deliver(data)
	}
}

func (ws *RealtimeWSClient) resolvePong(payload json.RawMessage) {
	var p pongPayload
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[p.RequestID]
	if ok {
		delete(ws.pendingPings, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				ws.log.Warn("heartbeat_failed", zap.Error(err))
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is a server-sent-events push client with auto-reconnect.
// Subscriptions travel as query parameters, so subscribing on a live stream
// re-establishes it.
type RealtimeSSEClient struct {
	realtimeBase

	lastDataTime time.Time
	restarting   bool
}

// NewRealtimeSSEClient creates an SSE client that delivers decoded events to
// handler.
func NewRealtimeSSEClient(baseURL string, handler EventHandler, cfg *RealtimeConfig) *RealtimeSSEClient {
	return &RealtimeSSEClient{realtimeBase: newRealtimeBase(baseURL, handler, cfg, "sse")}
}

func (sse *RealtimeSSEClient) streamURL() string {
	q := url.Values{}
	q.Set("token", sse.config.Token)
	for _, c := range sse.subscriptions() {
		q.Add("conversation", c.String())
	}
	return sse.baseURL + "/sse?" + q.Encode()
}

// Connect opens the event stream.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	if !sse.beginConnect() {
		return nil
	}

	connCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sse.streamURL(), nil)
	if err != nil {
		stop()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	stop()
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.lastDataTime = time.Now()
	sse.mu.Unlock()
	reconnected := sse.markConnected(cancel)

	go sse.readLoop(connCtx, resp)
	go sse.watchdog(connCtx)

	sse.log.Info("connected", zap.Bool("reconnected", reconnected))
	sse.emitConnected(reconnected)
	return nil
}

// Subscribe adds conv to the stream. A live stream is re-established to
// pick the new subscription up.
func (sse *RealtimeSSEClient) Subscribe(ctx context.Context, conv ConversationRef) error {
	sse.mu.Lock()
	if _, ok := sse.subs[conv]; ok {
		sse.mu.Unlock()
		return nil
	}
	sse.subs[conv] = struct{}{}
	live := sse.state == StateConnected
	if live {
		sse.restarting = true
		if sse.cancelFn != nil {
			sse.cancelFn()
		}
	}
	sse.mu.Unlock()
	return nil
}

// Close ends the stream and stops reconnecting.
func (sse *RealtimeSSEClient) Close() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			sse.deliver([]byte(data))
		}
	}

	if sse.intentional() {
		return
	}

	sse.mu.Lock()
	restart := sse.restarting
	sse.restarting = false
	sse.state = StateDisconnected
	sse.cancelFn = nil
	sse.mu.Unlock()

	if restart {
		if err := sse.Connect(context.Background()); err == nil {
			return
		}
	}
	sse.log.Warn("disconnected", zap.Error(scanner.Err()))
	sse.emitDisconnected(scanner.Err())
	sse.scheduleReconnect(sse.Connect)
}

func (sse *RealtimeSSEClient) watchdog(ctx context.Context) {
	ticker := time.NewTicker(sse.config.WatchdogTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > sse.config.WatchdogTimeout
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale && cancel != nil {
				sse.log.Warn("stream_stale")
				cancel()
				return
			}
		}
	}
}

var (
	_ Source = (*RealtimeWSClient)(nil)
	_ Source = (*RealtimeSSEClient)(nil)
)
