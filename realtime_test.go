package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func encodedEvent(t *testing.T, conv ConversationRef, id string) []byte {
	t.Helper()
	data, err := EncodeEvent(newEvent(conv, Message{ID: id, AuthorID: "bob", Body: "hello", CreatedAt: t0}))
	require.NoError(t, err)
	return data
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "wss://chat.example.com/ws?token=a%2Bb", wsURL("https://chat.example.com", "/ws", "a+b"))
	assert.Equal(t, "ws://127.0.0.1:8080/ws?token=", wsURL("http://127.0.0.1:8080", "/ws", ""))
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})
	var last time.Duration
	for i := 0; i < 3; i++ {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, last/2)
		last = d
	}
	assert.False(t, r.shouldReconnect())

	unlimited := newReconnector(RealtimeConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond, MaxReconnectAttempts: -1})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}

// ============================================================================
// WebSocket
// ============================================================================

func TestRealtimeWSClient(t *testing.T) {
	joins := make(chan RealtimeCommand, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"authenticated","payload":{"userId":"me"}}`)); err != nil {
			return
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var cmd struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			switch cmd.Type {
			case "conversation.join":
				joins <- RealtimeCommand{Type: cmd.Type, Payload: string(cmd.Payload)}
				_ = c.Write(ctx, websocket.MessageText, encodedEvent(t, general, "m1"))
			case "ping":
				var p pongPayload
				_ = json.Unmarshal(cmd.Payload, &p)
				pong := fmt.Sprintf(`{"type":"pong","payload":{"requestId":%q}}`, p.RequestID)
				_ = c.Write(ctx, websocket.MessageText, []byte(pong))
			}
		}
	}))
	defer srv.Close()

	events := make(chan Event, 4)
	ws := NewRealtimeWSClient(srv.URL, func(ev Event) { events <- ev }, &RealtimeConfig{Token: "tok"})
	ctx := context.Background()

	require.NoError(t, ws.Subscribe(ctx, general), "subscribing while offline is recorded")
	require.NoError(t, ws.Connect(ctx))
	defer ws.Close()
	assert.Equal(t, StateConnected, ws.State())

	select {
	case join := <-joins:
		assert.JSONEq(t, `{"conversation":{"type":"channel","id":"general"}}`, join.Payload.(string))
	case <-time.After(3 * time.Second):
		t.Fatal("subscription was not replayed on connect")
	}

	ev := waitEvent(t, events)
	assert.Equal(t, EventMessageNew, ev.Type)
	assert.Equal(t, "m1", ev.Message.ID)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, ws.Ping(pingCtx))

	require.NoError(t, ws.Close())
	assert.Equal(t, StateDisconnected, ws.State())
	assert.Error(t, ws.Send(ctx, &RealtimeCommand{Type: "ping"}))
}

func TestRealtimeWSClientRejectsUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		_ = c.Write(r.Context(), websocket.MessageText, []byte(`{"type":"error","payload":{"message":"bad token"}}`))
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	ws := NewRealtimeWSClient(srv.URL, nil, nil)
	err := ws.Connect(context.Background())
	assert.ErrorContains(t, err, "authenticated")
	assert.Equal(t, StateDisconnected, ws.State())
}

// ============================================================================
// SSE
// ============================================================================

func TestRealtimeSSEClient(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		assert.Equal(t, "/sse", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		assert.Equal(t, []string{"channel:general"}, r.URL.Query()["conversation"])

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, ": keepalive\n\n")
		fmt.Fprintf(w, "data: %s\n\n", encodedEvent(t, general, fmt.Sprintf("m%d", n)))
		flusher.Flush()

		if n == 1 {
			// Drop the first stream to force a reconnect.
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	events := make(chan Event, 4)
	reconnected := make(chan struct{}, 1)
	sse := NewRealtimeSSEClient(srv.URL, func(ev Event) { events <- ev }, &RealtimeConfig{
		Token:              "tok",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	sse.OnReconnected(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	ctx := context.Background()

	require.NoError(t, sse.Subscribe(ctx, general))
	require.NoError(t, sse.Connect(ctx))
	defer sse.Close()

	assert.Equal(t, "m1", waitEvent(t, events).Message.ID)
	assert.Equal(t, "m2", waitEvent(t, events).Message.ID)

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect hook not called")
	}
	assert.Equal(t, StateConnected, sse.State())

	require.NoError(t, sse.Close())
	assert.Equal(t, StateDisconnected, sse.State())
}

func TestRealtimeSSEClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sse := NewRealtimeSSEClient(srv.URL, nil, nil)
	err := sse.Connect(context.Background())
	assert.ErrorContains(t, err, "401")
	assert.Equal(t, StateDisconnected, sse.State())
}
