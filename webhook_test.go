package chatsync

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestPayload(t *testing.T) []byte {
	t.Helper()
	data, err := EncodeEvent(Event{
		Type:         EventMessageNew,
		Conversation: Channel("general"),
		Message: &Message{
			ID:        "msg-001",
			AuthorID:  "user-001",
			Body:      "Hello from test",
			CreatedAt: t0,
		},
	})
	require.NoError(t, err)
	return data
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestPayload(t)
	valid := SignWebhook(body, testSecret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		want      bool
	}{
		{"valid with prefix", body, valid, testSecret, true},
		{"valid without prefix", body, strings.TrimPrefix(valid, "sha256="), testSecret, true},
		{"wrong secret", body, valid, "other-secret", false},
		{"tampered body", append([]byte(nil), append(body, ' ')...), valid, testSecret, false},
		{"empty signature", body, "", testSecret, false},
		{"prefix only", body, "sha256=", testSecret, false},
		{"empty body", nil, valid, testSecret, false},
		{"empty secret", body, valid, "", false},
		{"truncated", body, valid[:20], testSecret, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyWebhookSignature(tt.body, tt.signature, tt.secret))
		})
	}
}

// ============================================================================
// Webhook
// ============================================================================

func TestNewWebhook(t *testing.T) {
	_, err := NewWebhook("", nil, nil)
	assert.Error(t, err)

	wh, err := NewWebhook(testSecret, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, wh)
}

func TestWebhookHandle(t *testing.T) {
	var got []Event
	wh, err := NewWebhook(testSecret, func(ev Event) { got = append(got, ev) }, nil)
	require.NoError(t, err)

	t.Run("valid delivery", func(t *testing.T) {
		body := makeTestPayload(t)
		status, resp := wh.Handle(body, SignWebhook(body, testSecret))

		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, map[string]bool{"ok": true}, resp)
		require.Len(t, got, 1)
		assert.Equal(t, "msg-001", got[0].Message.ID)
	})

	t.Run("bad signature", func(t *testing.T) {
		status, _ := wh.Handle(makeTestPayload(t), "sha256=deadbeef")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Len(t, got, 1)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		body := []byte(`{"type":"message.new","payload":{}}`)
		status, _ := wh.Handle(body, SignWebhook(body, testSecret))
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("ignored type still acknowledged", func(t *testing.T) {
		body := []byte(`{"type":"typing","payload":{}}`)
		status, _ := wh.Handle(body, SignWebhook(body, testSecret))
		assert.Equal(t, http.StatusOK, status)
		assert.Len(t, got, 1)
	})
}

func TestWebhookHTTPHandler(t *testing.T) {
	delivered := make(chan Event, 1)
	wh, err := NewWebhook(testSecret, func(ev Event) { delivered <- ev }, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(wh)
	defer srv.Close()

	t.Run("POST", func(t *testing.T) {
		body := makeTestPayload(t)
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(string(body)))
		require.NoError(t, err)
		req.Header.Set(SignatureHeader, SignWebhook(body, testSecret))

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		ev := <-delivered
		assert.Equal(t, Channel("general"), ev.Conversation)
	})

	t.Run("GET not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("missing signature", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(string(makeTestPayload(t))))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
