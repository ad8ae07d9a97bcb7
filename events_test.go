package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Run("message.new fills conversation from payload", func(t *testing.T) {
		raw := `{"type":"message.new","payload":{"conversation":{"type":"channel","id":"general"},` +
			`"message":{"id":"m1","clientId":"tmp-1","senderId":"alice","content":"hi","createdAt":"2026-03-01T12:00:00Z"}}}`

		ev, ok, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, EventMessageNew, ev.Type)
		assert.Equal(t, Channel("general"), ev.Conversation)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "m1", ev.Message.ID)
		assert.Equal(t, "tmp-1", ev.Message.TempID)
		assert.Equal(t, Channel("general"), ev.Message.Conversation)
		assert.Equal(t, t0, ev.Message.CreatedAt)
	})

	t.Run("conversation taken from the message when envelope omits it", func(t *testing.T) {
		raw := `{"type":"message.new","payload":{"message":{"id":"m1","conversation":{"type":"dm","id":"d1"},"content":"x"}}}`

		ev, ok, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, Direct("d1"), ev.Conversation)
	})

	t.Run("reaction", func(t *testing.T) {
		raw := `{"type":"reaction.added","payload":{"conversation":{"type":"channel","id":"c"},"messageId":"m1","userId":"bob","emoji":"👍"}}`

		ev, ok, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "m1", ev.MessageID)
		assert.Equal(t, "bob", ev.Participant)
		assert.Equal(t, "👍", ev.Emoji)
	})

	t.Run("read position", func(t *testing.T) {
		raw := `{"type":"read.updated","payload":{"conversation":{"type":"channel","id":"c"},"userId":"bob","lastReadMessageId":"m9"}}`

		ev, ok, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "bob", ev.Participant)
		assert.Equal(t, "m9", ev.MessageID)
	})

	t.Run("unconsumed types are skipped", func(t *testing.T) {
		for _, typ := range []string{"typing", "presence.changed", "pong"} {
			_, ok, err := DecodeEnvelope([]byte(`{"type":"` + typ + `","payload":{}}`))
			assert.NoError(t, err, typ)
			assert.False(t, ok, typ)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		cases := map[string]string{
			"not json":             `{`,
			"bad payload":          `{"type":"message.new","payload":"nope"}`,
			"message without id":   `{"type":"message.new","payload":{"conversation":{"type":"channel","id":"c"},"message":{"content":"x"}}}`,
			"missing conversation": `{"type":"message.deleted","payload":{"messageId":"m1"}}`,
			"missing message id":   `{"type":"message.updated","payload":{"conversation":{"type":"channel","id":"c"},"content":"x"}}`,
		}
		for name, raw := range cases {
			_, ok, err := DecodeEnvelope([]byte(raw))
			assert.Error(t, err, name)
			assert.False(t, ok, name)
		}
	})
}

func TestEncodeEvent(t *testing.T) {
	in := Event{
		Type:         EventMessageUpdated,
		Conversation: Direct("d1"),
		MessageID:    "m1",
		Body:         "edited",
		At:           t0.Add(time.Minute),
	}
	data, err := EncodeEvent(in)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "message.updated", env.Type)
	assert.JSONEq(t,
		`{"conversation":{"type":"dm","id":"d1"},"messageId":"m1","content":"edited","at":"2026-03-01T12:01:00Z"}`,
		string(env.Payload))

	out, ok, err := DecodeEvent(env)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestParseConversation(t *testing.T) {
	c, err := ParseConversation("channel:general")
	require.NoError(t, err)
	assert.Equal(t, Channel("general"), c)
	assert.Equal(t, "channel:general", c.String())

	c, err = ParseConversation("dm:abc")
	require.NoError(t, err)
	assert.Equal(t, Direct("abc"), c)

	for _, bad := range []string{"general", "channel:", "group:x", ""} {
		_, err := ParseConversation(bad)
		assert.Error(t, err, bad)
	}
}
