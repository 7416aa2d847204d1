package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessagePayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		raw := json.RawMessage(`{"messageId":5,"conversationId":2,"senderId":3,"content":"hello","sentAt":"2026-03-14T09:00:00Z","sender":{"userId":3,"displayName":"Host"}}`)

		msg, err := ParseMessagePayload(raw)

		require.NoError(t, err)
		assert.Equal(t, int64(5), msg.MessageID)
		assert.Equal(t, DeliveryConfirmed, msg.Delivery)
		require.NotNil(t, msg.Sender)
		assert.Equal(t, "Host", msg.Sender.DisplayName)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ParseMessagePayload(json.RawMessage(`{not json`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid JSON")
	})

	t.Run("missing fields listed", func(t *testing.T) {
		_, err := ParseMessagePayload(json.RawMessage(`{"conversationId":2,"content":"x"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "messageId")
		assert.Contains(t, err.Error(), "senderId")
		assert.Contains(t, err.Error(), "sentAt")
		assert.NotContains(t, err.Error(), "content")
	})
}

func TestParseConversationID(t *testing.T) {
	id, err := parseConversationID(json.RawMessage(`17`))
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)

	id, err = parseConversationID(json.RawMessage(`{"conversationId":23}`))
	require.NoError(t, err)
	assert.Equal(t, int64(23), id)

	_, err = parseConversationID(json.RawMessage(`"abc"`))
	assert.Error(t, err)
}
