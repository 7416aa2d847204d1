package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Hub method and event names
// ============================================================================

const (
	EventReceiveMessage = "ReceiveMessage"

	MethodSendMessage                   = "SendMessage"
	MethodJoinConversation              = "JoinConversation"
	MethodGetOrCreateDirectConversation = "GetOrCreateDirectConversation"
)

// ============================================================================
// Push payloads
// ============================================================================

// ParseMessagePayload decodes a ReceiveMessage payload into a confirmed
// Message.
func ParseMessagePayload(raw json.RawMessage) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid JSON in message payload: %w", err)
	}

	var missing []string
	if msg.MessageID == 0 {
		missing = append(missing, "messageId")
	}
	if msg.ConversationID == 0 {
		missing = append(missing, "conversationId")
	}
	if msg.SenderID == 0 {
		missing = append(missing, "senderId")
	}
	if msg.Content == "" {
		missing = append(missing, "content")
	}
	if msg.SentAt.IsZero() {
		missing = append(missing, "sentAt")
	}
	if len(missing) > 0 {
		return Message{}, fmt.Errorf("missing required fields in message payload (%s)", strings.Join(missing, ", "))
	}

	msg.Delivery = DeliveryConfirmed
	return msg, nil
}

// parseConversationID decodes the result of GetOrCreateDirectConversation.
// Servers answer with either a bare number or {"conversationId": n}.
func parseConversationID(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var wrapped struct {
		ConversationID int64 `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return 0, fmt.Errorf("unexpected conversation id result %s: %w", string(raw), err)
	}
	return wrapped.ConversationID, nil
}
