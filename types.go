package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Identity
// ============================================================================

// User is the minimal identity the engine needs for display.
type User struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks a locally authored message through the send path.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryConfirmed DeliveryState = "confirmed"
)

// Message is a chat message. A zero MessageID marks an optimistic entry that
// the server has not confirmed yet.
type Message struct {
	MessageID      int64         `json:"messageId,omitempty"`
	ConversationID int64         `json:"conversationId"`
	SenderID       int64         `json:"senderId"`
	Content        string        `json:"content"`
	SentAt         time.Time     `json:"sentAt"`
	Sender         *User         `json:"sender,omitempty"`
	ClientKey      string        `json:"clientKey,omitempty"`
	Delivery       DeliveryState `json:"delivery,omitempty"`
}

// IsOptimistic reports whether the message is still awaiting its server echo.
func (m Message) IsOptimistic() bool {
	return m.MessageID == 0
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is one entry of the sidebar list.
type Conversation struct {
	ConversationID int64    `json:"conversationId"`
	UserAID        int64    `json:"userAId,omitempty"`
	UserBID        int64    `json:"userBId,omitempty"`
	OtherUser      *User    `json:"otherUser,omitempty"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
	UnreadCount    int      `json:"unreadCount"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState represents the duplex channel state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// REST listings
// ============================================================================

// Listing is a REST collection result. The chat endpoints answer either with a
// bare JSON array or with a paginated envelope; both decode into a Listing and
// Paginated tells them apart.
type Listing[T any] struct {
	Items     []T
	Paginated bool
	Page      int
	PageSize  int
	Total     int
}

type paginatedEnvelope[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
}

// UnmarshalJSON accepts an array (plain) or an object with an "items" key
// (paginated). Anything else is an error.
func (l *Listing[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = Listing[T]{}
		return nil
	}

	switch trimmed[0] {
	case '[':
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*l = Listing[T]{Items: items}
		return nil
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return err
		}
		if _, ok := probe["items"]; !ok {
			return fmt.Errorf("listing object has no items field")
		}
		var env paginatedEnvelope[T]
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return err
		}
		*l = Listing[T]{
			Items:     env.Items,
			Paginated: true,
			Page:      env.Page,
			PageSize:  env.PageSize,
			Total:     env.TotalCount,
		}
		return nil
	default:
		return fmt.Errorf("unexpected listing shape starting with %q", trimmed[0])
	}
}

// ============================================================================
// Session snapshot
// ============================================================================

// Snapshot is a read-only copy of the session state handed to the
// presentation layer.
type Snapshot struct {
	Conversations         []Conversation
	Messages              []Message
	CurrentConversationID int64
	ConnectionState       ConnectionState
}
