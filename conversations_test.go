package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversation(id int64, last *Message, unread int) Conversation {
	return Conversation{ConversationID: id, LastMessage: last, UnreadCount: unread}
}

func convIDs(convs []Conversation) []int64 {
	out := make([]int64, len(convs))
	for i, c := range convs {
		out[i] = c.ConversationID
	}
	return out
}

func msgAt(id, conv, sender int64, sec int) *Message {
	m := confirmed(id, conv, sender, "m", at(sec))
	return &m
}

// ============================================================================
// ApplyMessage
// ============================================================================

func TestApplyMessage(t *testing.T) {
	const self = 7

	t.Run("peer message moves conversation to top", func(t *testing.T) {
		convs := []Conversation{
			conversation(1, msgAt(100, 1, 3, 50), 0),
			conversation(2, msgAt(200, 2, 4, 10), 0),
		}

		got := ApplyMessage(convs, confirmed(201, 2, 4, "new", at(60)), self)

		assert.Equal(t, []int64{2, 1}, convIDs(got))
		assert.Equal(t, 1, got[0].UnreadCount)
		assert.Equal(t, int64(201), got[0].LastMessage.MessageID)
		assert.Equal(t, 0, got[1].UnreadCount)
	})

	t.Run("own message does not count as unread", func(t *testing.T) {
		convs := []Conversation{conversation(1, nil, 2)}

		got := ApplyMessage(convs, confirmed(5, 1, self, "mine", at(1)), self)

		assert.Equal(t, 2, got[0].UnreadCount)
		require.NotNil(t, got[0].LastMessage)
	})

	t.Run("unknown conversation leaves list unchanged", func(t *testing.T) {
		convs := []Conversation{conversation(1, msgAt(1, 1, 3, 0), 0)}

		got := ApplyMessage(convs, confirmed(5, 99, 3, "x", at(1)), self)

		assert.Equal(t, convs, got)
	})

	t.Run("input slice untouched", func(t *testing.T) {
		convs := []Conversation{conversation(1, nil, 0)}

		_ = ApplyMessage(convs, confirmed(5, 1, 3, "x", at(1)), self)

		assert.Nil(t, convs[0].LastMessage)
		assert.Equal(t, 0, convs[0].UnreadCount)
	})

	t.Run("recency order holds after any sequence", func(t *testing.T) {
		convs := []Conversation{
			conversation(1, nil, 0),
			conversation(2, nil, 0),
			conversation(3, nil, 0),
		}
		seq := []Message{
			confirmed(1, 2, 3, "a", at(5)),
			confirmed(2, 1, self, "b", at(9)),
			confirmed(3, 3, 4, "c", at(7)),
			confirmed(4, 2, 3, "d", at(11)),
		}
		for _, m := range seq {
			convs = ApplyMessage(convs, m, self)
			for i := 1; i < len(convs); i++ {
				prev, cur := convs[i-1].LastMessage, convs[i].LastMessage
				if cur == nil {
					continue
				}
				require.NotNil(t, prev)
				assert.False(t, prev.SentAt.Before(cur.SentAt))
			}
		}

		assert.Equal(t, []int64{2, 1, 3}, convIDs(convs))
		assert.Equal(t, 2, convs[0].UnreadCount)
		assert.Equal(t, 0, convs[1].UnreadCount)
		assert.Equal(t, 1, convs[2].UnreadCount)
	})
}

// ============================================================================
// SetUnread / SortConversations
// ============================================================================

func TestSetUnread(t *testing.T) {
	convs := []Conversation{conversation(1, nil, 4), conversation(2, nil, 1)}

	t.Run("overwrites count", func(t *testing.T) {
		got := SetUnread(convs, 1, 0)
		assert.Equal(t, 0, got[0].UnreadCount)
		assert.Equal(t, 4, convs[0].UnreadCount)
	})

	t.Run("negative clamps to zero", func(t *testing.T) {
		got := SetUnread(convs, 2, -3)
		assert.Equal(t, 0, got[1].UnreadCount)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		assert.Equal(t, convs, SetUnread(convs, 42, 9))
	})
}

func TestSortConversations(t *testing.T) {
	convs := []Conversation{
		conversation(1, nil, 0),
		conversation(2, msgAt(1, 2, 3, 10), 0),
		conversation(3, nil, 0),
		conversation(4, msgAt(2, 4, 3, 20), 0),
		conversation(5, msgAt(3, 5, 3, 10), 0),
	}

	SortConversations(convs)

	assert.Equal(t, []int64{4, 2, 5, 1, 3}, convIDs(convs))
}
