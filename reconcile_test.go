package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func confirmed(id, conv, sender int64, content string, sentAt time.Time) Message {
	return Message{
		MessageID:      id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		SentAt:         sentAt,
		Delivery:       DeliveryConfirmed,
	}
}

func optimistic(conv, sender int64, content string, sentAt time.Time, key string) Message {
	return Message{
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		SentAt:         sentAt,
		ClientKey:      key,
		Delivery:       DeliveryPending,
	}
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageID
	}
	return out
}

// ============================================================================
// MergeMessage
// ============================================================================

func TestMergeMessage(t *testing.T) {
	t.Run("optimistic echo replaced in place", func(t *testing.T) {
		list := []Message{
			confirmed(1, 10, 3, "hi", at(0)),
			optimistic(10, 7, "hello", at(1), "k1"),
		}
		echo := confirmed(2, 10, 7, "hello", at(2))

		got := MergeMessage(list, echo, 7)

		require.Len(t, got, 2)
		assert.Equal(t, []int64{1, 2}, ids(got))
		assert.Equal(t, DeliveryConfirmed, got[1].Delivery)
		assert.Empty(t, got[1].ClientKey)
	})

	t.Run("exact id duplicate is dropped", func(t *testing.T) {
		list := []Message{
			confirmed(1, 10, 3, "hi", at(0)),
			confirmed(2, 10, 7, "hello", at(2)),
		}

		got := MergeMessage(list, confirmed(2, 10, 7, "hello", at(2)), 7)

		assert.Equal(t, list, got)
	})

	t.Run("merge is idempotent", func(t *testing.T) {
		list := []Message{confirmed(1, 10, 3, "hi", at(0))}
		in := confirmed(5, 10, 3, "again", at(4))

		once := MergeMessage(list, in, 7)
		twice := MergeMessage(once, in, 7)

		assert.Equal(t, once, twice)
	})

	t.Run("unmatched message appended", func(t *testing.T) {
		list := []Message{confirmed(1, 10, 3, "hi", at(0))}

		got := MergeMessage(list, confirmed(2, 10, 3, "there", at(1)), 7)

		assert.Len(t, got, len(list)+1)
		assert.Equal(t, []int64{1, 2}, ids(got))
	})

	t.Run("out of order arrival is sorted", func(t *testing.T) {
		list := []Message{
			confirmed(1, 10, 3, "a", at(0)),
			confirmed(3, 10, 3, "c", at(20)),
		}

		got := MergeMessage(list, confirmed(2, 10, 3, "b", at(10)), 7)

		assert.Equal(t, []int64{1, 2, 3}, ids(got))
	})

	t.Run("equal timestamps keep insertion order", func(t *testing.T) {
		list := []Message{confirmed(1, 10, 3, "a", at(5))}

		got := MergeMessage(list, confirmed(2, 10, 3, "b", at(5)), 7)

		assert.Equal(t, []int64{1, 2}, ids(got))
	})

	t.Run("input list is not modified", func(t *testing.T) {
		list := []Message{optimistic(10, 7, "hello", at(1), "k1")}
		before := append([]Message(nil), list...)

		_ = MergeMessage(list, confirmed(2, 10, 7, "hello", at(2)), 7)

		assert.Equal(t, before, list)
	})

	t.Run("outside match window is a new message", func(t *testing.T) {
		list := []Message{optimistic(10, 7, "hello", at(0), "k1")}

		got := MergeMessage(list, confirmed(2, 10, 7, "hello", at(6)), 7)

		require.Len(t, got, 2)
		assert.True(t, got[0].IsOptimistic())
	})

	t.Run("different sender does not match", func(t *testing.T) {
		list := []Message{optimistic(10, 7, "hello", at(0), "k1")}

		got := MergeMessage(list, confirmed(2, 10, 3, "hello", at(1)), 7)

		assert.Len(t, got, 2)
	})

	t.Run("client key match wins over heuristic", func(t *testing.T) {
		list := []Message{
			optimistic(10, 7, "same", at(0), "first"),
			optimistic(10, 7, "same", at(1), "second"),
		}
		echo := confirmed(9, 10, 7, "same", at(1))
		echo.ClientKey = "second"

		got := MergeMessage(list, echo, 7)

		require.Len(t, got, 2)
		assert.Equal(t, "first", got[0].ClientKey)
		assert.True(t, got[0].IsOptimistic())
		assert.Equal(t, int64(9), got[1].MessageID)
	})

	t.Run("identical optimistic sends both kept", func(t *testing.T) {
		list := []Message{optimistic(10, 7, "same", at(0), "a")}

		got := MergeMessage(list, optimistic(10, 7, "same", at(0), "b"), 7)

		assert.Len(t, got, 2)
	})

	t.Run("sender kept when echo has none", func(t *testing.T) {
		pending := optimistic(10, 7, "hello", at(0), "k1")
		pending.Sender = &User{UserID: 7, DisplayName: "Me"}

		got := MergeMessage([]Message{pending}, confirmed(2, 10, 7, "hello", at(1)), 7)

		require.NotNil(t, got[0].Sender)
		assert.Equal(t, "Me", got[0].Sender.DisplayName)
	})
}

func TestSortMessages(t *testing.T) {
	msgs := []Message{
		confirmed(3, 1, 1, "c", at(3)),
		confirmed(1, 1, 1, "a", at(1)),
		confirmed(2, 1, 1, "b", at(1)),
	}

	SortMessages(msgs)

	assert.Equal(t, []int64{1, 2, 3}, ids(msgs))
}
