package chatsync

import "sort"

// ApplyMessage records msg as the last message of its conversation and bumps
// the unread counter when someone other than selfUserID wrote it. The list is
// returned re-sorted by recency. A message for an unknown conversation leaves
// the list unchanged; conversation metadata is never synthesized here.
func ApplyMessage(convs []Conversation, msg Message, selfUserID int64) []Conversation {
	idx := indexConversation(convs, msg.ConversationID)
	if idx < 0 {
		return convs
	}

	out := make([]Conversation, len(convs))
	copy(out, convs)

	last := msg
	out[idx].LastMessage = &last
	if msg.SenderID != selfUserID {
		out[idx].UnreadCount++
	}

	SortConversations(out)
	return out
}

// SetUnread overwrites the unread counter of one conversation with an
// authoritative value. Negative counts are stored as zero.
func SetUnread(convs []Conversation, conversationID int64, count int) []Conversation {
	idx := indexConversation(convs, conversationID)
	if idx < 0 {
		return convs
	}
	if count < 0 {
		count = 0
	}
	out := make([]Conversation, len(convs))
	copy(out, convs)
	out[idx].UnreadCount = count
	return out
}

// SortConversations stable-sorts conversations by the time of their last
// message, newest first. Conversations without messages go last.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessage, convs[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.SentAt.After(b.SentAt)
		}
	})
}

func indexConversation(convs []Conversation, conversationID int64) int {
	for i := range convs {
		if convs[i].ConversationID == conversationID {
			return i
		}
	}
	return -1
}
