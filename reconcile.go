package chatsync

import (
	"sort"
	"time"
)

// OptimisticMatchWindow is how far apart an optimistic entry and its server
// echo may be stamped and still be considered the same message.
const OptimisticMatchWindow = 5 * time.Second

// MergeMessage merges incoming into list and returns the resulting list. The
// input slice is never modified.
//
// Rules, first match wins:
//  1. a confirmed message already present by id is dropped;
//  2. an optimistic entry matching incoming is replaced in place;
//  3. otherwise incoming is appended.
//
// The content/sender/time heuristic of rule 2 only applies to a confirmed
// incoming message; an incoming optimistic entry matches by client key or is
// appended, so two identical unsent messages stay two entries.
//
// The result is stable-sorted by SentAt. Matching compares the incoming
// sender, so selfUserID does not change the outcome today.
func MergeMessage(list []Message, incoming Message, selfUserID int64) []Message {
	if incoming.MessageID != 0 {
		for _, m := range list {
			if m.MessageID == incoming.MessageID {
				return list
			}
		}
		if incoming.Delivery == "" {
			incoming.Delivery = DeliveryConfirmed
		}
	}

	out := make([]Message, len(list), len(list)+1)
	copy(out, list)

	if idx := findOptimistic(out, incoming); idx >= 0 {
		if incoming.Sender == nil {
			incoming.Sender = out[idx].Sender
		}
		out[idx] = incoming
	} else {
		out = append(out, incoming)
	}

	SortMessages(out)
	return out
}

// findOptimistic returns the index of the placeholder incoming confirms, or -1.
// An exact client key match is preferred over the content/sender/time
// heuristic.
func findOptimistic(list []Message, incoming Message) int {
	if incoming.ClientKey != "" {
		for i, m := range list {
			if m.MessageID == 0 && m.ClientKey == incoming.ClientKey {
				return i
			}
		}
	}
	// Two optimistic sends of the same text are two intents.
	if incoming.MessageID == 0 {
		return -1
	}
	for i, m := range list {
		if m.MessageID != 0 {
			continue
		}
		if m.Content != incoming.Content || m.SenderID != incoming.SenderID {
			continue
		}
		if absDuration(m.SentAt.Sub(incoming.SentAt)) < OptimisticMatchWindow {
			return i
		}
	}
	return -1
}

// SortMessages stable-sorts messages ascending by SentAt in place.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
