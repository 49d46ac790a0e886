// ABOUTME: Immutable per-conversation message logs and their reducers
// ABOUTME: Id-deduplicated, ascending by creation time, stable on ties

package store

import (
	"sort"
	"sync"
	"time"

	"github.com/2389/support-chat/internal/chat"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 50

// Log is one conversation's loaded history.
type Log struct {
	Messages []chat.Message // ascending by CreatedAt
	Page     int            // highest page loaded
	HasMore  bool           // older pages exist
}

// Contains reports whether a message with id is in the log.
func (l Log) Contains(id string) bool {
	return l.indexOf(id) >= 0
}

func (l Log) indexOf(id string) int {
	for i := range l.Messages {
		if l.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// MessageState is an immutable snapshot of every loaded log.
type MessageState struct {
	logs map[string]Log
}

// Log returns the log for conversationID; the zero Log when nothing is loaded.
func (s MessageState) Log(conversationID string) Log {
	return s.logs[conversationID]
}

// Loaded reports whether any page or message is held for conversationID.
func (s MessageState) Loaded(conversationID string) bool {
	_, ok := s.logs[conversationID]
	return ok
}

func (s MessageState) with(conversationID string, l Log) MessageState {
	logs := make(map[string]Log, len(s.logs)+1)
	for k, v := range s.logs {
		logs[k] = v
	}
	logs[conversationID] = l
	return MessageState{logs: logs}
}

// Load installs a fetched page. Page 1 replaces the log, keeping messages that
// arrived live and are newer than the page's newest entry. Later pages prepend
// older history, skipping ids already present.
func (s MessageState) Load(conversationID string, page int, msgs []chat.Message, hasMore bool) MessageState {
	if page < 1 {
		page = 1
	}
	existing := s.logs[conversationID]

	seen := make(map[string]struct{}, len(msgs)+len(existing.Messages))
	merged := make([]chat.Message, 0, len(msgs)+len(existing.Messages))

	if page == 1 {
		var newest time.Time
		for _, m := range msgs {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
			if m.CreatedAt.After(newest) {
				newest = m.CreatedAt
			}
		}
		for _, m := range existing.Messages {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			if len(msgs) == 0 || m.CreatedAt.After(newest) {
				seen[m.ID] = struct{}{}
				merged = append(merged, m)
			}
		}
	} else {
		for _, m := range existing.Messages {
			seen[m.ID] = struct{}{}
		}
		for _, m := range msgs {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
		merged = append(merged, existing.Messages...)
		if existing.Page > page {
			page = existing.Page
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return s.with(conversationID, Log{Messages: merged, Page: page, HasMore: hasMore})
}

// AppendIfAbsent inserts msg at its ordered position unless its id is already
// present. It is the only way messages enter a log outside of page loads.
func (s MessageState) AppendIfAbsent(msg chat.Message) (MessageState, bool) {
	l := s.logs[msg.ConversationID]
	if l.Contains(msg.ID) {
		return s, false
	}

	// First index strictly after msg keeps arrival order among equal timestamps.
	at := sort.Search(len(l.Messages), func(i int) bool {
		return l.Messages[i].CreatedAt.After(msg.CreatedAt)
	})
	msgs := make([]chat.Message, 0, len(l.Messages)+1)
	msgs = append(msgs, l.Messages[:at]...)
	msgs = append(msgs, msg)
	msgs = append(msgs, l.Messages[at:]...)
	l.Messages = msgs

	return s.with(msg.ConversationID, l), true
}

// Remove drops a message. Removing an absent id returns the state unchanged.
func (s MessageState) Remove(conversationID, messageID string) (MessageState, bool) {
	l, ok := s.logs[conversationID]
	if !ok {
		return s, false
	}
	i := l.indexOf(messageID)
	if i < 0 {
		return s, false
	}
	msgs := make([]chat.Message, 0, len(l.Messages)-1)
	msgs = append(msgs, l.Messages[:i]...)
	msgs = append(msgs, l.Messages[i+1:]...)
	l.Messages = msgs
	return s.with(conversationID, l), true
}

// MarkReadThrough flags messages sent by sender at or before at as read.
func (s MessageState) MarkReadThrough(conversationID string, sender chat.Role, at time.Time) MessageState {
	l, ok := s.logs[conversationID]
	if !ok {
		return s
	}
	changed := false
	msgs := make([]chat.Message, len(l.Messages))
	copy(msgs, l.Messages)
	for i := range msgs {
		if msgs[i].SenderRole != sender || msgs[i].IsRead {
			continue
		}
		if at.IsZero() || !msgs[i].CreatedAt.After(at) {
			msgs[i].IsRead = true
			changed = true
		}
	}
	if !changed {
		return s
	}
	l.Messages = msgs
	return s.with(conversationID, l)
}

// Clear forgets everything held for conversationID.
func (s MessageState) Clear(conversationID string) MessageState {
	if _, ok := s.logs[conversationID]; !ok {
		return s
	}
	logs := make(map[string]Log, len(s.logs))
	for k, v := range s.logs {
		if k != conversationID {
			logs[k] = v
		}
	}
	return MessageState{logs: logs}
}

// MessageStore holds the current MessageState.
type MessageStore struct {
	mu    sync.RWMutex
	state MessageState
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// Snapshot returns the current state.
func (s *MessageStore) Snapshot() MessageState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Update replaces the state with fn's result and returns it.
func (s *MessageStore) Update(fn func(MessageState) MessageState) MessageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fn(s.state)
	return s.state
}
