// ABOUTME: Immutable conversation list state and its reducers
// ABOUTME: Keeps conversations sorted newest first and tracks the admin unread aggregate by delta

package store

import (
	"sort"
	"sync"
	"time"

	"github.com/2389/support-chat/internal/chat"
)

// ConversationState is an immutable snapshot of the conversation list.
// Reducers return a new state and never modify the receiver or its slices.
type ConversationState struct {
	// Conversations sorted descending by LastMessageAt.
	Conversations []chat.Conversation
	// AggregateUnread is the admin badge: the sum of admin counters, or the
	// last authoritative value pushed by the server.
	AggregateUnread int
}

// Get returns the conversation with id.
func (s ConversationState) Get(id string) (chat.Conversation, bool) {
	i := s.index(id)
	if i < 0 {
		return chat.Conversation{}, false
	}
	return s.Conversations[i], true
}

func (s ConversationState) index(id string) int {
	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (s ConversationState) clone() ConversationState {
	convs := make([]chat.Conversation, len(s.Conversations))
	copy(convs, s.Conversations)
	return ConversationState{Conversations: convs, AggregateUnread: s.AggregateUnread}
}

func sortConversations(convs []chat.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
}

// ReplaceAll swaps in a freshly fetched list and recomputes the aggregate from it.
func (s ConversationState) ReplaceAll(convs []chat.Conversation) ConversationState {
	next := ConversationState{Conversations: make([]chat.Conversation, len(convs))}
	copy(next.Conversations, convs)
	sortConversations(next.Conversations)
	for _, c := range next.Conversations {
		next.AggregateUnread += c.Unread.Admin
	}
	return next
}

// Upsert inserts c or replaces the conversation with the same id.
func (s ConversationState) Upsert(c chat.Conversation) ConversationState {
	next := s.clone()
	if i := next.index(c.ID); i >= 0 {
		next.AggregateUnread += c.Unread.Admin - next.Conversations[i].Unread.Admin
		next.Conversations[i] = c
	} else {
		next.AggregateUnread += c.Unread.Admin
		next.Conversations = append(next.Conversations, c)
	}
	sortConversations(next.Conversations)
	return next.clampAggregate()
}

// Stub returns the placeholder for a conversation the client has not fetched yet.
func Stub(id string) chat.Conversation {
	return chat.Conversation{ID: id, Status: chat.StatusActive}
}

// ApplyRemoteUpdate merges the present fields of patch into the conversation,
// creating a stub first when id is unknown. The list is re-sorted only when
// LastMessageAt changed.
func (s ConversationState) ApplyRemoteUpdate(id string, patch chat.ConversationPatch) ConversationState {
	next := s.clone()
	i := next.index(id)
	if i < 0 {
		next.Conversations = append(next.Conversations, Stub(id))
		i = len(next.Conversations) - 1
	}

	old := next.Conversations[i]
	updated := patch.Apply(old)
	next.Conversations[i] = updated
	next.AggregateUnread += updated.Unread.Admin - old.Unread.Admin

	if !updated.LastMessageAt.Equal(old.LastMessageAt) || i == len(s.Conversations) {
		sortConversations(next.Conversations)
	}
	return next.clampAggregate()
}

// SetPreview sets the list preview of a conversation. Unknown ids are ignored.
func (s ConversationState) SetPreview(id, text string, at time.Time) ConversationState {
	return s.modify(id, func(c chat.Conversation) chat.Conversation {
		c.LastMessage = text
		c.LastMessageAt = at
		return c
	}, true)
}

// IncrementUnread adds one to role's counter.
func (s ConversationState) IncrementUnread(id string, role chat.Role) ConversationState {
	return s.modify(id, func(c chat.Conversation) chat.Conversation {
		c.Unread = c.Unread.With(role, c.Unread.Get(role)+1)
		return c
	}, false)
}

// DecrementUnread takes one off role's counter, stopping at zero.
func (s ConversationState) DecrementUnread(id string, role chat.Role) ConversationState {
	return s.modify(id, func(c chat.Conversation) chat.Conversation {
		c.Unread = c.Unread.With(role, max(c.Unread.Get(role)-1, 0))
		return c
	}, false)
}

// ZeroUnread clears role's counter.
func (s ConversationState) ZeroUnread(id string, role chat.Role) ConversationState {
	return s.modify(id, func(c chat.Conversation) chat.Conversation {
		c.Unread = c.Unread.With(role, 0)
		return c
	}, false)
}

// ResetUnread clears every counter of the conversation.
func (s ConversationState) ResetUnread(id string) ConversationState {
	return s.modify(id, func(c chat.Conversation) chat.Conversation {
		c.Unread = chat.Unread{}
		return c
	}, false)
}

// MarkClosed moves the conversation to closed.
func (s ConversationState) MarkClosed(id string) ConversationState {
	return s.modify(id, func(c chat.Conversation) chat.Conversation {
		c.Status = chat.StatusClosed
		return c
	}, false)
}

// Remove drops the conversation from the list.
func (s ConversationState) Remove(id string) ConversationState {
	i := s.index(id)
	if i < 0 {
		return s
	}
	next := ConversationState{
		Conversations:   make([]chat.Conversation, 0, len(s.Conversations)-1),
		AggregateUnread: s.AggregateUnread - s.Conversations[i].Unread.Admin,
	}
	next.Conversations = append(next.Conversations, s.Conversations[:i]...)
	next.Conversations = append(next.Conversations, s.Conversations[i+1:]...)
	return next.clampAggregate()
}

// WithAggregate installs an authoritative aggregate unread count.
func (s ConversationState) WithAggregate(n int) ConversationState {
	next := s.clone()
	next.AggregateUnread = n
	return next.clampAggregate()
}

func (s ConversationState) modify(id string, fn func(chat.Conversation) chat.Conversation, resort bool) ConversationState {
	i := s.index(id)
	if i < 0 {
		return s
	}
	next := s.clone()
	old := next.Conversations[i]
	updated := fn(old)
	next.Conversations[i] = updated
	next.AggregateUnread += updated.Unread.Admin - old.Unread.Admin
	if resort {
		sortConversations(next.Conversations)
	}
	return next.clampAggregate()
}

func (s ConversationState) clampAggregate() ConversationState {
	if s.AggregateUnread < 0 {
		s.AggregateUnread = 0
	}
	return s
}

// ConversationStore holds the current ConversationState. Readers may call
// Snapshot from any goroutine; writers are serialized by the reconciler.
type ConversationStore struct {
	mu    sync.RWMutex
	state ConversationState
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// Snapshot returns the current state.
func (s *ConversationStore) Snapshot() ConversationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Update replaces the state with fn's result and returns it.
func (s *ConversationStore) Update(fn func(ConversationState) ConversationState) ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fn(s.state)
	return s.state
}
