// ABOUTME: Single-goroutine event loop that owns every store mutation
// ABOUTME: Merges stream events and REST results through the same dedup, preview and unread paths

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/support-chat/internal/broadcast"
	"github.com/2389/support-chat/internal/chat"
	"github.com/2389/support-chat/internal/dedupe"
	"github.com/2389/support-chat/internal/deletion"
	"github.com/2389/support-chat/internal/metrics"
	"github.com/2389/support-chat/internal/store"
	"github.com/2389/support-chat/internal/stream"
	"github.com/2389/support-chat/internal/typing"
)

// ErrStopped is returned for work submitted after Run returned.
var ErrStopped = errors.New("reconciler stopped")

const queueSize = 256

// View is the session state the reconciler consults when applying events.
type View struct {
	Role     chat.Role
	UserID   string
	ActiveID string // conversation the viewer has open, empty for none
}

// ChangeKind says which part of the state a Change touched.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangeAggregate     ChangeKind = "aggregate"
	ChangeActive        ChangeKind = "active"
)

// Change notifies subscribers that state changed. ConversationID is empty for
// list-wide changes.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Options configures a Reconciler. Conversations and Messages are required.
type Options struct {
	Role          chat.Role
	UserID        string
	Conversations *store.ConversationStore
	Messages      *store.MessageStore
	Typing        *typing.Coordinator // optional
	Dedupe        *dedupe.Window      // optional, remembers deleted ids
	Preview       store.PreviewOptions
	OnListStale   func() // called off-loop when the server says the list changed
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

type op struct {
	fn   func()
	done chan struct{}
}

// Reconciler applies every mutation serially on the goroutine running Run.
type Reconciler struct {
	convs       *store.ConversationStore
	msgs        *store.MessageStore
	typing      *typing.Coordinator
	removed     *dedupe.Window
	preview     store.PreviewOptions
	onListStale func()
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	hub         *broadcast.Hub[Change]

	// tails tracks conversations whose log holds only live messages.
	tails map[string]*liveTail

	ops     chan op
	stopped chan struct{}
	once    sync.Once

	viewMu sync.RWMutex
	view   View
}

// New creates a reconciler. Call Run to start applying work.
func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	removed := opts.Dedupe
	if removed == nil {
		removed = dedupe.New(10*time.Minute, 10_000)
	}
	onListStale := opts.OnListStale
	if onListStale == nil {
		onListStale = func() {}
	}
	return &Reconciler{
		convs:       opts.Conversations,
		msgs:        opts.Messages,
		typing:      opts.Typing,
		removed:     removed,
		preview:     opts.Preview,
		onListStale: onListStale,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "reconcile"),
		now:         now,
		hub:         broadcast.New[Change](logger),
		tails:       make(map[string]*liveTail),
		ops:         make(chan op, queueSize),
		stopped:     make(chan struct{}),
		view:        View{Role: opts.Role, UserID: opts.UserID},
	}
}

// Run executes queued work until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	defer r.once.Do(func() {
		close(r.stopped)
		r.hub.Close()
	})

	for {
		select {
		case <-ctx.Done():
			return
		case o := <-r.ops:
			o.fn()
			if o.done != nil {
				close(o.done)
			}
		}
	}
}

// Do runs fn on the loop and waits for it to finish.
func (r *Reconciler) Do(ctx context.Context, fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case r.ops <- o:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
}

// post queues fn without waiting. Work posted after Run stopped is dropped.
func (r *Reconciler) post(fn func()) {
	select {
	case r.ops <- op{fn: fn}:
	case <-r.stopped:
	}
}

// Subscribe returns a channel receiving change notifications until ctx ends.
func (r *Reconciler) Subscribe(ctx context.Context) <-chan Change {
	ch, _ := r.hub.Subscribe(ctx)
	return ch
}

// View returns the current session view.
func (r *Reconciler) View() View {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	return r.view
}

func (r *Reconciler) setActive(id string) {
	r.viewMu.Lock()
	r.view.ActiveID = id
	r.viewMu.Unlock()
}

func (r *Reconciler) publish(kind ChangeKind, conversationID string) {
	r.hub.Publish(Change{Kind: kind, ConversationID: conversationID})
}

// HandleEvent queues a stream event. It is the connection manager's handler and
// preserves arrival order.
func (r *Reconciler) HandleEvent(ev stream.Event) {
	r.post(func() { r.applyEvent(ev) })
}

func (r *Reconciler) applyEvent(ev stream.Event) {
	if r.metrics != nil {
		r.metrics.StreamEvents.WithLabelValues(string(ev.Type())).Inc()
	}

	switch e := ev.(type) {
	case stream.NewMessage:
		r.applyIncoming(e.Message)

	case stream.MessageDeleted:
		r.applyDeletion(e.ConversationID, e.MessageID)

	case stream.ConversationUpdated:
		if e.Action == stream.ActionListUpdated {
			go r.onListStale()
			return
		}
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.ApplyRemoteUpdate(e.ConversationID, e.Patch)
		})
		if t, ok := r.tails[e.ConversationID]; ok {
			if e.Patch.Unread != nil {
				clear(t.counted)
			}
			if e.Patch.LastMessage != nil || e.Patch.LastMessageAt != nil {
				t.baseline = nil
			}
		}
		r.publish(ChangeConversations, e.ConversationID)

	case stream.ConversationClosed:
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.MarkClosed(e.ConversationID)
		})
		r.publish(ChangeConversations, e.ConversationID)

	case stream.MessagesRead:
		reader := e.ReaderRole
		if reader == "" {
			reader = counterpart(r.View().Role)
		}
		r.msgs.Update(func(s store.MessageState) store.MessageState {
			return s.MarkReadThrough(e.ConversationID, counterpart(reader), e.Timestamp)
		})
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.ZeroUnread(e.ConversationID, reader)
		})
		r.uncount(e.ConversationID, reader)
		r.publish(ChangeMessages, e.ConversationID)
		r.publish(ChangeConversations, e.ConversationID)

	case stream.UserTyping:
		if r.typing != nil && r.typing.Observe(e.ConversationID, e.UserID, e.IsTyping) {
			r.publish(ChangeTyping, e.ConversationID)
		}

	case stream.ChatStatsUpdated:
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.WithAggregate(e.UnreadMessages)
		})
		r.publish(ChangeAggregate, "")
	}
}

func counterpart(role chat.Role) chat.Role {
	if role == chat.RoleAdmin {
		return chat.RoleCustomer
	}
	return chat.RoleAdmin
}

// applyIncoming is the single entry point for messages from either channel.
func (r *Reconciler) applyIncoming(msg chat.Message) bool {
	convID := msg.ConversationID
	if r.removed.Seen(dedupe.Key(convID, msg.ID)) {
		r.duplicate(msg, "recently deleted")
		return false
	}

	var added bool
	r.msgs.Update(func(s store.MessageState) store.MessageState {
		next, ok := s.AppendIfAbsent(msg)
		added = ok
		return next
	})
	if !added {
		r.duplicate(msg, "already in log")
		return false
	}

	view := r.View()
	var counted []chat.Role
	for _, role := range chat.Roles {
		if role == msg.SenderRole {
			continue
		}
		if role == view.Role && convID == view.ActiveID {
			continue
		}
		counted = append(counted, role)
	}

	log := r.msgs.Snapshot().Log(convID)
	var prior chat.Conversation
	var shown bool
	r.convs.Update(func(s store.ConversationState) store.ConversationState {
		conv, ok := s.Get(convID)
		if !ok {
			conv = store.Stub(convID)
			s = s.Upsert(conv)
		}
		prior = conv

		if log.Page > 0 {
			text, at := store.Preview(log.Messages, r.now(), r.preview)
			s = s.SetPreview(convID, text, at)
		} else if !msg.CreatedAt.Before(conv.LastMessageAt) {
			s = s.SetPreview(convID, store.MessagePreview(msg, r.preview), msg.CreatedAt)
			shown = true
		}

		for _, role := range counted {
			s = s.IncrementUnread(convID, role)
		}
		return s
	})

	if log.Page == 0 {
		t := r.tail(convID)
		if shown && t.baseline == nil {
			t.baseline = &deletion.Preview{Text: prior.LastMessage, At: prior.LastMessageAt}
		}
		if len(counted) > 0 {
			t.counted[msg.ID] = counted
		}
	}

	r.publish(ChangeMessages, convID)
	r.publish(ChangeConversations, convID)
	return true
}

// liveTail records what live messages changed in a conversation whose history
// was never loaded, so deleting one of them can be undone locally.
type liveTail struct {
	baseline *deletion.Preview      // preview before the first live message took over
	counted  map[string][]chat.Role // message id to the counters it still holds
}

func (r *Reconciler) tail(conversationID string) *liveTail {
	t, ok := r.tails[conversationID]
	if !ok {
		t = &liveTail{counted: make(map[string][]chat.Role)}
		r.tails[conversationID] = t
	}
	return t
}

// uncount forgets role's contribution once its counter was zeroed.
func (r *Reconciler) uncount(conversationID string, role chat.Role) {
	t, ok := r.tails[conversationID]
	if !ok {
		return
	}
	for id, roles := range t.counted {
		rest := slices.DeleteFunc(slices.Clone(roles), func(x chat.Role) bool { return x == role })
		if len(rest) == 0 {
			delete(t.counted, id)
		} else {
			t.counted[id] = rest
		}
	}
}

func (r *Reconciler) duplicate(msg chat.Message, reason string) {
	if r.metrics != nil {
		r.metrics.DuplicateMessages.Inc()
	}
	r.logger.Debug("dropping duplicate message",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"reason", reason,
	)
}

func (r *Reconciler) applyDeletion(conversationID, messageID string) {
	r.removed.Mark(dedupe.Key(conversationID, messageID))

	rm := deletion.Removal{ConversationID: conversationID, MessageID: messageID}
	if t, ok := r.tails[conversationID]; ok {
		rm.Fallback = t.baseline
		rm.Counted = t.counted[messageID]
	}

	convs := r.convs.Snapshot()
	msgs := r.msgs.Snapshot()
	nextConvs, nextMsgs, removed := deletion.Apply(convs, msgs, rm, r.now(), r.preview)
	if !removed {
		return
	}
	if t, ok := r.tails[conversationID]; ok {
		delete(t.counted, messageID)
	}
	r.msgs.Update(func(store.MessageState) store.MessageState { return nextMsgs })
	r.convs.Update(func(store.ConversationState) store.ConversationState { return nextConvs })

	r.publish(ChangeMessages, conversationID)
	r.publish(ChangeConversations, conversationID)
}

// ApplySent feeds a message returned by the send endpoint through the same
// path as a streamed new_message. It reports whether the message was new.
func (r *Reconciler) ApplySent(ctx context.Context, msg chat.Message) (bool, error) {
	var added bool
	err := r.Do(ctx, func() { added = r.applyIncoming(msg) })
	return added, err
}

// ApplyConversations replaces the conversation list with a fresh fetch.
func (r *Reconciler) ApplyConversations(ctx context.Context, convs []chat.Conversation) error {
	return r.Do(ctx, func() {
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.ReplaceAll(convs)
		})
		clear(r.tails)
		r.publish(ChangeConversations, "")
		r.publish(ChangeAggregate, "")
	})
}

// ApplyConversation inserts or replaces a single fetched conversation.
func (r *Reconciler) ApplyConversation(ctx context.Context, conv chat.Conversation) error {
	return r.Do(ctx, func() {
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.Upsert(conv)
		})
		delete(r.tails, conv.ID)
		r.publish(ChangeConversations, conv.ID)
	})
}

// ApplyPage installs a fetched history page. Messages deleted since the fetch
// started are dropped.
func (r *Reconciler) ApplyPage(ctx context.Context, conversationID string, page int, msgs []chat.Message, hasMore bool) error {
	return r.Do(ctx, func() {
		kept := make([]chat.Message, 0, len(msgs))
		for _, m := range msgs {
			if m.ConversationID == "" {
				m.ConversationID = conversationID
			}
			if r.removed.Seen(dedupe.Key(conversationID, m.ID)) {
				continue
			}
			kept = append(kept, m)
		}

		state := r.msgs.Update(func(s store.MessageState) store.MessageState {
			return s.Load(conversationID, page, kept, hasMore)
		})
		delete(r.tails, conversationID)
		text, at := store.Preview(state.Log(conversationID).Messages, r.now(), r.preview)
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.SetPreview(conversationID, text, at)
		})

		r.publish(ChangeMessages, conversationID)
		r.publish(ChangeConversations, conversationID)
	})
}

// BeginRead zeroes the viewer's counter ahead of the mark-read call.
func (r *Reconciler) BeginRead(ctx context.Context, conversationID string) error {
	return r.Do(ctx, func() {
		role := r.View().Role
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.ZeroUnread(conversationID, role)
		})
		r.uncount(conversationID, role)
		r.publish(ChangeConversations, conversationID)
	})
}

// SetActive records the conversation the viewer has open. Messages arriving in
// it no longer count as unread for the viewer's role.
func (r *Reconciler) SetActive(ctx context.Context, conversationID string) error {
	return r.Do(ctx, func() {
		r.setActive(conversationID)
		r.publish(ChangeActive, conversationID)
	})
}

// ApplyDeletion removes a message after the server confirmed its deletion.
func (r *Reconciler) ApplyDeletion(ctx context.Context, conversationID, messageID string) error {
	return r.Do(ctx, func() { r.applyDeletion(conversationID, messageID) })
}

// Forget drops every trace of a conversation the server no longer knows.
func (r *Reconciler) Forget(ctx context.Context, conversationID string) error {
	return r.Do(ctx, func() {
		r.convs.Update(func(s store.ConversationState) store.ConversationState {
			return s.Remove(conversationID)
		})
		r.msgs.Update(func(s store.MessageState) store.MessageState {
			return s.Clear(conversationID)
		})
		delete(r.tails, conversationID)
		if r.typing != nil {
			r.typing.Forget(conversationID)
		}
		if r.View().ActiveID == conversationID {
			r.setActive("")
			r.publish(ChangeActive, "")
		}
		r.publish(ChangeConversations, conversationID)
		r.publish(ChangeMessages, conversationID)
		r.logger.Info("conversation no longer available", "conversation_id", conversationID)
	})
}

// NotifyTyping publishes a typing change, used when remote presence expires.
func (r *Reconciler) NotifyTyping(conversationID string) {
	r.publish(ChangeTyping, conversationID)
}
