// ABOUTME: Tests for the reconciler's event handling and REST merge paths
// ABOUTME: Covers dedup across channels, unread bookkeeping, the first-message scenario and deletions

package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-chat/internal/chat"
	"github.com/2389/support-chat/internal/dedupe"
	"github.com/2389/support-chat/internal/metrics"
	"github.com/2389/support-chat/internal/store"
	"github.com/2389/support-chat/internal/stream"
	"github.com/2389/support-chat/internal/typing"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	r       *Reconciler
	convs   *store.ConversationStore
	msgs    *store.MessageStore
	metrics *metrics.Metrics
	stale   chan struct{}
}

func newHarness(t *testing.T, role chat.Role, userID string) *harness {
	t.Helper()
	h := &harness{
		convs:   store.NewConversationStore(),
		msgs:    store.NewMessageStore(),
		metrics: metrics.New(nil),
		stale:   make(chan struct{}, 4),
	}
	tc := typing.New(typing.Options{SelfID: userID, PresenceTTL: time.Hour})
	t.Cleanup(tc.Close)

	h.r = New(Options{
		Role:          role,
		UserID:        userID,
		Conversations: h.convs,
		Messages:      h.msgs,
		Typing:        tc,
		Dedupe:        dedupe.New(time.Minute, 100),
		OnListStale:   func() { h.stale <- struct{}{} },
		Metrics:       h.metrics,
		Now:           func() time.Time { return t0.Add(time.Hour) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	go h.r.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// flush waits until every previously queued event was applied.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.r.Do(t.Context(), func() {}))
}

func (h *harness) conv(t *testing.T, id string) chat.Conversation {
	t.Helper()
	c, ok := h.convs.Snapshot().Get(id)
	require.True(t, ok, "conversation %s missing", id)
	return c
}

func (h *harness) log(id string) []chat.Message {
	return h.msgs.Snapshot().Log(id).Messages
}

func message(id, convID string, sender chat.Role, offset time.Duration) chat.Message {
	return chat.Message{ID: id, ConversationID: convID, SenderRole: sender, Body: "text " + id, CreatedAt: t0.Add(offset)}
}

func TestNewMessage_MaterializesUnknownConversation(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")

	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m1", "c1", chat.RoleCustomer, 0)})
	h.flush(t)

	c := h.conv(t, "c1")
	assert.Equal(t, chat.StatusActive, c.Status)
	assert.Equal(t, "text m1", c.LastMessage)
	assert.Equal(t, t0, c.LastMessageAt)
	assert.Equal(t, chat.Unread{Admin: 1}, c.Unread)
	assert.Equal(t, 1, h.convs.Snapshot().AggregateUnread)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StreamEvents.WithLabelValues("new_message")))
}

func TestFirstMessageScenario(t *testing.T) {
	h := newHarness(t, chat.RoleCustomer, "cust-1")
	msg := message("m1", "c-new", chat.RoleCustomer, 0)

	added, err := h.r.ApplySent(t.Context(), msg)
	require.NoError(t, err)
	require.True(t, added)

	c := h.conv(t, "c-new")
	assert.Equal(t, "text m1", c.LastMessage)
	assert.Equal(t, 0, c.Unread.Customer, "sender's own counter untouched")
	assert.Equal(t, 1, c.Unread.Admin)

	// The stream echoes the same message to the sender's room.
	h.r.HandleEvent(stream.NewMessage{ConversationID: "c-new", Message: msg})
	h.flush(t)

	assert.Len(t, h.log("c-new"), 1)
	assert.Equal(t, 1, h.conv(t, "c-new").Unread.Admin, "duplicate does not double count")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DuplicateMessages))
}

func TestDuplicateStreamThenREST(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	msg := message("m1", "c1", chat.RoleAdmin, 0)

	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: msg})
	added, err := h.r.ApplySent(t.Context(), msg)
	require.NoError(t, err)

	assert.False(t, added)
	assert.Len(t, h.log("c1"), 1)
}

func TestUnreadRace(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	require.NoError(t, h.r.ApplyConversations(t.Context(), []chat.Conversation{
		{ID: "c1", Status: chat.StatusActive, Unread: chat.Unread{Admin: 3}},
	}))

	require.NoError(t, h.r.BeginRead(t.Context(), "c1"))
	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m9", "c1", chat.RoleCustomer, 0)})
	h.flush(t)

	// The mark-read acknowledgment arrives now; it never touches counters.
	assert.Equal(t, 1, h.conv(t, "c1").Unread.Admin)
	assert.Equal(t, 1, h.convs.Snapshot().AggregateUnread)
}

func TestActiveConversationDoesNotCountForViewer(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	require.NoError(t, h.r.SetActive(t.Context(), "c1"))

	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m1", "c1", chat.RoleCustomer, 0)})
	h.r.HandleEvent(stream.NewMessage{ConversationID: "c2", Message: message("m2", "c2", chat.RoleCustomer, 0)})
	h.flush(t)

	assert.Equal(t, 0, h.conv(t, "c1").Unread.Admin)
	assert.Equal(t, 1, h.conv(t, "c2").Unread.Admin)
	assert.Equal(t, "c1", h.r.View().ActiveID)
}

func TestMessageDeleted_RejectsLateRedelivery(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m1", "c1", chat.RoleCustomer, 0)})
	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m2", "c1", chat.RoleCustomer, time.Second)})
	h.r.HandleEvent(stream.MessageDeleted{ConversationID: "c1", MessageID: "m2"})
	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m2", "c1", chat.RoleCustomer, time.Second)})
	h.flush(t)

	require.Len(t, h.log("c1"), 1)
	assert.Equal(t, "m1", h.log("c1")[0].ID)
	assert.Equal(t, "text m1", h.conv(t, "c1").LastMessage)
}

func TestMessageDeleted_LastMessageResetsUnread(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	require.NoError(t, h.r.ApplyConversation(t.Context(), chat.Conversation{ID: "c1", Status: chat.StatusActive, Unread: chat.Unread{Admin: 2}}))
	require.NoError(t, h.r.ApplyPage(t.Context(), "c1", 1, []chat.Message{message("m1", "c1", chat.RoleCustomer, 0)}, false))

	h.r.HandleEvent(stream.MessageDeleted{ConversationID: "c1", MessageID: "m1"})
	h.r.HandleEvent(stream.MessageDeleted{ConversationID: "c1", MessageID: "m1"})
	h.flush(t)

	c := h.conv(t, "c1")
	assert.Equal(t, "", c.LastMessage)
	assert.Equal(t, t0.Add(time.Hour), c.LastMessageAt)
	assert.Equal(t, chat.Unread{}, c.Unread)
	assert.Equal(t, 0, h.convs.Snapshot().AggregateUnread)
}

func TestMessageDeleted_UnloadedHistoryKeepsServerState(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	require.NoError(t, h.r.ApplyConversations(t.Context(), []chat.Conversation{{
		ID:            "c1",
		Status:        chat.StatusActive,
		LastMessage:   "older text",
		LastMessageAt: t0,
		Unread:        chat.Unread{Admin: 3},
	}}))

	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m9", "c1", chat.RoleCustomer, time.Minute)})
	h.flush(t)
	require.Equal(t, 4, h.conv(t, "c1").Unread.Admin)

	h.r.HandleEvent(stream.MessageDeleted{ConversationID: "c1", MessageID: "m9"})
	h.flush(t)

	c := h.conv(t, "c1")
	assert.Equal(t, "older text", c.LastMessage)
	assert.Equal(t, t0, c.LastMessageAt)
	assert.Equal(t, 3, c.Unread.Admin)
	assert.Equal(t, 3, h.convs.Snapshot().AggregateUnread)
	assert.Empty(t, h.log("c1"))
}

func TestMessageDeleted_UnloadedHistoryFallsBackToNextNewest(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	require.NoError(t, h.r.ApplyConversations(t.Context(), []chat.Conversation{{
		ID: "c1", Status: chat.StatusActive, LastMessage: "older text", LastMessageAt: t0,
	}}))

	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m8", "c1", chat.RoleCustomer, time.Minute)})
	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m9", "c1", chat.RoleCustomer, 2*time.Minute)})
	h.r.HandleEvent(stream.MessageDeleted{ConversationID: "c1", MessageID: "m9"})
	h.flush(t)

	c := h.conv(t, "c1")
	assert.Equal(t, "text m8", c.LastMessage)
	assert.Equal(t, t0.Add(time.Minute), c.LastMessageAt)
	assert.Equal(t, 1, c.Unread.Admin)
}

func TestMessageDeleted_AfterReadDoesNotDecrement(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	require.NoError(t, h.r.ApplyConversations(t.Context(), []chat.Conversation{{ID: "c1", Status: chat.StatusActive, LastMessageAt: t0}}))

	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m1", "c1", chat.RoleCustomer, time.Minute)})
	h.flush(t)
	require.NoError(t, h.r.BeginRead(t.Context(), "c1"))
	h.r.HandleEvent(stream.NewMessage{ConversationID: "c1", Message: message("m2", "c1", chat.RoleCustomer, 2*time.Minute)})
	h.r.HandleEvent(stream.MessageDeleted{ConversationID: "c1", MessageID: "m1"})
	h.flush(t)

	assert.Equal(t, 1, h.conv(t, "c1").Unread.Admin, "m2 still unread")
	assert.Equal(t, "text m2", h.conv(t, "c1").LastMessage)
}

func TestApplyPage_DropsRecentlyDeleted(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	require.NoError(t, h.r.ApplyDeletion(t.Context(), "c1", "m2"))

	err := h.r.ApplyPage(t.Context(), "c1", 1, []chat.Message{
		message("m1", "", chat.RoleCustomer, 0),
		message("m2", "", chat.RoleAdmin, time.Second),
	}, false)
	require.NoError(t, err)

	log := h.log("c1")
	require.Len(t, log, 1)
	assert.Equal(t, "c1", log[0].ConversationID)
	assert.Equal(t, 1, h.msgs.Snapshot().Log("c1").Page)
}

func TestApplyPage_EmptyLogPreview(t *testing.T) {
	h := newHarness(t, chat.RoleCustomer, "cust-1")
	require.NoError(t, h.r.ApplyConversation(t.Context(), chat.Conversation{ID: "c1", LastMessage: "stale", LastMessageAt: t0}))
	require.NoError(t, h.r.ApplyPage(t.Context(), "c1", 1, nil, false))

	c := h.conv(t, "c1")
	assert.Equal(t, "", c.LastMessage)
	assert.Equal(t, t0.Add(time.Hour), c.LastMessageAt)
}

func TestMessagesRead(t *testing.T) {
	h := newHarness(t, chat.RoleCustomer, "cust-1")
	_, err := h.r.ApplySent(t.Context(), message("m1", "c1", chat.RoleCustomer, 0))
	require.NoError(t, err)
	_, err = h.r.ApplySent(t.Context(), message("m2", "c1", chat.RoleCustomer, time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, h.conv(t, "c1").Unread.Admin)

	h.r.HandleEvent(stream.MessagesRead{ConversationID: "c1", Timestamp: t0.Add(time.Second)})
	h.flush(t)

	log := h.log("c1")
	assert.True(t, log[0].IsRead)
	assert.False(t, log[1].IsRead)
	assert.Equal(t, 0, h.conv(t, "c1").Unread.Admin)
}

func TestMessagesRead_ByViewerRole(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	_, err := h.r.ApplySent(t.Context(), message("m1", "c1", chat.RoleCustomer, 0))
	require.NoError(t, err)
	_, err = h.r.ApplySent(t.Context(), message("m2", "c1", chat.RoleAdmin, time.Second))
	require.NoError(t, err)
	require.Equal(t, chat.Unread{Customer: 1, Admin: 1}, h.conv(t, "c1").Unread)

	// Another admin session read the conversation.
	h.r.HandleEvent(stream.MessagesRead{ConversationID: "c1", ReaderRole: chat.RoleAdmin, Timestamp: t0.Add(time.Minute)})
	h.flush(t)

	log := h.log("c1")
	assert.True(t, log[0].IsRead, "customer message read by admin")
	assert.False(t, log[1].IsRead, "own message not yet read by the customer")
	assert.Equal(t, chat.Unread{Customer: 1}, h.conv(t, "c1").Unread)
}

func TestConversationUpdated(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	closed := chat.StatusClosed
	unread := chat.Unread{Admin: 5}

	h.r.HandleEvent(stream.ConversationUpdated{ConversationID: "c1", Action: stream.ActionCreated, Patch: chat.ConversationPatch{Unread: &unread}})
	h.r.HandleEvent(stream.ConversationUpdated{ConversationID: "c1", Action: stream.ActionUpdated, Patch: chat.ConversationPatch{Status: &closed}})
	h.flush(t)

	c := h.conv(t, "c1")
	assert.Equal(t, chat.StatusClosed, c.Status)
	assert.Equal(t, 5, c.Unread.Admin)
	assert.Equal(t, 5, h.convs.Snapshot().AggregateUnread)

	h.r.HandleEvent(stream.ConversationUpdated{Action: stream.ActionListUpdated})
	select {
	case <-h.stale:
	case <-time.After(time.Second):
		t.Fatal("stale-list hook not called")
	}
}

func TestConversationClosedAndStats(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	require.NoError(t, h.r.ApplyConversation(t.Context(), chat.Conversation{ID: "c1", Status: chat.StatusActive}))

	h.r.HandleEvent(stream.ConversationClosed{ConversationID: "c1"})
	h.r.HandleEvent(stream.ChatStatsUpdated{UnreadMessages: 12})
	h.flush(t)

	assert.Equal(t, chat.StatusClosed, h.conv(t, "c1").Status)
	assert.Equal(t, 12, h.convs.Snapshot().AggregateUnread)
}

func TestUserTyping_PublishesChange(t *testing.T) {
	h := newHarness(t, chat.RoleAdmin, "admin-1")
	changes := h.r.Subscribe(t.Context())

	h.r.HandleEvent(stream.UserTyping{ConversationID: "c1", UserID: "admin-1", IsTyping: true})
	h.r.HandleEvent(stream.UserTyping{ConversationID: "c1", UserID: "cust-1", IsTyping: true})
	h.flush(t)

	select {
	case ch := <-changes:
		assert.Equal(t, Change{Kind: ChangeTyping, ConversationID: "c1"}, ch)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}
	assert.Empty(t, changes, "own typing echo publishes nothing")
}

func TestForget(t *testing.T) {
	h := newHarness(t, chat.RoleCustomer, "cust-1")
	_, err := h.r.ApplySent(t.Context(), message("m1", "c1", chat.RoleCustomer, 0))
	require.NoError(t, err)
	require.NoError(t, h.r.SetActive(t.Context(), "c1"))

	require.NoError(t, h.r.Forget(t.Context(), "c1"))

	_, ok := h.convs.Snapshot().Get("c1")
	assert.False(t, ok)
	assert.False(t, h.msgs.Snapshot().Loaded("c1"))
	assert.Equal(t, "", h.r.View().ActiveID)
}

func TestDo_AfterStop(t *testing.T) {
	r := New(Options{Conversations: store.NewConversationStore(), Messages: store.NewMessageStore()})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, r.Do(t.Context(), func() {}), ErrStopped)
	r.HandleEvent(stream.ChatStatsUpdated{UnreadMessages: 1})
}
