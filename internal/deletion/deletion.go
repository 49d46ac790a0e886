// ABOUTME: Message deletion: authoritative API delete, then the shared local removal reducer
// ABOUTME: The same reducer serves user-initiated deletes and remote message_deleted events

package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/support-chat/internal/chat"
	"github.com/2389/support-chat/internal/store"
)

// Preview is a conversation's last-message text and timestamp.
type Preview struct {
	Text string
	At   time.Time
}

// Removal names the message to remove. Fallback and Counted only matter when
// the conversation's history was never loaded and its log is just a live tail.
type Removal struct {
	ConversationID string
	MessageID      string
	// Fallback is the preview the conversation showed before the live tail began.
	Fallback *Preview
	// Counted lists the unread counters the message incremented that are still
	// uncleared.
	Counted []chat.Role
}

// Apply removes a message from its conversation's log. Deleting a message that
// is not in the log returns both states unchanged and false.
//
// With history loaded the log is the whole conversation: the preview is
// recomputed from it and, once it is empty, every unread counter is reset.
// Otherwise the stored preview is only replaced when it showed the deleted
// message, and only the counters the message itself bumped are decremented.
func Apply(
	convs store.ConversationState,
	msgs store.MessageState,
	rm Removal,
	now time.Time,
	opts store.PreviewOptions,
) (store.ConversationState, store.MessageState, bool) {
	id := rm.ConversationID
	before := msgs.Log(id)
	nextMsgs, removed := msgs.Remove(id, rm.MessageID)
	if !removed {
		return convs, msgs, false
	}
	log := nextMsgs.Log(id).Messages

	if before.Page > 0 {
		text, at := store.Preview(log, now, opts)
		nextConvs := convs.SetPreview(id, text, at)
		if len(log) == 0 {
			nextConvs = nextConvs.ResetUnread(id)
		}
		return nextConvs, nextMsgs, true
	}

	nextConvs := convs
	deleted := before.Messages[slices.IndexFunc(before.Messages, func(m chat.Message) bool {
		return m.ID == rm.MessageID
	})]
	if conv, ok := convs.Get(id); ok && !deleted.CreatedAt.Before(conv.LastMessageAt) {
		p := tailPreview(log, rm.Fallback, opts)
		if p == nil {
			p = &Preview{At: conv.LastMessageAt}
		}
		nextConvs = nextConvs.SetPreview(id, p.Text, p.At)
	}
	for _, role := range rm.Counted {
		nextConvs = nextConvs.DecrementUnread(id, role)
	}
	return nextConvs, nextMsgs, true
}

// tailPreview picks the newer of the remaining live tail and the fallback.
func tailPreview(log []chat.Message, fallback *Preview, opts store.PreviewOptions) *Preview {
	if len(log) == 0 {
		return fallback
	}
	text, at := store.Preview(log, time.Time{}, opts)
	if fallback != nil && fallback.At.After(at) {
		return fallback
	}
	return &Preview{Text: text, At: at}
}

// Deleter is the API call that deletes a message server side.
type Deleter interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// Applier runs the local removal on the reconciler loop and waits for it.
type Applier interface {
	ApplyDeletion(ctx context.Context, conversationID, messageID string) error
}

// Coordinator deletes messages the user asked to remove.
type Coordinator struct {
	api     Deleter
	applier Applier
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator. Pass nil logger for default.
func NewCoordinator(api Deleter, applier Applier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		api:     api,
		applier: applier,
		logger:  logger.With("component", "deletion"),
	}
}

// Delete waits for the server to confirm, then removes the message locally.
// On API failure nothing local changes.
func (c *Coordinator) Delete(ctx context.Context, conversationID, messageID string) error {
	if conversationID == "" || messageID == "" {
		return chat.Validation("delete message", "conversation id and message id are required")
	}

	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}

	if err := c.applier.ApplyDeletion(ctx, conversationID, messageID); err != nil {
		return fmt.Errorf("applying deletion: %w", err)
	}

	c.logger.Debug("message deleted", "conversation_id", conversationID, "message_id", messageID)
	return nil
}
