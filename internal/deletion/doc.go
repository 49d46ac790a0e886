// Package deletion removes messages.
//
// Apply is the single local removal path: remove the message (no-op when
// absent), recompute the conversation preview from the remaining log, and
// reset every unread counter when nothing is left. When no history page was
// loaded the log is only a live tail, so Apply restores the earlier preview
// and undoes just the deleted message's own counters. The reconciler uses it for
// remote message_deleted events; Coordinator uses it after the server
// confirmed a user's delete. Local state is never changed before confirmation.
package deletion
