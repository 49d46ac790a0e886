// Package store holds the client-side conversation and message state.
//
// # Architecture
//
// State is immutable. ConversationState and MessageState expose pure reducers
// that return a new value; ConversationStore and MessageStore wrap the current
// value behind a lock so readers always see a consistent snapshot. The
// reconciler is the only writer.
//
// # Conversations
//
// ConversationState keeps conversations sorted newest first by LastMessageAt
// and tracks the admin aggregate unread badge by delta on every counter change.
// ReplaceAll recomputes it from scratch.
//
// # Messages
//
// Every conversation has a Log ordered ascending by CreatedAt, stable on ties.
// AppendIfAbsent is the single insertion path for messages from the stream and
// from REST responses; a message id appears at most once.
//
// Load installs fetched pages. Page 1 replaces the log but keeps live messages
// newer than the page; later pages prepend older history.
//
// # Previews
//
// Preview computes a conversation's last-message text and timestamp from its
// log: the newest message's body truncated by runes, or an attachment label.
// StripMarkdown renders the body to plain text with goldmark when enabled.
package store
