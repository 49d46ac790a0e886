// Package reconcile merges stream events and REST results into the stores.
//
// # Overview
//
// A Reconciler runs one goroutine (Run) that executes every store mutation in
// submission order. Stream events are queued by HandleEvent from the
// connection's read goroutine; REST results are applied with Do-backed helpers
// (ApplySent, ApplyPage, ApplyConversations, ...) that wait for completion.
//
// # Messages
//
// Messages from either channel go through the same path: reject ids deleted
// within the dedupe window, AppendIfAbsent into the log, recompute the
// conversation preview, then bump unread counters. A message whose conversation
// is unknown creates a stub conversation.
//
// # Unread counters
//
// For a message sent by role S, every role R != S is incremented, except the
// viewer's own role while the conversation is the viewer's active one.
// BeginRead zeroes the viewer's counter before the mark-read call; the
// acknowledgment never touches counters, so a message arriving in between
// still counts.
//
// # Change notifications
//
// Every applied mutation publishes a Change through Subscribe so a UI can
// re-read the stores.
package reconcile
