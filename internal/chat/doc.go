// Package chat defines the data model and error taxonomy of the support-chat core.
//
// # Model
//
// A Conversation is a durable thread between one customer and the admin pool.
// It carries a denormalized preview (LastMessage, LastMessageAt) and one unread
// counter per Role. Conversations are created by the server on a customer's first
// message; the client only observes them.
//
// A Message belongs to exactly one conversation log. Its ID is assigned by the
// server; the client never inserts a message before the server acknowledged it.
//
// # Errors
//
// Every failure matches one of four kinds:
//
//   - ErrTransport: network drops, timeouts, 5xx. Retried by the connection manager.
//   - ErrAuth: missing or expired credential. Terminal until the user re-authenticates.
//   - ErrValidation: malformed request. Surfaced verbatim, never retried.
//   - ErrNotFound: the entity vanished. ErrUnavailable signals cleared local state.
//
// Use errors.Is to classify:
//
//	if errors.Is(err, chat.ErrAuth) {
//		promptLogin()
//	}
package chat
