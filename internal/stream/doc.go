// Package stream implements the chat event stream's wire format and transport.
//
// # Frames
//
// Every WebSocket message is a JSON envelope:
//
//	{"event": "new_message", "data": {"conversationId": "c1", "message": {...}}}
//
// Decode turns a frame into one of the typed Event variants (NewMessage,
// MessageDeleted, ConversationUpdated, ConversationClosed, MessagesRead,
// UserTyping, ChatStatsUpdated). Payloads missing the ids their handler needs are
// rejected at this boundary. Unknown event names yield ErrUnknownEvent and are
// skipped by the connection.
//
// Commands (join_conversation, leave_conversation, typing_start, typing_stop) use
// the same envelope with {"conversationId": ...} as data.
//
// # Handshake
//
// The client upgrades with "Authorization: Bearer <token>". The server answers
// with a "connected" frame, or rejects with HTTP 401/403 or a "connect_error"
// frame. Rejections surface as chat.ErrAuth; everything else as chat.ErrTransport.
//
// # Testing
//
// MockDialer and MockConn provide an in-memory transport for tests of the
// connection manager and the session.
package stream
