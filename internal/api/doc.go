// Package api is the client for the shop's chat REST endpoints.
//
// Every call carries "Authorization: Bearer <token>" from an auth.TokenSource.
// Responses map onto the chat error taxonomy:
//
//	network failure, timeout, 5xx  -> chat.ErrTransport
//	401, 403                       -> chat.ErrAuth (token source invalidated)
//	400, 409, 422                  -> chat.ErrValidation
//	404                            -> chat.ErrNotFound
//
// The server's {"error": ...} or {"message": ...} detail is kept verbatim in
// chat.Error.Message. A failed call has no side effects beyond token invalidation.
package api
