// Package auth is the chat core's boundary to the external auth service.
//
// The core never issues or refreshes credentials. It consumes two signals:
//
//   - TokenSource.Token: the current bearer credential, attached to the stream
//     handshake and every REST call.
//   - TokenSource.Invalidate: called when the server rejects the credential, so the
//     application can prompt for a fresh login.
//
// Static suits applications that already hold the token in memory; FileSource
// reads it from an environment variable or a token file, like the terminal client.
// Both reject JWTs whose exp claim has passed before any network round trip.
package auth
