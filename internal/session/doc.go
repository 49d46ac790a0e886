// Package session is the UI-facing facade of the chat core.
//
// A Session owns one stream connection, one reconciler loop and one typing
// coordinator for a signed-in user. REST calls are awaited by the caller and
// their results applied through the reconciler; the stream feeds the
// reconciler directly. UIs read state through the accessors and re-read on
// every Change.
package session
