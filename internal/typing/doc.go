// Package typing coordinates typing indicators.
//
// Local side: the first Keystroke in a conversation emits typing_start and arms an
// idle timer (2s by default); every further keystroke re-arms it. When the timer
// fires, typing_stop is emitted exactly once. InputCleared stops immediately.
//
// Remote side: Observe records user_typing events per conversation and user.
// Entries expire after PresenceTTL (5s by default) so a lost "stopped" event
// never leaves a user typing forever. Events for the local user are ignored.
package typing
