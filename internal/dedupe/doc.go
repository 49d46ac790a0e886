// Package dedupe provides a TTL and size bounded window of recently seen keys.
//
// The reconciler marks a message's key when it removes that message. If the
// stream re-delivers the same message afterwards (a broadcast that raced the
// deletion), the window rejects it so a deleted message never reappears.
package dedupe
