// Package broadcast provides a generic in-memory fan-out hub.
//
// The connection manager publishes state transitions through a Hub and the
// reconciler publishes store change notifications through another. Publish is
// non-blocking; a subscriber that stops reading misses values rather than
// stalling the event loop.
package broadcast
