// ABOUTME: Bounded, time-limited window of recently removed message IDs
// ABOUTME: Lets the reconciler reject a late stream re-delivery of a message it already deleted

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key string
	at  time.Time
}

// Window remembers keys for a limited time and up to a maximum count.
// It is not a tombstone store: nothing about the removed message is kept but its key.
// Expired entries are pruned lazily on every call, oldest first.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a window with the given TTL and capacity.
func New(ttl time.Duration, maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
	return w
}

// Key builds the window key for a message in a conversation.
func Key(conversationID, messageID string) string {
	return conversationID + "/" + messageID
}

// Mark records key, refreshing its timestamp if already present.
// When the window is full the oldest key is evicted.
func (w *Window) Mark(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if elem, ok := w.seen[key]; ok {
		elem.Value.(*entry).at = now
		w.order.MoveToBack(elem)
		return
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldestLocked()
	}
	w.seen[key] = w.order.PushBack(&entry{key: key, at: now})
}

// Seen reports whether key was marked within the TTL.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	_, ok := w.seen[key]
	return ok
}

// Forget removes key from the window.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if elem, ok := w.seen[key]; ok {
		w.order.Remove(elem)
		delete(w.seen, key)
	}
}

// Len returns the number of unexpired keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	return len(w.seen)
}

// pruneLocked drops expired entries from the front. Must be called with mu held.
func (w *Window) pruneLocked(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.at) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, e.key)
	}
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.seen, front.Value.(*entry).key)
}
