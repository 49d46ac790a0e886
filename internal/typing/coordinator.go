// ABOUTME: Debounces local typing notifications and tracks remote typing presence
// ABOUTME: Idle timers auto-stop local typing; remote entries expire after a TTL

package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DefaultIdleTimeout = 2 * time.Second
	DefaultPresenceTTL = 5 * time.Second
)

// Emitter sends typing_start/typing_stop to the server.
// It is called with the coordinator's lock held and must not call back into it.
type Emitter interface {
	SendTyping(conversationID string, typing bool) error
}

// Options configures a Coordinator.
type Options struct {
	Emitter     Emitter
	SelfID      string                      // remote events for this user are ignored
	IdleTimeout time.Duration               // DefaultIdleTimeout when zero
	PresenceTTL time.Duration               // DefaultPresenceTTL when zero
	OnChange    func(conversationID string) // called when remote presence expires; optional
	Logger      *slog.Logger
}

type localState struct {
	gen   uint64
	timer *time.Timer
}

type presenceKey struct {
	conversationID string
	userID         string
}

type presence struct {
	lastSeen time.Time
	gen      uint64
	timer    *time.Timer
}

// Coordinator owns the local typing flag per conversation and the set of
// remote users currently typing.
type Coordinator struct {
	emitter  Emitter
	selfID   string
	idle     time.Duration
	ttl      time.Duration
	onChange func(string)
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	gen    uint64
	local  map[string]*localState
	remote map[presenceKey]*presence
	closed bool
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		emitter:  opts.Emitter,
		selfID:   opts.SelfID,
		idle:     opts.IdleTimeout,
		ttl:      opts.PresenceTTL,
		onChange: opts.OnChange,
		logger:   logger.With("component", "typing"),
		now:      time.Now,
		local:    make(map[string]*localState),
		remote:   make(map[presenceKey]*presence),
	}
	if c.idle <= 0 {
		c.idle = DefaultIdleTimeout
	}
	if c.ttl <= 0 {
		c.ttl = DefaultPresenceTTL
	}
	if c.onChange == nil {
		c.onChange = func(string) {}
	}
	return c
}

// Keystroke records local input in conversationID. It emits start when the
// user was not already typing and re-arms the idle timer.
func (c *Coordinator) Keystroke(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	st, active := c.local[conversationID]
	if !active {
		st = &localState{}
		c.local[conversationID] = st
		c.emit(conversationID, true)
	} else {
		st.timer.Stop()
	}

	c.gen++
	gen := c.gen
	st.gen = gen
	st.timer = time.AfterFunc(c.idle, func() { c.expire(conversationID, gen) })
}

// InputCleared stops local typing immediately. No-op when not typing.
func (c *Coordinator) InputCleared(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, active := c.local[conversationID]
	if !active {
		return
	}
	st.timer.Stop()
	delete(c.local, conversationID)
	c.emit(conversationID, false)
}

// Active reports whether the local user is marked typing in conversationID.
func (c *Coordinator) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[conversationID]
	return ok
}

func (c *Coordinator) expire(conversationID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, active := c.local[conversationID]
	if !active || st.gen != gen {
		return
	}
	delete(c.local, conversationID)
	c.emit(conversationID, false)
}

func (c *Coordinator) emit(conversationID string, typing bool) {
	if c.emitter == nil {
		return
	}
	if err := c.emitter.SendTyping(conversationID, typing); err != nil {
		c.logger.Debug("typing notification not sent", "conversation_id", conversationID, "typing", typing, "error", err)
	}
}

// Observe applies a remote user_typing event. It reports whether the set of
// typers for the conversation changed.
func (c *Coordinator) Observe(conversationID, userID string, isTyping bool) bool {
	if userID == "" || userID == c.selfID {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	key := presenceKey{conversationID, userID}
	p, present := c.remote[key]

	if !isTyping {
		if !present {
			return false
		}
		p.timer.Stop()
		delete(c.remote, key)
		return true
	}

	if present {
		p.timer.Stop()
	} else {
		p = &presence{}
		c.remote[key] = p
	}
	c.gen++
	gen := c.gen
	p.lastSeen = c.now()
	p.gen = gen
	p.timer = time.AfterFunc(c.ttl, func() { c.expirePresence(key, gen) })
	return !present
}

func (c *Coordinator) expirePresence(key presenceKey, gen uint64) {
	c.mu.Lock()
	p, ok := c.remote[key]
	if !ok || p.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.remote, key)
	c.mu.Unlock()

	c.onChange(key.conversationID)
}

// Typers returns the users seen typing in conversationID within the TTL, sorted.
func (c *Coordinator) Typers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var users []string
	for key, p := range c.remote {
		if key.conversationID != conversationID {
			continue
		}
		if now.Sub(p.lastSeen) >= c.ttl {
			p.timer.Stop()
			delete(c.remote, key)
			continue
		}
		users = append(users, key.userID)
	}
	sort.Strings(users)
	return users
}

// Forget drops local and remote state for a conversation without emitting.
func (c *Coordinator) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.local[conversationID]; ok {
		st.timer.Stop()
		delete(c.local, conversationID)
	}
	for key, p := range c.remote {
		if key.conversationID == conversationID {
			p.timer.Stop()
			delete(c.remote, key)
		}
	}
}

// Close cancels every timer. Later calls are no-ops.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, st := range c.local {
		st.timer.Stop()
		delete(c.local, id)
	}
	for key, p := range c.remote {
		p.timer.Stop()
		delete(c.remote, key)
	}
}
