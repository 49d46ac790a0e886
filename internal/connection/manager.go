// ABOUTME: Owns the session's single stream connection and its state machine
// ABOUTME: Bounded backoff on drops, terminal auth failures, room rejoin on every connect

package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/support-chat/internal/auth"
	"github.com/2389/support-chat/internal/broadcast"
	"github.com/2389/support-chat/internal/chat"
	"github.com/2389/support-chat/internal/metrics"
	"github.com/2389/support-chat/internal/stream"
)

var (
	errNotConnected = errors.New("stream not connected")
	errSuperseded   = errors.New("connection attempt superseded")
)

// State is the lifecycle state of the stream connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(metrics.States) {
		return "unknown"
	}
	return metrics.States[s]
}

// Status is a snapshot of the connection state published on every transition.
type Status struct {
	State   State
	Attempt int   // reconnect attempt in progress, 0 otherwise
	Err     error // cause of the last drop or failure
}

// ReconnectPolicy is the retry ladder used while Reconnecting.
type ReconnectPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns 1s, 2s, 4s, 8s, 10s with five attempts.
func DefaultPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		Delays:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second},
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the wait before the given 1-based attempt. Attempts beyond the
// ladder reuse its last step; the result never exceeds MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return p.MaxDelay
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Delays) {
		i = len(p.Delays) - 1
	}
	d := p.Delays[i]
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Handler receives every decoded stream event, in arrival order, from the read goroutine.
type Handler func(stream.Event)

// Options configures a Manager. Dialer and Tokens are required.
type Options struct {
	Dialer  stream.Dialer
	Tokens  auth.TokenSource
	Policy  ReconnectPolicy
	Handler Handler
	Logger  *slog.Logger     // optional
	Metrics *metrics.Metrics // optional
}

// Manager holds at most one live stream connection. Every attempt belongs to a
// generation; Disconnect and Reconnect start a new generation so results from
// older dials and read loops are discarded.
type Manager struct {
	dialer  stream.Dialer
	tokens  auth.TokenSource
	policy  ReconnectPolicy
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
	hub     *broadcast.Hub[Status]

	mu      sync.Mutex
	status  Status
	conn    stream.Conn
	gen     uint64
	loopCtx context.Context
	cancel  context.CancelFunc
	rooms   map[string]struct{}
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 && len(policy.Delays) == 0 {
		policy = DefaultPolicy()
	}
	handler := opts.Handler
	if handler == nil {
		handler = func(stream.Event) {}
	}

	m := &Manager{
		dialer:  opts.Dialer,
		tokens:  opts.Tokens,
		policy:  policy,
		handler: handler,
		logger:  logger.With("component", "connection"),
		metrics: opts.Metrics,
		hub:     broadcast.New[Status](logger),
		rooms:   make(map[string]struct{}),
	}
	if m.metrics != nil {
		m.metrics.SetState(Disconnected.String())
	}
	return m
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns a channel receiving every status transition until ctx ends.
func (m *Manager) Subscribe(ctx context.Context) <-chan Status {
	ch, _ := m.hub.Subscribe(ctx)
	return ch
}

// Connect opens the stream unless it is already connected or connecting.
// A transport failure is returned and retried in the background; an auth
// failure is terminal and leaves the manager Failed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status.State {
	case Connected, Connecting, Reconnecting:
		m.mu.Unlock()
		return nil
	}
	gen, loopCtx := m.beginLocked()
	m.mu.Unlock()

	return m.run(ctx, gen, loopCtx)
}

// Reconnect drops the current connection and any pending retry, then connects
// immediately with a fresh attempt counter.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	gen, loopCtx := m.beginLocked()
	m.mu.Unlock()

	return m.run(ctx, gen, loopCtx)
}

// Disconnect closes the connection and cancels any scheduled retry. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.teardownLocked()
	if m.status.State != Disconnected {
		m.setLocked(Status{State: Disconnected})
	}
}

// Close disconnects and closes every status subscription.
func (m *Manager) Close() {
	m.Disconnect()
	m.hub.Close()
}

// Join records id as joined and tells the server when connected. Joined rooms
// are rejoined after every reconnect.
func (m *Manager) Join(conversationID string) error {
	m.mu.Lock()
	m.rooms[conversationID] = struct{}{}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Send(stream.Command{Type: stream.CommandJoin, ConversationID: conversationID})
}

// Leave forgets id and tells the server when connected.
func (m *Manager) Leave(conversationID string) error {
	m.mu.Lock()
	delete(m.rooms, conversationID)
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Send(stream.Command{Type: stream.CommandLeave, ConversationID: conversationID})
}

// Rooms returns the joined conversation ids.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomsLocked()
}

// SendTyping emits typing_start or typing_stop for id.
func (m *Manager) SendTyping(conversationID string, typing bool) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return chat.Transport("send typing", errNotConnected)
	}
	cmd := stream.Command{Type: stream.CommandTypingStop, ConversationID: conversationID}
	if typing {
		cmd.Type = stream.CommandTypingStart
	}
	return conn.Send(cmd)
}

// beginLocked starts a new generation in the Connecting state.
func (m *Manager) beginLocked() (uint64, context.Context) {
	m.gen++
	m.teardownLocked()
	m.loopCtx, m.cancel = context.WithCancel(context.Background())
	m.setLocked(Status{State: Connecting})
	return m.gen, m.loopCtx
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// run performs the first attempt of a generation on the caller's behalf.
func (m *Manager) run(ctx context.Context, gen uint64, loopCtx context.Context) error {
	dialCtx, cancel := context.WithCancel(loopCtx)
	stop := context.AfterFunc(ctx, cancel)
	err := m.dial(dialCtx, gen)
	stop()
	cancel()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSuperseded):
		return chat.Transport("stream connect", err)
	case errors.Is(err, chat.ErrAuth):
		return err
	case ctx.Err() != nil:
		m.transition(gen, Status{State: Disconnected, Err: err})
		return err
	}

	m.startRetry(loopCtx, gen, err)
	return err
}

// dial obtains a token, dials and installs the connection if gen is still current.
func (m *Manager) dial(ctx context.Context, gen uint64) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		if !errors.Is(err, chat.ErrAuth) {
			err = &chat.Error{Kind: chat.ErrAuth, Op: "stream connect", Err: err}
		}
		m.transition(gen, Status{State: Failed, Err: err})
		return err
	}

	conn, err := m.dialer.Dial(ctx, token)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return errSuperseded
	}
	if err != nil {
		if errors.Is(err, chat.ErrAuth) {
			m.setLocked(Status{State: Failed, Err: err})
			m.mu.Unlock()
			m.tokens.Invalidate()
			return err
		}
		m.mu.Unlock()
		return err
	}

	m.conn = conn
	rooms := m.roomsLocked()
	m.setLocked(Status{State: Connected})
	m.mu.Unlock()

	for _, id := range rooms {
		if err := conn.Send(stream.Command{Type: stream.CommandJoin, ConversationID: id}); err != nil {
			m.logger.Warn("rejoining room failed", "conversation_id", id, "error", err)
		}
	}

	go m.readLoop(conn, gen)
	return nil
}

// startRetry moves gen to Reconnecting and runs the backoff ladder in the background.
func (m *Manager) startRetry(ctx context.Context, gen uint64, cause error) {
	if m.policy.MaxAttempts <= 0 {
		m.transition(gen, Status{State: Failed, Err: cause})
		return
	}
	if !m.transition(gen, Status{State: Reconnecting, Attempt: 1, Err: cause}) {
		return
	}
	go m.retryLoop(ctx, gen, cause)
}

// retryLoop walks the backoff ladder until a dial succeeds, the generation is
// superseded or attempts run out.
func (m *Manager) retryLoop(ctx context.Context, gen uint64, cause error) {
	for attempt := 1; ; attempt++ {
		if m.metrics != nil {
			m.metrics.ReconnectAttempts.Inc()
		}

		delay := m.policy.Delay(attempt)
		m.logger.Info("reconnecting", "attempt", attempt, "delay", delay, "error", cause)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.dial(ctx, gen)
		switch {
		case err == nil:
			return
		case errors.Is(err, errSuperseded), errors.Is(err, chat.ErrAuth), ctx.Err() != nil:
			return
		}
		cause = err

		if attempt >= m.policy.MaxAttempts {
			break
		}
		if !m.transition(gen, Status{State: Reconnecting, Attempt: attempt + 1, Err: cause}) {
			return
		}
	}

	if m.transition(gen, Status{State: Failed, Attempt: m.policy.MaxAttempts, Err: cause}) {
		m.logger.Warn("giving up on stream", "attempts", m.policy.MaxAttempts, "error", cause)
	}
}

// readLoop delivers events until the connection ends, then decides between
// reconnecting and failing.
func (m *Manager) readLoop(conn stream.Conn, gen uint64) {
	for {
		ev, err := conn.Receive()
		if err != nil {
			m.handleDrop(conn, gen, err)
			return
		}

		m.mu.Lock()
		current := gen == m.gen && m.conn == conn
		m.mu.Unlock()
		if !current {
			return
		}
		m.handler(ev)
	}
}

func (m *Manager) handleDrop(conn stream.Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	loopCtx := m.loopCtx
	_ = conn.Close()

	if errors.Is(err, chat.ErrAuth) {
		m.setLocked(Status{State: Failed, Err: err})
		m.mu.Unlock()
		m.tokens.Invalidate()
		return
	}
	m.mu.Unlock()

	m.logger.Warn("stream dropped", "error", err)
	m.startRetry(loopCtx, gen, err)
}

// transition sets status if gen is still current.
func (m *Manager) transition(gen uint64, status Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.setLocked(status)
	return true
}

func (m *Manager) setLocked(status Status) {
	prev := m.status.State
	m.status = status
	if m.metrics != nil {
		m.metrics.SetState(status.State.String())
	}
	m.logger.Debug("connection state", "from", prev.String(), "to", status.State.String(), "attempt", status.Attempt)
	m.hub.Publish(status)
}

func (m *Manager) roomsLocked() []string {
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}
