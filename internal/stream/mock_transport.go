// ABOUTME: In-memory Dialer and Conn implementations for testing
// ABOUTME: Lets tests script dial failures, inject events, drop connections and inspect commands

package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/support-chat/internal/chat"
)

// errMockClosed is returned by a MockConn after Close.
var errMockClosed = errors.New("mock connection closed")

// MockDialer is an in-memory Dialer. Every successful Dial produces a new MockConn.
type MockDialer struct {
	mu       sync.Mutex
	failures []error
	conns    []*MockConn
	tokens   []string
	dials    int
}

// NewMockDialer creates a dialer whose dials succeed until told otherwise.
func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

// FailNext queues errors returned by the next dials, in order. A nil entry succeeds.
func (d *MockDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// Dial returns the next queued failure or a new connection.
func (d *MockDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, chat.Transport("stream dial", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.tokens = append(d.tokens, token)

	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	conn := NewMockConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns the number of Dial calls so far.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Tokens returns the tokens presented on every dial.
func (d *MockDialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Conns returns every connection produced so far.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *MockDialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// MockConn is an in-memory Conn.
type MockConn struct {
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	sent      []Command
	err       error
	closed    bool
	closeOnce sync.Once
}

// NewMockConn creates an open connection.
func NewMockConn() *MockConn {
	return &MockConn{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Inject delivers ev to the reader as if the server had sent it.
func (c *MockConn) Inject(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Drop simulates the server or network ending the connection with err.
func (c *MockConn) Drop(err error) {
	c.end(err)
}

// Receive returns injected events in order until the connection ends.
func (c *MockConn) Receive() (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		select {
		case ev := <-c.events:
			return ev, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

// Send records cmd.
func (c *MockConn) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chat.Transport("stream send", errMockClosed)
	}
	c.sent = append(c.sent, cmd)
	return nil
}

// Close ends the connection. Safe to call more than once.
func (c *MockConn) Close() error {
	c.end(chat.Transport("stream receive", errMockClosed))
	return nil
}

func (c *MockConn) end(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Sent returns the commands sent so far.
func (c *MockConn) Sent() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command(nil), c.sent...)
}

// Closed reports whether the connection has ended.
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
