// ABOUTME: Tests for local typing debounce and remote presence
// ABOUTME: Includes the auto-stop scenario with a short idle timeout

package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emission struct {
	conversationID string
	typing         bool
}

type recordingEmitter struct {
	mu   sync.Mutex
	sent []emission
	err  error
}

func (r *recordingEmitter) SendTyping(conversationID string, typing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, emission{conversationID, typing})
	return r.err
}

func (r *recordingEmitter) emissions() []emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emission(nil), r.sent...)
}

func TestKeystroke_AutoStopsAfterIdle(t *testing.T) {
	em := &recordingEmitter{}
	c := New(Options{Emitter: em, IdleTimeout: 30 * time.Millisecond})
	t.Cleanup(c.Close)

	for i := 0; i < 5; i++ {
		c.Keystroke("c1")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []emission{{"c1", true}}, em.emissions(), "one start for a burst")
	assert.True(t, c.Active("c1"))

	require.Eventually(t, func() bool { return len(em.emissions()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []emission{{"c1", true}, {"c1", false}}, em.emissions())
	assert.False(t, c.Active("c1"))

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, em.emissions(), 2, "exactly one stop")
}

func TestInputCleared(t *testing.T) {
	em := &recordingEmitter{}
	c := New(Options{Emitter: em, IdleTimeout: time.Hour})
	t.Cleanup(c.Close)

	c.InputCleared("c1")
	assert.Empty(t, em.emissions(), "no stop when not typing")

	c.Keystroke("c1")
	c.InputCleared("c1")
	c.InputCleared("c1")
	assert.Equal(t, []emission{{"c1", true}, {"c1", false}}, em.emissions())
}

func TestKeystroke_StaleTimerIgnoredAfterClear(t *testing.T) {
	em := &recordingEmitter{}
	c := New(Options{Emitter: em, IdleTimeout: 20 * time.Millisecond})
	t.Cleanup(c.Close)

	c.Keystroke("c1")
	c.InputCleared("c1")
	c.Keystroke("c1")

	require.Eventually(t, func() bool { return len(em.emissions()) == 4 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []emission{{"c1", true}, {"c1", false}, {"c1", true}, {"c1", false}}, em.emissions())
}

func TestKeystroke_EmitterErrorsAreTolerated(t *testing.T) {
	em := &recordingEmitter{err: assert.AnError}
	c := New(Options{Emitter: em, IdleTimeout: time.Hour})
	t.Cleanup(c.Close)

	c.Keystroke("c1")
	assert.True(t, c.Active("c1"))
}

func TestObserve_Presence(t *testing.T) {
	c := New(Options{SelfID: "me", PresenceTTL: time.Hour})
	t.Cleanup(c.Close)

	assert.True(t, c.Observe("c1", "u2", true))
	assert.False(t, c.Observe("c1", "u2", true), "refresh is not a change")
	assert.True(t, c.Observe("c1", "u1", true))
	assert.False(t, c.Observe("c1", "me", true), "own echo ignored")

	assert.Equal(t, []string{"u1", "u2"}, c.Typers("c1"))
	assert.Empty(t, c.Typers("c2"))

	assert.True(t, c.Observe("c1", "u2", false))
	assert.False(t, c.Observe("c1", "u2", false))
	assert.Equal(t, []string{"u1"}, c.Typers("c1"))
}

func TestObserve_ExpiresAfterTTL(t *testing.T) {
	changed := make(chan string, 1)
	c := New(Options{PresenceTTL: 20 * time.Millisecond, OnChange: func(id string) { changed <- id }})
	t.Cleanup(c.Close)

	c.Observe("c1", "u1", true)
	require.Equal(t, []string{"u1"}, c.Typers("c1"))

	select {
	case id := <-changed:
		assert.Equal(t, "c1", id)
	case <-time.After(time.Second):
		t.Fatal("presence did not expire")
	}
	assert.Empty(t, c.Typers("c1"))
}

func TestTypers_PrunesByClock(t *testing.T) {
	c := New(Options{PresenceTTL: 5 * time.Second})
	t.Cleanup(c.Close)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Observe("c1", "u1", true)
	now = now.Add(4 * time.Second)
	assert.Equal(t, []string{"u1"}, c.Typers("c1"))

	now = now.Add(time.Second)
	assert.Empty(t, c.Typers("c1"))
}

func TestForgetAndClose(t *testing.T) {
	em := &recordingEmitter{}
	c := New(Options{Emitter: em, IdleTimeout: 10 * time.Millisecond})

	c.Keystroke("c1")
	c.Observe("c1", "u1", true)
	c.Forget("c1")
	assert.False(t, c.Active("c1"))
	assert.Empty(t, c.Typers("c1"))

	c.Close()
	c.Keystroke("c2")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []emission{{"c1", true}}, em.emissions(), "nothing emitted after forget or close")
}
