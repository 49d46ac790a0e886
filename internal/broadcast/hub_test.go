// ABOUTME: Tests for the generic fan-out hub
// ABOUTME: Covers delivery, slow subscribers, context cleanup and close

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_MultipleSubscribersReceiveValue(t *testing.T) {
	h := New[string](nil)
	defer h.Close()

	ch1, _ := h.Subscribe(t.Context())
	ch2, _ := h.Subscribe(t.Context())

	h.Publish("connected")

	for i, ch := range []<-chan string{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "connected", got, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := New[int](nil)
	defer h.Close()

	_, _ = h.Subscribe(t.Context())
	fast, _ := h.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for i := range subscriberBufferSize * 2 {
			h.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	assert.Equal(t, 0, <-fast)
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	h := New[int](nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := h.Subscribe(ctx)
	require.Equal(t, 1, h.Len())

	cancel()

	require.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")
}

func TestHub_UnsubscribeTwiceIsSafe(t *testing.T) {
	h := New[int](nil)
	defer h.Close()

	_, id := h.Subscribe(t.Context())
	h.Unsubscribe(id)
	h.Unsubscribe(id)
	assert.Equal(t, 0, h.Len())
}

func TestHub_SubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	h := New[int](nil)
	h.Close()
	h.Close()

	ch, _ := h.Subscribe(t.Context())
	_, open := <-ch
	assert.False(t, open)
}

func TestHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	h := New[int](nil)
	defer h.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			h.Subscribe(ctx)
		}()
		go func(v int) {
			defer wg.Done()
			h.Publish(v)
		}(i)
	}
	wg.Wait()
}
