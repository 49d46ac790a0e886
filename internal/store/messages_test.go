// ABOUTME: Tests for message log reducers
// ABOUTME: Dedup, ordering under shuffled delivery, page loads and read receipts

package store

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-chat/internal/chat"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration, role chat.Role) chat.Message {
	return chat.Message{ID: id, ConversationID: "c1", SenderRole: role, Body: "body " + id, CreatedAt: t0.Add(offset)}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAppendIfAbsent_Dedup(t *testing.T) {
	var s MessageState
	s, added := s.AppendIfAbsent(msg("m1", 0, chat.RoleCustomer))
	require.True(t, added)

	again, added := s.AppendIfAbsent(msg("m1", 0, chat.RoleCustomer))
	assert.False(t, added)
	assert.Len(t, again.Log("c1").Messages, 1)
}

func TestAppendIfAbsent_OrderedStableOnTies(t *testing.T) {
	var s MessageState
	s, _ = s.AppendIfAbsent(msg("late", 2*time.Second, chat.RoleAdmin))
	s, _ = s.AppendIfAbsent(msg("early", 0, chat.RoleAdmin))
	s, _ = s.AppendIfAbsent(msg("tie-a", time.Second, chat.RoleAdmin))
	s, _ = s.AppendIfAbsent(msg("tie-b", time.Second, chat.RoleCustomer))

	assert.Equal(t, []string{"early", "tie-a", "tie-b", "late"}, ids(s.Log("c1").Messages))
}

func TestAppendIfAbsent_ShuffledDeliveryWithDuplicates(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for round := 0; round < 50; round++ {
		var deliveries []chat.Message
		for i := 0; i < 20; i++ {
			m := msg(fmt.Sprintf("m%02d", i), time.Duration(i)*time.Second, chat.RoleCustomer)
			deliveries = append(deliveries, m)
			if r.IntN(3) == 0 {
				deliveries = append(deliveries, m)
			}
		}
		r.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

		var s MessageState
		for _, m := range deliveries {
			s, _ = s.AppendIfAbsent(m)
		}

		log := s.Log("c1").Messages
		require.Len(t, log, 20, "round %d", round)
		for i := 1; i < len(log); i++ {
			assert.False(t, log[i].CreatedAt.Before(log[i-1].CreatedAt), "round %d not ordered", round)
		}
	}
}

func TestAppendIfAbsent_DoesNotMutatePrevious(t *testing.T) {
	var s MessageState
	s1, _ := s.AppendIfAbsent(msg("m1", 0, chat.RoleCustomer))
	s2, _ := s1.AppendIfAbsent(msg("m2", time.Second, chat.RoleCustomer))

	assert.Len(t, s1.Log("c1").Messages, 1)
	assert.Len(t, s2.Log("c1").Messages, 2)
}

func TestLoad_FirstPageKeepsLiveTail(t *testing.T) {
	var s MessageState
	s, _ = s.AppendIfAbsent(msg("stale", -time.Hour, chat.RoleCustomer))
	s, _ = s.AppendIfAbsent(msg("live", time.Hour, chat.RoleAdmin))
	s, _ = s.AppendIfAbsent(msg("m2", 2*time.Second, chat.RoleAdmin))

	page := []chat.Message{msg("m1", time.Second, chat.RoleCustomer), msg("m2", 2*time.Second, chat.RoleAdmin)}
	s = s.Load("c1", 1, page, true)

	l := s.Log("c1")
	assert.Equal(t, []string{"m1", "m2", "live"}, ids(l.Messages))
	assert.Equal(t, 1, l.Page)
	assert.True(t, l.HasMore)
}

func TestLoad_EmptyFirstPageKeepsLiveMessages(t *testing.T) {
	var s MessageState
	s, _ = s.AppendIfAbsent(msg("m1", 0, chat.RoleCustomer))

	s = s.Load("c1", 1, nil, false)
	assert.Equal(t, []string{"m1"}, ids(s.Log("c1").Messages))
	assert.True(t, s.Loaded("c1"))
}

func TestLoad_OlderPagePrepends(t *testing.T) {
	var s MessageState
	s = s.Load("c1", 1, []chat.Message{msg("m3", 3*time.Second, chat.RoleAdmin), msg("m4", 4*time.Second, chat.RoleAdmin)}, true)
	s = s.Load("c1", 2, []chat.Message{msg("m1", time.Second, chat.RoleAdmin), msg("m2", 2*time.Second, chat.RoleAdmin), msg("m3", 3*time.Second, chat.RoleAdmin)}, false)

	l := s.Log("c1")
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(l.Messages))
	assert.Equal(t, 2, l.Page)
	assert.False(t, l.HasMore)
}

func TestRemove(t *testing.T) {
	var s MessageState
	s, _ = s.AppendIfAbsent(msg("m1", 0, chat.RoleCustomer))
	s, _ = s.AppendIfAbsent(msg("m2", time.Second, chat.RoleCustomer))

	s, removed := s.Remove("c1", "m1")
	require.True(t, removed)
	assert.Equal(t, []string{"m2"}, ids(s.Log("c1").Messages))

	same, removed := s.Remove("c1", "m1")
	assert.False(t, removed)
	assert.Equal(t, s, same)

	_, removed = s.Remove("unknown", "m2")
	assert.False(t, removed)
}

func TestMarkReadThrough(t *testing.T) {
	var s MessageState
	s, _ = s.AppendIfAbsent(msg("c-old", 0, chat.RoleCustomer))
	s, _ = s.AppendIfAbsent(msg("a-old", time.Second, chat.RoleAdmin))
	s, _ = s.AppendIfAbsent(msg("c-new", time.Minute, chat.RoleCustomer))

	s = s.MarkReadThrough("c1", chat.RoleCustomer, t0.Add(2*time.Second))

	read := map[string]bool{}
	for _, m := range s.Log("c1").Messages {
		read[m.ID] = m.IsRead
	}
	assert.Equal(t, map[string]bool{"c-old": true, "a-old": false, "c-new": false}, read)
}

func TestClear(t *testing.T) {
	var s MessageState
	s, _ = s.AppendIfAbsent(msg("m1", 0, chat.RoleCustomer))
	s = s.Clear("c1")
	assert.False(t, s.Loaded("c1"))
	assert.Empty(t, s.Log("c1").Messages)
}

func TestMessageStore_Update(t *testing.T) {
	ms := NewMessageStore()
	ms.Update(func(s MessageState) MessageState {
		next, _ := s.AppendIfAbsent(msg("m1", 0, chat.RoleCustomer))
		return next
	})
	assert.Len(t, ms.Snapshot().Log("c1").Messages, 1)
}
