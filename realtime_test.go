package chattr

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconnectorBackoff(t *testing.T) {
	cfg := &RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    500 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}

	t.Run("delays grow exponentially up to the cap", func(t *testing.T) {
		r := newReconnector(cfg)
		first := r.nextDelay()
		second := r.nextDelay()
		require.Greater(t, second, first)
		require.GreaterOrEqual(t, first, cfg.ReconnectBaseDelay)

		for i := 0; i < 10; i++ {
			require.LessOrEqual(t, r.nextDelay(), cfg.ReconnectMaxDelay)
		}
	})

	t.Run("attempt budget is enforced", func(t *testing.T) {
		r := newReconnector(cfg)
		require.True(t, r.shouldReconnect())
		r.nextDelay()
		r.nextDelay()
		r.nextDelay()
		require.False(t, r.shouldReconnect())

		r.reset()
		require.True(t, r.shouldReconnect())
	})

	t.Run("a long stable connection resets the schedule", func(t *testing.T) {
		r := newReconnector(cfg)
		r.nextDelay()
		r.nextDelay()
		r.connectedAt = time.Now().Add(-2 * time.Minute)

		delay := r.nextDelay()
		require.Less(t, delay, 2*cfg.ReconnectBaseDelay)
	})

	t.Run("zero max attempts means unbounded", func(t *testing.T) {
		r := newReconnector(&RealtimeConfig{
			ReconnectBaseDelay: time.Millisecond,
			ReconnectMaxDelay:  time.Millisecond,
		})
		for i := 0; i < 50; i++ {
			r.nextDelay()
		}
		require.True(t, r.shouldReconnect())
	})
}

func quietClient() *RealtimeClient {
	return NewRealtimeClient("http://example.test", "tok", &RealtimeConfig{
		Logger: slog.New(slog.NewTextHandler(discardWriter{}, nil)),
	})
}

func mustPayload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDispatchChange(t *testing.T) {
	rc := quietClient()

	var got []ChangeEvent
	topic := "messages:conversation_id=eq.c1"
	rc.subs[topic] = &changeSub{rc: rc, topic: topic, fn: func(ev ChangeEvent) {
		got = append(got, ev)
	}}

	ev := ChangeEvent{Kind: ChangeInsert, Message: Message{ID: "srv-1", Content: "hello"}}
	rc.dispatch(envelope{Type: "change", Topic: topic, Payload: mustPayload(t, ev)})
	rc.dispatch(envelope{Type: "change", Topic: "messages:conversation_id=eq.other", Payload: mustPayload(t, ev)})

	require.Len(t, got, 1)
	require.Equal(t, ChangeInsert, got[0].Kind)
	require.Equal(t, "hello", got[0].Message.Content)
}

func TestDispatchPresence(t *testing.T) {
	rc := quietClient()

	var got []PresenceEvent
	rc.presences["online_users"] = &presenceSub{rc: rc, topic: "online_users", fn: func(ev PresenceEvent) {
		got = append(got, ev)
	}}

	ev := PresenceEvent{Kind: PresenceSync, Entries: []PresenceEntry{{UserID: "a"}}}
	rc.dispatch(envelope{Type: "presence", Topic: "online_users", Payload: mustPayload(t, ev)})

	require.Len(t, got, 1)
	require.Equal(t, PresenceSync, got[0].Kind)
	require.Equal(t, "a", got[0].Entries[0].UserID)
}

func TestDispatchAcks(t *testing.T) {
	t.Run("ack resolves the pending ref", func(t *testing.T) {
		rc := quietClient()
		ch := make(chan error, 1)
		rc.pendingAcks["ref-1"] = ch

		rc.dispatch(envelope{Type: "ack", Ref: "ref-1"})
		require.NoError(t, <-ch)
		require.Empty(t, rc.pendingAcks)
	})

	t.Run("nack carries the server message", func(t *testing.T) {
		rc := quietClient()
		ch := make(chan error, 1)
		rc.pendingAcks["ref-2"] = ch

		rc.dispatch(envelope{Type: "nack", Ref: "ref-2",
			Payload: mustPayload(t, map[string]string{"message": "bad topic"})})
		err := <-ch
		require.ErrorContains(t, err, "bad topic")
	})

	t.Run("unknown refs are ignored", func(t *testing.T) {
		rc := quietClient()
		rc.dispatch(envelope{Type: "ack", Ref: "never-sent"})
	})
}

func TestDispatchContainsHandlerPanic(t *testing.T) {
	rc := quietClient()

	delivered := 0
	topic := "messages:conversation_id=eq.c1"
	rc.subs[topic] = &changeSub{rc: rc, topic: topic, fn: func(ChangeEvent) {
		delivered++
		if delivered == 1 {
			panic("bad handler")
		}
	}}

	payload := mustPayload(t, ChangeEvent{Kind: ChangeInsert})
	rc.dispatch(envelope{Type: "change", Topic: topic, Payload: payload})
	rc.dispatch(envelope{Type: "change", Topic: topic, Payload: payload})
	require.Equal(t, 2, delivered)
}

func TestSubscribeDedupesTopics(t *testing.T) {
	rc := quietClient()

	// Pre-register so SubscribeChanges takes the existing-topic path without
	// needing a live connection.
	topic := "messages:conversation_id=eq.c1"
	existing := &changeSub{rc: rc, topic: topic, fn: func(ChangeEvent) {}}
	rc.subs[topic] = existing

	sub, err := rc.SubscribeChanges(context.Background(), "messages", "conversation_id=eq.c1", func(ChangeEvent) {})
	require.NoError(t, err)
	require.Same(t, existing, sub)
}
