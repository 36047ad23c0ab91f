package chattr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func startTracker(t *testing.T) (*PresenceTracker, *fakeRealtime, *fakePresenceChannel) {
	t.Helper()
	rt := newFakeRealtime()
	tracker := NewPresenceTracker(newTestSession(newFakeBackend(), rt))
	require.NoError(t, tracker.Start(context.Background()))
	ch := rt.presences[presenceTopic]
	require.NotNil(t, ch)
	return tracker, rt, ch
}

func TestPresenceStart(t *testing.T) {
	t.Run("announces own presence after joining", func(t *testing.T) {
		_, _, ch := startTracker(t)
		require.Len(t, ch.tracked, 1)
		require.Equal(t, "me", ch.tracked[0].UserID)
		require.False(t, ch.tracked[0].OnlineAt.IsZero())
	})

	t.Run("join failure surfaces", func(t *testing.T) {
		rt := newFakeRealtime()
		rt.joinErr = errors.New("no socket")
		tracker := NewPresenceTracker(newTestSession(newFakeBackend(), rt))
		require.Error(t, tracker.Start(context.Background()))
	})
}

func TestPresenceEvents(t *testing.T) {
	t.Run("sync snapshots replace the set wholesale", func(t *testing.T) {
		tracker, rt, _ := startTracker(t)

		rt.pushPresence(PresenceEvent{Kind: PresenceJoin, Entries: []PresenceEntry{
			{UserID: "a"}, {UserID: "b"},
		}})
		require.True(t, tracker.Online("a"))
		require.True(t, tracker.Online("b"))

		// The snapshot omits "a"; a replace must drop it even though no leave
		// event was ever delivered.
		rt.pushPresence(PresenceEvent{Kind: PresenceSync, Entries: []PresenceEntry{
			{UserID: "b"}, {UserID: "c"},
		}})
		require.False(t, tracker.Online("a"))
		require.True(t, tracker.Online("b"))
		require.True(t, tracker.Online("c"))
		require.Len(t, tracker.Snapshot(), 2)
	})

	t.Run("join and leave adjust between snapshots", func(t *testing.T) {
		tracker, rt, _ := startTracker(t)

		rt.pushPresence(PresenceEvent{Kind: PresenceSync, Entries: []PresenceEntry{{UserID: "a"}}})
		rt.pushPresence(PresenceEvent{Kind: PresenceJoin, Entries: []PresenceEntry{{UserID: "b"}}})
		rt.pushPresence(PresenceEvent{Kind: PresenceLeave, Entries: []PresenceEntry{{UserID: "a"}}})

		require.False(t, tracker.Online("a"))
		require.True(t, tracker.Online("b"))
	})

	t.Run("a torn-down tracker ignores late events", func(t *testing.T) {
		tracker, rt, _ := startTracker(t)
		require.NoError(t, tracker.Teardown(context.Background()))

		rt.pushPresence(PresenceEvent{Kind: PresenceJoin, Entries: []PresenceEntry{{UserID: "late"}}})
		require.False(t, tracker.Online("late"))
	})
}

func TestPresenceTeardown(t *testing.T) {
	t.Run("untracks then leaves, once", func(t *testing.T) {
		tracker, _, ch := startTracker(t)

		require.NoError(t, tracker.Teardown(context.Background()))
		require.NoError(t, tracker.Teardown(context.Background()))
		require.Equal(t, 1, ch.untracks)
		require.Equal(t, 1, ch.closeCalls)
	})

	t.Run("untrack failure still leaves the channel", func(t *testing.T) {
		tracker, _, ch := startTracker(t)
		ch.untrackErr = errors.New("timeout")

		err := tracker.Teardown(context.Background())
		var cerr *PresenceCleanupError
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, "untrack", cerr.Stage)
		require.Equal(t, 1, ch.closeCalls)
	})

	t.Run("leave failure is reported", func(t *testing.T) {
		tracker, _, ch := startTracker(t)
		ch.closeErr = errors.New("timeout")

		err := tracker.Teardown(context.Background())
		var cerr *PresenceCleanupError
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, "unsubscribe", cerr.Stage)
	})
}

func TestSessionLifecycle(t *testing.T) {
	t.Run("init starts presence", func(t *testing.T) {
		rt := newFakeRealtime()
		session := newTestSession(newFakeBackend(), rt)

		require.NoError(t, session.Init(context.Background()))
		require.NotNil(t, session.Presence())
		require.Len(t, rt.presences[presenceTopic].tracked, 1)
	})

	t.Run("teardown retracts presence and never blocks", func(t *testing.T) {
		rt := newFakeRealtime()
		session := newTestSession(newFakeBackend(), rt)
		require.NoError(t, session.Init(context.Background()))

		ch := rt.presences[presenceTopic]
		ch.untrackErr = errors.New("timeout")

		session.Teardown(context.Background()) // must not panic or propagate
		require.Equal(t, 1, ch.untracks)
		require.Equal(t, 1, ch.closeCalls)
	})
}
