package chattr

import (
	"context"
	"sync"
	"time"
)

// presenceTopic is the single shared presence channel for all sessions.
const presenceTopic = "online_users"

// PresenceTracker maintains the set of currently-online user identifiers
// from one shared presence channel per session. Sync snapshots are
// authoritative and replace the set wholesale; join/leave deltas mutate it
// between snapshots. The tracker is the set's only writer.
type PresenceTracker struct {
	session *Session

	mu      sync.Mutex
	online  map[string]struct{}
	channel PresenceChannel
	closed  bool
}

// NewPresenceTracker creates a tracker bound to the session. Call Start.
func NewPresenceTracker(session *Session) *PresenceTracker {
	return &PresenceTracker{
		session: session,
		online:  make(map[string]struct{}),
	}
}

// Start joins the shared presence channel and, once the join succeeds,
// announces this session's own presence so peers observe it as online.
func (t *PresenceTracker) Start(ctx context.Context) error {
	ch, err := t.session.realtime.JoinPresence(ctx, presenceTopic, t.apply)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.channel = ch
	t.closed = false
	t.mu.Unlock()

	return ch.Track(ctx, PresenceEntry{
		UserID:   t.session.User.ID,
		OnlineAt: time.Now().UTC(),
	})
}

// Online reports whether the user is currently connected.
func (t *PresenceTracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns a copy of the online set.
func (t *PresenceTracker) Snapshot() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{}, len(t.online))
	for id := range t.online {
		out[id] = struct{}{}
	}
	return out
}

// Teardown actively retracts this session's presence and leaves the
// channel. It must run before the session ends: the backend's liveness
// timeout is a fallback, not the cleanup path. Failures are logged and
// returned as *PresenceCleanupError but must never block sign-out.
// Idempotent.
func (t *PresenceTracker) Teardown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ch := t.channel
	t.channel = nil
	t.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Untrack(ctx); err != nil {
		cerr := &PresenceCleanupError{Stage: "untrack", Err: err}
		t.session.log.Warn("presence untrack failed", "error", err)
		ch.Close()
		return cerr
	}
	if err := ch.Close(); err != nil {
		cerr := &PresenceCleanupError{Stage: "unsubscribe", Err: err}
		t.session.log.Warn("presence unsubscribe failed", "error", err)
		return cerr
	}
	return nil
}

// apply is the presence event callback; a closed tracker ignores late
// deliveries.
func (t *PresenceTracker) apply(ev PresenceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	switch ev.Kind {
	case PresenceSync:
		// The snapshot is authoritative: replace, never merge.
		next := make(map[string]struct{}, len(ev.Entries))
		for _, e := range ev.Entries {
			next[e.UserID] = struct{}{}
		}
		t.online = next

	case PresenceJoin:
		for _, e := range ev.Entries {
			t.online[e.UserID] = struct{}{}
		}

	case PresenceLeave:
		for _, e := range ev.Entries {
			delete(t.online, e.UserID)
		}
	}
}
