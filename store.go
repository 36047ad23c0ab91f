package chattr

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotOpen is returned by store operations that require an open, Ready
// conversation.
var ErrNotOpen = errors.New("message store is not open")

// MessageStore reconciles the message list of the currently-open
// conversation from three streams: the initial bulk fetch, optimistic local
// sends, and inbound realtime change events. At most one conversation is
// open per store; opening another closes the previous one first.
//
// All mutation happens under the store mutex. Optimistic sends are
// correlated with their server-confirmed rows by a client-generated
// correlation ID, never by list position, because inbound events may
// reorder the list while a persist call is in flight.
type MessageStore struct {
	session *Session

	mu       sync.Mutex
	state    StoreState
	epoch    int // bumped on every Open/Close; stale callbacks check it
	conv     *Conversation
	messages []*Message
	pending  []ChangeEvent // events buffered while the bulk fetch runs
	sub      Subscription

	onChange func()
}

// NewMessageStore creates a store bound to the session. The store starts
// closed; call Open.
func NewMessageStore(session *Session) *MessageStore {
	return &MessageStore{session: session, state: StoreClosed}
}

// SetOnChange registers a callback invoked after every state mutation. The
// callback runs outside the store lock, so taking a fresh snapshot from it
// is safe; mutating store calls should be deferred to another goroutine.
func (s *MessageStore) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns the store lifecycle state.
func (s *MessageStore) State() StoreState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns the currently-open conversation, or nil.
func (s *MessageStore) Conversation() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Messages returns a snapshot of the resident list. The caller may not
// mutate store state through it.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// UnreadCount returns the number of resident peer messages not yet read.
func (s *MessageStore) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.SenderID != s.session.User.ID && !m.Read {
			n++
		}
	}
	return n
}

// Open subscribes to the conversation's change feed, bulk-fetches its
// messages ordered by creation time, and transitions to Ready. Opening the
// conversation that is already open (Loading or Ready) is a no-op, so the
// feed is never subscribed twice. Opening a different conversation closes
// the previous one first.
func (s *MessageStore) Open(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	if s.conv != nil && s.conv.ID == conv.ID &&
		(s.state == StoreLoading || s.state == StoreReady) {
		s.mu.Unlock()
		return nil
	}
	prev := s.sub
	s.sub = nil
	s.epoch++
	epoch := s.epoch
	s.conv = conv
	s.state = StoreLoading
	s.messages = nil
	s.pending = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	sub, err := s.session.realtime.SubscribeChanges(ctx, "messages",
		"conversation_id=eq."+conv.ID,
		func(ev ChangeEvent) { s.apply(epoch, ev) })
	if err != nil {
		s.failEpoch(epoch)
		return &FetchError{Resource: "message feed", Err: err}
	}

	msgs, err := s.session.backend.ListMessages(ctx, conv.ID)
	if err != nil {
		sub.Close()
		s.failEpoch(epoch)
		return &FetchError{Resource: "messages", Err: err}
	}

	s.mu.Lock()
	if s.epoch != epoch {
		// A newer Open or Close superseded this one mid-fetch.
		s.mu.Unlock()
		sub.Close()
		return nil
	}
	s.sub = sub
	s.messages = make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		s.messages = append(s.messages, &cp)
	}
	s.state = StoreReady
	// Events that raced the fetch were buffered; replay them now. The
	// dedupe-by-ID check absorbs rows the fetch already returned.
	buffered := s.pending
	s.pending = nil
	for _, ev := range buffered {
		s.applyLocked(ev)
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Close unsubscribes and stops all further mutation, including from
// in-flight event callbacks and persist completions. Idempotent.
func (s *MessageStore) Close() error {
	s.mu.Lock()
	if s.state == StoreClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StoreClosed
	s.epoch++
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Send appends an optimistic unconfirmed message and persists it.
// Whitespace-only text is a silent no-op. On success the placeholder is
// replaced by the server row, matched by correlation ID; on failure it is
// rolled back by the same match and a *SendError is returned. Sends are
// never retried automatically.
func (s *MessageStore) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.state != StoreReady {
		s.mu.Unlock()
		return ErrNotOpen
	}
	epoch := s.epoch
	placeholder := &Message{
		CorrelationID:  uuid.NewString(),
		ConversationID: s.conv.ID,
		SenderID:       s.session.User.ID,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	}
	// Outbound sends are the most recent action, so the placeholder sits at
	// the tail until confirmation fixes its final position.
	s.messages = append(s.messages, placeholder)
	s.mu.Unlock()
	s.notify()

	saved, err := s.session.backend.InsertMessage(ctx, *placeholder)

	s.mu.Lock()
	if s.epoch != epoch || s.state != StoreReady {
		// Store was closed or reopened while the persist was in flight; the
		// resident list is no longer ours to touch.
		s.mu.Unlock()
		if err != nil {
			return &SendError{CorrelationID: placeholder.CorrelationID, Err: err}
		}
		return nil
	}
	idx := s.indexByCorrelation(placeholder.CorrelationID)
	if err != nil {
		if idx >= 0 {
			s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		}
		s.mu.Unlock()
		s.notify()
		return &SendError{CorrelationID: placeholder.CorrelationID, Err: err}
	}
	if idx >= 0 {
		confirmed := *saved
		confirmed.CorrelationID = placeholder.CorrelationID
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		s.insertOrdered(&confirmed)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// MarkVisibleAsRead issues one batched read-flag update for every resident
// peer message that is still unread. Local flags are not flipped
// optimistically: the authoritative flip arrives via the update event, so
// local state never diverges from the server under failure. A failed update
// is logged and reported as *ReadReceiptError; unread status simply stays
// stale until a later attempt succeeds.
func (s *MessageStore) MarkVisibleAsRead(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StoreReady {
		s.mu.Unlock()
		return ErrNotOpen
	}
	var ids []string
	for _, m := range s.messages {
		if m.Confirmed() && m.SenderID != s.session.User.ID && !m.Read {
			ids = append(ids, m.ID)
		}
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := s.session.backend.MarkMessagesRead(ctx, ids); err != nil {
		rerr := &ReadReceiptError{MessageIDs: ids, Err: err}
		s.session.log.Warn("read receipt update failed", "count", len(ids), "error", err)
		return rerr
	}
	return nil
}

// ── Event application ────────────────────────────────────────────────────

// apply is the change-feed callback. The epoch check is the closed flag: a
// callback registered before Close (or before a newer Open) finds a stale
// epoch and returns without touching state.
func (s *MessageStore) apply(epoch int, ev ChangeEvent) {
	s.mu.Lock()
	if s.epoch != epoch || s.state == StoreClosed || s.state == StoreFailed {
		s.mu.Unlock()
		return
	}
	if s.state == StoreLoading {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	s.applyLocked(ev)
	s.mu.Unlock()
	s.notify()
}

func (s *MessageStore) applyLocked(ev ChangeEvent) {
	switch ev.Kind {
	case ChangeInsert:
		// Own sends are already optimistically resident; the Send success
		// path performs the reconciling replace. Acting on the echo here
		// would duplicate the entry.
		if ev.Message.SenderID == s.session.User.ID {
			return
		}
		if s.indexByID(ev.Message.ID) >= 0 {
			return
		}
		cp := ev.Message
		s.insertOrdered(&cp)

	case ChangeUpdate:
		idx := s.indexByID(ev.Message.ID)
		if idx < 0 {
			// Not resident (e.g. arrived before the fetch completed). Drop
			// silently; the next bulk fetch on re-open repairs state.
			return
		}
		cp := ev.Message
		// The read flag only ever flips false→true in a session.
		cp.Read = cp.Read || s.messages[idx].Read
		cp.CorrelationID = s.messages[idx].CorrelationID
		s.messages[idx] = &cp
	}
}

// insertOrdered places a confirmed message so the list stays non-decreasing
// by creation timestamp, keeping any unconfirmed placeholders in their
// tail positions. Equal timestamps preserve arrival order.
func (s *MessageStore) insertOrdered(m *Message) {
	i := len(s.messages)
	for i > 0 && !s.messages[i-1].Confirmed() {
		i--
	}
	for i > 0 && s.messages[i-1].Confirmed() && s.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

func (s *MessageStore) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) indexByCorrelation(ref string) int {
	for i, m := range s.messages {
		if m.CorrelationID == ref {
			return i
		}
	}
	return -1
}

func (s *MessageStore) failEpoch(epoch int) {
	s.mu.Lock()
	if s.epoch == epoch {
		s.state = StoreFailed
	}
	s.mu.Unlock()
}

func (s *MessageStore) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() { recover() }() // a broken view callback must not break sync
	fn()
}
