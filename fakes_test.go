package chattr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Scripted fakes
//
// The reconciliation logic is exercised by feeding scripted event sequences
// through fake Backend/RealtimeService implementations; no live network.
// ============================================================================

type fakeBackend struct {
	mu            sync.Mutex
	conversations []*Conversation
	messages      map[string][]*Message
	profiles      []*User

	listConvErr error
	listMsgErr  error
	insertErr   error
	createErr   error
	markReadErr error

	nextID      int
	createCalls int
	insertCalls int
	readBatches [][]string

	// Hooks run mid-call to script interleavings with the event stream.
	onListMessages  func()
	onInsertMessage func(msg Message, assignedID string)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{messages: make(map[string][]*Message)}
}

func (f *fakeBackend) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listConvErr != nil {
		return nil, f.listConvErr
	}
	out := make([]*Conversation, len(f.conversations))
	copy(out, f.conversations)
	return out, nil
}

func (f *fakeBackend) CreateConversation(ctx context.Context, userID, otherID string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	conv := &Conversation{
		ID:      fmt.Sprintf("conv-%d", f.nextID),
		User1ID: userID,
		User2ID: otherID,
		User1:   &User{ID: userID},
		User2:   &User{ID: otherID},
	}
	f.conversations = append(f.conversations, conv)
	return conv, nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	f.mu.Lock()
	hook := f.onListMessages
	err := f.listMsgErr
	var out []*Message
	for _, m := range f.messages[conversationID] {
		cp := *m
		out = append(out, &cp)
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeBackend) InsertMessage(ctx context.Context, msg Message) (*Message, error) {
	f.mu.Lock()
	f.insertCalls++
	if f.insertErr != nil {
		err := f.insertErr
		f.mu.Unlock()
		return nil, err
	}
	f.nextID++
	saved := msg
	saved.ID = fmt.Sprintf("srv-%d", f.nextID)
	saved.CorrelationID = "" // the server does not echo the client ref
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], &saved)
	hook := f.onInsertMessage
	f.mu.Unlock()

	if hook != nil {
		hook(msg, saved.ID)
	}
	cp := saved
	return &cp, nil
}

func (f *fakeBackend) MarkMessagesRead(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBatches = append(f.readBatches, append([]string(nil), ids...))
	return f.markReadErr
}

func (f *fakeBackend) ListProfiles(ctx context.Context, excludeID string) ([]*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*User
	for _, u := range f.profiles {
		if u.ID != excludeID {
			out = append(out, u)
		}
	}
	return out, nil
}

// ── Realtime ─────────────────────────────────────────────────────────────

type fakeSub struct {
	fn         func(ChangeEvent)
	mu         sync.Mutex
	closed     bool
	closeCalls int
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return nil
}

type fakePresenceChannel struct {
	fn func(PresenceEvent)

	mu         sync.Mutex
	tracked    []PresenceEntry
	untracks   int
	closeCalls int

	trackErr   error
	untrackErr error
	closeErr   error
}

func (p *fakePresenceChannel) Track(ctx context.Context, entry PresenceEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trackErr != nil {
		return p.trackErr
	}
	p.tracked = append(p.tracked, entry)
	return nil
}

func (p *fakePresenceChannel) Untrack(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.untracks++
	return p.untrackErr
}

func (p *fakePresenceChannel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return p.closeErr
}

type fakeRealtime struct {
	mu           sync.Mutex
	subs         map[string]*fakeSub
	presences    map[string]*fakePresenceChannel
	subscribeErr error
	joinErr      error
	subscribes   int
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{
		subs:      make(map[string]*fakeSub),
		presences: make(map[string]*fakePresenceChannel),
	}
}

func (f *fakeRealtime) SubscribeChanges(ctx context.Context, table, filter string, fn func(ChangeEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSub{fn: fn}
	f.subs[table+":"+filter] = sub
	return sub, nil
}

func (f *fakeRealtime) JoinPresence(ctx context.Context, topic string, fn func(PresenceEvent)) (PresenceChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	ch := &fakePresenceChannel{fn: fn}
	f.presences[topic] = ch
	return ch, nil
}

// pushChange delivers a change event to the subscription for the
// conversation, mimicking in-order backend emission.
func (f *fakeRealtime) pushChange(conversationID string, ev ChangeEvent) {
	f.mu.Lock()
	sub := f.subs["messages:conversation_id=eq."+conversationID]
	f.mu.Unlock()
	if sub == nil {
		return
	}
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if !closed {
		sub.fn(ev)
	}
}

func (f *fakeRealtime) pushPresence(ev PresenceEvent) {
	f.mu.Lock()
	ch := f.presences[presenceTopic]
	f.mu.Unlock()
	if ch != nil {
		ch.fn(ev)
	}
}

// ── Session helper ───────────────────────────────────────────────────────

var testUser = User{ID: "me", Username: "marta"}

func newTestSession(backend Backend, realtime RealtimeService) *Session {
	return NewSession(testUser, backend, realtime, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
