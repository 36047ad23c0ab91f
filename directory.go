package chattr

import (
	"context"
	"sync"
)

// Directory loads and caches the conversations involving the session user,
// resolves participant profiles, and answers prefix-filter queries. It owns
// the resident conversation set; messages live in MessageStore.
type Directory struct {
	session *Session

	mu            sync.Mutex
	conversations []*Conversation
	peers         []*User
	loaded        bool
}

// NewDirectory creates a directory bound to the session.
func NewDirectory(session *Session) *Directory {
	return &Directory{session: session}
}

// Load fetches all conversations involving the session user, with both
// participants' profiles resolved. On failure the previous cache is kept
// and a *FetchError is returned for the caller's retry/loading state.
func (d *Directory) Load(ctx context.Context) error {
	convs, err := d.session.backend.ListConversations(ctx, d.session.User.ID)
	if err != nil {
		return &FetchError{Resource: "conversations", Err: err}
	}
	d.mu.Lock()
	d.conversations = convs
	d.loaded = true
	d.mu.Unlock()
	return nil
}

// Loaded reports whether an initial Load has succeeded.
func (d *Directory) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Conversations returns a snapshot of the resident set.
func (d *Directory) Conversations() []*Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conversation, len(d.conversations))
	copy(out, d.conversations)
	return out
}

// FindOrCreate returns the conversation between the session user and
// otherID, scanning the resident set for an unordered pair match before
// issuing a create. Within one session this never produces two
// conversations for the same pair; two sessions racing an initial create
// can still both insert a row, which only a storage-layer uniqueness
// constraint can prevent. A created conversation is appended to the
// resident set.
func (d *Directory) FindOrCreate(ctx context.Context, otherID string) (*Conversation, error) {
	self := d.session.User.ID

	d.mu.Lock()
	for _, c := range d.conversations {
		if c.HasPair(self, otherID) {
			d.mu.Unlock()
			return c, nil
		}
	}
	d.mu.Unlock()

	conv, err := d.session.backend.CreateConversation(ctx, self, otherID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.conversations = append(d.conversations, conv)
	d.mu.Unlock()
	return conv, nil
}

// FilterByParticipantName returns the conversations whose other
// participant's display name starts with query, case-insensitively. An
// empty query returns the unfiltered set. Conversations with an unresolved
// profile are skipped.
func (d *Directory) FilterByParticipantName(query string) []*Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Conversation
	for _, c := range d.conversations {
		other := c.Other(d.session.User.ID)
		if other == nil {
			continue
		}
		if hasNamePrefix(other.Username, query) {
			out = append(out, c)
		}
	}
	return out
}

// IsOnline projects the conversation's other participant onto the presence
// set. Pure lookup, recomputed per call; no status is cached on the entity.
func (d *Directory) IsOnline(conv *Conversation, presence *PresenceTracker) bool {
	return presence.Online(conv.OtherID(d.session.User.ID))
}

// Peers fetches (and caches) every other user's profile, for starting new
// conversations.
func (d *Directory) Peers(ctx context.Context) ([]*User, error) {
	d.mu.Lock()
	cached := d.peers
	d.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	users, err := d.session.backend.ListProfiles(ctx, d.session.User.ID)
	if err != nil {
		return nil, &FetchError{Resource: "profiles", Err: err}
	}
	d.mu.Lock()
	d.peers = users
	d.mu.Unlock()
	return users, nil
}

// FilterPeersByName returns cached peers whose display name starts with
// query, case-insensitively. Call Peers first to populate the cache.
func (d *Directory) FilterPeersByName(query string) []*User {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*User
	for _, u := range d.peers {
		if hasNamePrefix(u.Username, query) {
			out = append(out, u)
		}
	}
	return out
}
