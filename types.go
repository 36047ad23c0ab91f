package chattr

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// FetchError wraps a failed bulk load (conversations, messages, profiles).
// Callers surface a retry/loading state; the error never crashes the
// dispatch path.
type FetchError struct {
	Resource string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports a message persist that failed after optimistic display.
// By the time the caller sees it, the optimistic entry has been rolled back.
type SendError struct {
	CorrelationID string
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message (ref %s): %v", e.CorrelationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReadReceiptError reports a failed batched read-flag update. Unread status
// stays stale until the next successful attempt; callers log it and move on.
type ReadReceiptError struct {
	MessageIDs []string
	Err        error
}

func (e *ReadReceiptError) Error() string {
	return fmt.Sprintf("mark %d messages read: %v", len(e.MessageIDs), e.Err)
}

func (e *ReadReceiptError) Unwrap() error { return e.Err }

// PresenceCleanupError reports a failure while retracting presence on
// teardown. It must never block sign-out.
type PresenceCleanupError struct {
	Stage string // "untrack" or "unsubscribe"
	Err   error
}

func (e *PresenceCleanupError) Error() string {
	return fmt.Sprintf("presence cleanup (%s): %v", e.Stage, e.Err)
}

func (e *PresenceCleanupError) Unwrap() error { return e.Err }

// ============================================================================
// Data Model
// ============================================================================

// User is a profile row. The core treats the ID as an opaque, stable
// identifier for the session lifetime; profile editing lives outside it.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Bio       string `json:"bio,omitempty"`
}

// Conversation is a two-party thread. The participant columns carry no
// ordering guarantee: pair matching is always unordered.
type Conversation struct {
	ID        string    `json:"id"`
	User1ID   string    `json:"user1Id"`
	User2ID   string    `json:"user2Id"`
	CreatedAt time.Time `json:"createdAt"`
	User1     *User     `json:"user1,omitempty"`
	User2     *User     `json:"user2,omitempty"`
}

// HasPair reports whether the conversation is between a and b, in either
// column order.
func (c *Conversation) HasPair(a, b string) bool {
	return (c.User1ID == a && c.User2ID == b) || (c.User1ID == b && c.User2ID == a)
}

// Other returns the participant that is not selfID, or nil when the profile
// was not resolved.
func (c *Conversation) Other(selfID string) *User {
	if c.User1ID == selfID {
		return c.User2
	}
	return c.User1
}

// OtherID returns the identifier of the participant that is not selfID.
func (c *Conversation) OtherID(selfID string) string {
	if c.User1ID == selfID {
		return c.User2ID
	}
	return c.User1ID
}

// Message is one chat message. The server assigns ID on insert; optimistic
// local instances carry only a client-generated CorrelationID until the
// persist call returns. The Read flag is monotonic: false → true only.
type Message struct {
	ID             string    `json:"id,omitempty"`
	CorrelationID  string    `json:"clientRef,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// Confirmed reports whether the server has persisted the message.
func (m *Message) Confirmed() bool { return m.ID != "" }

// StoreState is the lifecycle state of a MessageStore.
type StoreState string

const (
	StoreLoading StoreState = "loading"
	StoreReady   StoreState = "ready"
	StoreFailed  StoreState = "failed"
	StoreClosed  StoreState = "closed"
)

// PresenceEntry is one tracked presence: a user plus the time this session
// announced itself.
type PresenceEntry struct {
	UserID   string    `json:"userId"`
	OnlineAt time.Time `json:"onlineAt"`
}

// hasNamePrefix reports whether name starts with query, case-insensitively.
// An empty query matches everything.
func hasNamePrefix(name, query string) bool {
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(query))
}
