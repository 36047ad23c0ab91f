// Package chattr is the client core for the Chattr direct-messaging
// service: conversation discovery, message exchange with optimistic
// sends, read-receipt tracking, and online-presence display, all backed
// by a hosted realtime data service.
//
// Example:
//
//	client := chattr.NewClient(token)
//	rt := chattr.NewRealtimeClient(baseURL, token, nil)
//	_ = rt.Connect(ctx)
//
//	session := chattr.NewSession(me, client, rt, nil)
//	_ = session.Init(ctx)
//	defer session.Teardown(ctx)
//
//	dir := chattr.NewDirectory(session)
//	_ = dir.Load(ctx)
//
//	store := chattr.NewMessageStore(session)
//	_ = store.Open(ctx, dir.Conversations()[0])
//	_ = store.Send(ctx, "hello")
package chattr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://chattr.example.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Backend contract
// ============================================================================

// Backend is the query/mutation surface of the hosted data service that the
// core depends on. The HTTP Client is the production implementation; tests
// script a fake.
type Backend interface {
	// ListConversations returns every conversation involving userID, with
	// both participant profiles resolved.
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	// CreateConversation inserts and returns a conversation row for the
	// given pair.
	CreateConversation(ctx context.Context, userID, otherID string) (*Conversation, error)
	// ListMessages returns the conversation's messages ordered by creation
	// timestamp ascending.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	// InsertMessage persists msg and returns the server-assigned row.
	InsertMessage(ctx context.Context, msg Message) (*Message, error)
	// MarkMessagesRead flips the read flag on the given set of message IDs
	// in one batched update.
	MarkMessagesRead(ctx context.Context, ids []string) error
	// ListProfiles returns all profiles except excludeID.
	ListProfiles(ctx context.Context, excludeID string) ([]*User, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP backend client.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a backend client. token is the session's access token;
// pass "" before sign-in (only SignIn works unauthenticated).
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// SetToken sets or updates the session access token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// call performs a request and decodes the Data payload into out. A
// server-reported error is returned as *APIError.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	res, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("backend request %s %s failed", method, path)
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Session endpoints
// ============================================================================

// SignInData is the payload returned by a successful sign-in.
type SignInData struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// SignIn exchanges credentials for a session token and stores the token on
// the client. Session issuance itself is owned by the backend.
func (c *Client) SignIn(ctx context.Context, email, password string) (*SignInData, error) {
	var data SignInData
	err := c.call(ctx, "POST", "/api/auth/signin", map[string]string{
		"email": email, "password": password,
	}, nil, &data)
	if err != nil {
		return nil, err
	}
	c.token = data.Token
	return &data, nil
}

// SignOut invalidates the session token server-side.
func (c *Client) SignOut(ctx context.Context) error {
	return c.call(ctx, "POST", "/api/auth/signout", nil, nil, nil)
}

// Health checks backend availability.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, "GET", "/api/health", nil, nil, nil)
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns every conversation involving userID, with both
// participant profiles resolved, ordered by creation time.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	var convs []*Conversation
	err := c.call(ctx, "GET", "/api/conversations", nil, map[string]string{
		"participant": userID,
	}, &convs)
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// CreateConversation inserts a conversation row for the pair and returns it
// with profiles resolved. The backend enforces pair uniqueness; two sessions
// racing here may still both insert (see Directory.FindOrCreate).
func (c *Client) CreateConversation(ctx context.Context, userID, otherID string) (*Conversation, error) {
	var conv Conversation
	err := c.call(ctx, "POST", "/api/conversations", map[string]string{
		"user1Id": userID, "user2Id": otherID,
	}, nil, &conv)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages returns the conversation's messages ordered by creation
// timestamp ascending.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	var msgs []*Message
	err := c.call(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, map[string]string{
		"order": "createdAt.asc",
	}, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// InsertMessage persists msg and returns the server-assigned row. The
// correlation ID travels with the request so retried writes stay idempotent;
// the server does not echo it back.
func (c *Client) InsertMessage(ctx context.Context, msg Message) (*Message, error) {
	var saved Message
	err := c.call(ctx, "POST", "/api/conversations/"+msg.ConversationID+"/messages", msg, nil, &saved)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// MarkMessagesRead flips the read flag for the given message IDs in a single
// batched update.
func (c *Client) MarkMessagesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.call(ctx, "POST", "/api/messages/read", map[string]any{"ids": ids}, nil, nil)
}

// ============================================================================
// Profiles
// ============================================================================

// ListProfiles returns all profiles except excludeID.
func (c *Client) ListProfiles(ctx context.Context, excludeID string) ([]*User, error) {
	query := map[string]string{}
	if excludeID != "" {
		query["exclude"] = excludeID
	}
	var users []*User
	if err := c.call(ctx, "GET", "/api/profiles", nil, query, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetProfile fetches a single profile by ID.
func (c *Client) GetProfile(ctx context.Context, id string) (*User, error) {
	var u User
	if err := c.call(ctx, "GET", "/api/profiles/"+id, nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateProfile upserts the caller's own profile row.
func (c *Client) UpdateProfile(ctx context.Context, u User) (*User, error) {
	var saved User
	if err := c.call(ctx, "PUT", "/api/profiles/"+u.ID, u, nil, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}
