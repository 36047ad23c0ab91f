package chattr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Types
// ============================================================================

// ChangeKind distinguishes row-change events on a subscribed table.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// ChangeEvent is a row change pushed for a message-table subscription.
// Events arrive in the order the backend emits them; no client-side
// reordering happens before delivery.
type ChangeEvent struct {
	Kind    ChangeKind `json:"kind"`
	Message Message    `json:"row"`
}

// PresenceKind distinguishes presence-channel events.
type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceEvent carries presence membership deltas or a full snapshot. For
// sync events Entries is the authoritative flattened membership.
type PresenceEvent struct {
	Kind    PresenceKind    `json:"kind"`
	Entries []PresenceEntry `json:"entries"`
}

// envelope is the wire format for all realtime traffic.
type envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// command is a client-to-server frame.
type command struct {
	Type    string      `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Ref     string      `json:"ref,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// ============================================================================
// Service contract
// ============================================================================

// Subscription is a live change-feed registration. Close is idempotent and
// stops delivery.
type Subscription interface {
	Close() error
}

// PresenceChannel is a joined presence topic. Track announces local presence
// metadata; Untrack retracts it.
type PresenceChannel interface {
	Track(ctx context.Context, entry PresenceEntry) error
	Untrack(ctx context.Context) error
	Close() error
}

// RealtimeService is the push surface of the hosted data service. The
// websocket RealtimeClient is the production implementation; tests script a
// fake that feeds events synchronously.
type RealtimeService interface {
	// SubscribeChanges delivers insert/update events for rows of table
	// matching filter, in backend emission order, until Close.
	SubscribeChanges(ctx context.Context, table, filter string, fn func(ChangeEvent)) (Subscription, error)
	// JoinPresence joins a shared presence topic and delivers
	// sync/join/leave events until Close.
	JoinPresence(ctx context.Context, topic string, fn func(PresenceEvent)) (PresenceChannel, error)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the websocket client.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a websocket realtime client with auto-reconnect and
// heartbeat. Change and presence events are dispatched synchronously from
// the read loop so delivery order matches backend emission order; handler
// panics are contained so one bad callback cannot stall the stream.
type RealtimeClient struct {
	baseURL string
	token   string
	config  *RealtimeConfig
	log     *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc

	recon *reconnector

	pendingMu   sync.Mutex
	pendingAcks map[string]chan error

	subMu     sync.Mutex
	subs      map[string]*changeSub
	presences map[string]*presenceSub
}

// NewRealtimeClient creates a realtime client. Call Connect to establish the
// connection.
func NewRealtimeClient(baseURL, token string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		config:      &cfg,
		log:         cfg.Logger,
		state:       StateDisconnected,
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[string]chan error),
		subs:        make(map[string]*changeSub),
		presences:   make(map[string]*presenceSub),
	}
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connect establishes the websocket connection and waits for the server's
// connected frame.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?token=" + rc.token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rc.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the connected acknowledgement.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("read connected frame: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "connected" {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("expected 'connected', got %q", env.Type)
	}

	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.mu.Unlock()
	rc.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.cancelFn = cancel
	rc.mu.Unlock()

	go rc.readLoop(connCtx)
	go rc.heartbeatLoop(connCtx)

	rc.rejoinTopics(ctx)
	return nil
}

// Disconnect gracefully closes the connection. Registered subscriptions are
// kept and re-established on the next Connect.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.failPendingAcks(fmt.Errorf("disconnected"))

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Subscriptions ────────────────────────────────────────────────────────

type changeSub struct {
	rc     *RealtimeClient
	topic  string
	table  string
	filter string
	fn     func(ChangeEvent)

	mu     sync.Mutex
	closed bool
}

func (s *changeSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.rc.subMu.Lock()
	delete(s.rc.subs, s.topic)
	s.rc.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.rc.config.AckTimeout)
	defer cancel()
	return s.rc.sendCommand(ctx, &command{Type: "unsubscribe", Topic: s.topic})
}

// SubscribeChanges registers a change feed for rows of table matching
// filter. The topic doubles as the dedupe key: subscribing twice to the same
// table+filter returns the existing registration.
func (rc *RealtimeClient) SubscribeChanges(ctx context.Context, table, filter string, fn func(ChangeEvent)) (Subscription, error) {
	topic := table + ":" + filter

	rc.subMu.Lock()
	if existing, ok := rc.subs[topic]; ok {
		rc.subMu.Unlock()
		return existing, nil
	}
	sub := &changeSub{rc: rc, topic: topic, table: table, filter: filter, fn: fn}
	rc.subs[topic] = sub
	rc.subMu.Unlock()

	if err := rc.sendWithAck(ctx, &command{
		Type:  "subscribe",
		Topic: topic,
		Payload: map[string]string{
			"table":  table,
			"filter": filter,
		},
	}); err != nil {
		rc.subMu.Lock()
		delete(rc.subs, topic)
		rc.subMu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

type presenceSub struct {
	rc    *RealtimeClient
	topic string
	fn    func(PresenceEvent)

	mu      sync.Mutex
	closed  bool
	tracked *PresenceEntry
}

func (p *presenceSub) Track(ctx context.Context, entry PresenceEntry) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("presence channel closed")
	}
	p.tracked = &entry
	p.mu.Unlock()
	return p.rc.sendWithAck(ctx, &command{Type: "presence.track", Topic: p.topic, Payload: entry})
}

func (p *presenceSub) Untrack(ctx context.Context) error {
	p.mu.Lock()
	p.tracked = nil
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}
	return p.rc.sendWithAck(ctx, &command{Type: "presence.untrack", Topic: p.topic})
}

func (p *presenceSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.rc.subMu.Lock()
	delete(p.rc.presences, p.topic)
	p.rc.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.rc.config.AckTimeout)
	defer cancel()
	return p.rc.sendCommand(ctx, &command{Type: "presence.leave", Topic: p.topic})
}

// JoinPresence joins a shared presence topic. Joining an already-joined
// topic returns the existing channel.
func (rc *RealtimeClient) JoinPresence(ctx context.Context, topic string, fn func(PresenceEvent)) (PresenceChannel, error) {
	rc.subMu.Lock()
	if existing, ok := rc.presences[topic]; ok {
		rc.subMu.Unlock()
		return existing, nil
	}
	p := &presenceSub{rc: rc, topic: topic, fn: fn}
	rc.presences[topic] = p
	rc.subMu.Unlock()

	if err := rc.sendWithAck(ctx, &command{Type: "presence.join", Topic: topic}); err != nil {
		rc.subMu.Lock()
		delete(rc.presences, topic)
		rc.subMu.Unlock()
		return nil, fmt.Errorf("join presence %s: %w", topic, err)
	}
	return p, nil
}

// ── Wire plumbing ────────────────────────────────────────────────────────

func (rc *RealtimeClient) sendCommand(ctx context.Context, cmd *command) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// sendWithAck sends a command carrying a ref and waits for the server's ack
// frame for that ref.
func (rc *RealtimeClient) sendWithAck(ctx context.Context, cmd *command) error {
	cmd.Ref = uuid.NewString()

	ch := make(chan error, 1)
	rc.pendingMu.Lock()
	rc.pendingAcks[cmd.Ref] = ch
	rc.pendingMu.Unlock()

	clear := func() {
		rc.pendingMu.Lock()
		delete(rc.pendingAcks, cmd.Ref)
		rc.pendingMu.Unlock()
	}

	if err := rc.sendCommand(ctx, cmd); err != nil {
		clear()
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-time.After(rc.config.AckTimeout):
		clear()
		return fmt.Errorf("ack timeout for %s", cmd.Type)
	case <-ctx.Done():
		clear()
		return ctx.Err()
	}
}

func (rc *RealtimeClient) failPendingAcks(err error) {
	rc.pendingMu.Lock()
	for ref, ch := range rc.pendingAcks {
		ch <- err
		delete(rc.pendingAcks, ref)
	}
	rc.pendingMu.Unlock()
}

func (rc *RealtimeClient) setState(s RealtimeState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeClient) readLoop(ctx context.Context) {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.mu.Lock()
			rc.state = StateDisconnected
			rc.conn = nil
			rc.mu.Unlock()
			rc.failPendingAcks(fmt.Errorf("connection lost: %w", err))

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				go rc.scheduleReconnect()
			}
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.dispatch(env)
	}
}

func (rc *RealtimeClient) dispatch(env envelope) {
	switch env.Type {
	case "ack", "nack":
		rc.pendingMu.Lock()
		ch, ok := rc.pendingAcks[env.Ref]
		if ok {
			delete(rc.pendingAcks, env.Ref)
		}
		rc.pendingMu.Unlock()
		if ok {
			if env.Type == "nack" {
				var p struct {
					Message string `json:"message"`
				}
				json.Unmarshal(env.Payload, &p)
				ch <- fmt.Errorf("server rejected request: %s", p.Message)
			} else {
				ch <- nil
			}
		}

	case "change":
		rc.subMu.Lock()
		sub := rc.subs[env.Topic]
		rc.subMu.Unlock()
		if sub == nil {
			return
		}
		var ev ChangeEvent
		if json.Unmarshal(env.Payload, &ev) != nil {
			return
		}
		rc.deliver(func() { sub.fn(ev) })

	case "presence":
		rc.subMu.Lock()
		p := rc.presences[env.Topic]
		rc.subMu.Unlock()
		if p == nil {
			return
		}
		var ev PresenceEvent
		if json.Unmarshal(env.Payload, &ev) != nil {
			return
		}
		rc.deliver(func() { p.fn(ev) })

	case "error":
		var p struct {
			Message string `json:"message"`
		}
		json.Unmarshal(env.Payload, &p)
		rc.log.Warn("realtime server error", "message", p.Message, "topic", env.Topic)
	}
}

// deliver invokes a handler synchronously, containing panics so one failing
// callback does not stop subsequent events from being processed.
func (rc *RealtimeClient) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rc.log.Error("realtime handler panicked", "panic", r)
		}
	}()
	fn()
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.mu.Lock()
			conn := rc.conn
			s := rc.state
			rc.mu.Unlock()
			if s != StateConnected || conn == nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, rc.config.AckTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	delay := rc.recon.nextDelay()
	rc.setState(StateReconnecting)
	rc.log.Info("realtime reconnecting", "attempt", rc.recon.attempt, "delay", delay)

	time.Sleep(delay)

	ctx, cancel := context.WithTimeout(context.Background(), rc.config.AckTimeout)
	err := rc.Connect(ctx)
	cancel()
	if err != nil {
		if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
			rc.scheduleReconnect()
		} else {
			rc.setState(StateDisconnected)
		}
	}
}

// rejoinTopics re-registers every live subscription after a reconnect.
func (rc *RealtimeClient) rejoinTopics(ctx context.Context) {
	rc.subMu.Lock()
	subs := make([]*changeSub, 0, len(rc.subs))
	for _, s := range rc.subs {
		subs = append(subs, s)
	}
	presences := make([]*presenceSub, 0, len(rc.presences))
	for _, p := range rc.presences {
		presences = append(presences, p)
	}
	rc.subMu.Unlock()

	for _, s := range subs {
		err := rc.sendWithAck(ctx, &command{
			Type:  "subscribe",
			Topic: s.topic,
			Payload: map[string]string{
				"table":  s.table,
				"filter": s.filter,
			},
		})
		if err != nil {
			rc.log.Warn("resubscribe failed", "topic", s.topic, "error", err)
		}
	}
	for _, p := range presences {
		if err := rc.sendWithAck(ctx, &command{Type: "presence.join", Topic: p.topic}); err != nil {
			rc.log.Warn("presence rejoin failed", "topic", p.topic, "error", err)
			continue
		}
		p.mu.Lock()
		tracked := p.tracked
		p.mu.Unlock()
		if tracked != nil {
			if err := rc.sendWithAck(ctx, &command{Type: "presence.track", Topic: p.topic, Payload: *tracked}); err != nil {
				rc.log.Warn("presence retrack failed", "topic", p.topic, "error", err)
			}
		}
	}
}
