package chattr

import (
	"context"
	"log/slog"
)

// Session is the explicit handle tying the authenticated user identity to
// the backend and realtime clients. There are no ambient singletons: every
// component (Directory, MessageStore, PresenceTracker) receives the session
// in its constructor. The user identity is opaque and read-only for the
// session lifetime.
type Session struct {
	User User

	backend  Backend
	realtime RealtimeService
	log      *slog.Logger

	presence *PresenceTracker
}

// NewSession creates a session for the authenticated user. logger may be
// nil, in which case slog.Default is used.
func NewSession(user User, backend Backend, realtime RealtimeService, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		User:     user,
		backend:  backend,
		realtime: realtime,
		log:      logger,
	}
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.log }

// Presence returns the session's presence tracker, started by Init.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// Init runs the sign-in lifecycle hook: it starts the presence tracker,
// which announces this session as online.
func (s *Session) Init(ctx context.Context) error {
	if s.presence == nil {
		s.presence = NewPresenceTracker(s)
	}
	return s.presence.Start(ctx)
}

// Teardown runs the sign-out lifecycle hook: presence is retracted first so
// peers are not left seeing a stale online status. Cleanup failures are
// logged by the tracker and never block the teardown from completing.
func (s *Session) Teardown(ctx context.Context) {
	if s.presence != nil {
		if err := s.presence.Teardown(ctx); err != nil {
			s.log.Warn("session teardown: presence cleanup incomplete", "error", err)
		}
	}
}
