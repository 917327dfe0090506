package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/agrihub/store"
)

// DefaultSessionTTL is how long a login session stays valid.
const DefaultSessionTTL = 720 * time.Hour

// ErrInvalidSession is returned when a token is unknown, expired, or its
// user no longer exists.
var ErrInvalidSession = errors.New("invalid session")

// Sessions mints and resolves bearer-token login sessions backed by the
// platform store. Tokens are random; revocation is a store delete.
type Sessions struct {
	store  *store.Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// SessionsOption configures a Sessions manager.
type SessionsOption func(*Sessions)

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionsOption {
	return func(s *Sessions) {
		s.logger = logger
	}
}

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(ttl time.Duration) SessionsOption {
	return func(s *Sessions) {
		s.ttl = ttl
	}
}

// WithSessionNow sets the time source, for tests.
func WithSessionNow(now func() time.Time) SessionsOption {
	return func(s *Sessions) {
		s.now = now
	}
}

// NewSessions creates a session manager over the store.
func NewSessions(st *store.Store, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		store:  st,
		logger: slog.Default(),
		ttl:    DefaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create mints a new session for the user and persists it.
func (s *Sessions) Create(ctx context.Context, userID string) (*store.Session, error) {
	now := s.now().UTC()
	sess := &store.Session{
		Token:     uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return sess, nil
}

// Resolve returns the user behind a session token. Expired sessions are
// deleted on sight and reported as invalid.
func (s *Sessions) Resolve(ctx context.Context, token string) (*store.User, error) {
	sess, err := s.store.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if !sess.ExpiresAt.After(s.now()) {
		if err := s.store.DeleteSession(ctx, token); err != nil {
			s.logger.Debug("deleting expired session failed", "error", err)
		}
		return nil, ErrInvalidSession
	}

	user, err := s.store.GetUser(ctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading session user: %w", err)
	}
	return user, nil
}

// Destroy removes a session. Unknown tokens are a no-op.
func (s *Sessions) Destroy(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}
