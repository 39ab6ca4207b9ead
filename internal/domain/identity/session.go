// internal/domain/identity/session.go

package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSessionEnded is returned by operations that require a live session
var ErrSessionEnded = errors.New("session ended")

// Session is the authenticated context handed to components at
// construction. It ends on explicit logout or when the token expires.
type Session struct {
	userID    string
	token     string
	expiresAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewSession builds a session from a bearer token. JWT claims are read
// without verification (the backend verifies signatures) to learn the
// subject and expiry. Opaque tokens are accepted with the fallback user id
// and no expiry.
func NewSession(parent context.Context, token, fallbackUserID string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty session token")
	}

	s := &Session{userID: fallbackUserID, token: token}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil {
		if claims.Subject != "" {
			s.userID = claims.Subject
		}
		if claims.ExpiresAt != nil {
			s.expiresAt = claims.ExpiresAt.Time
		}
	}

	if !s.expiresAt.IsZero() {
		if !s.expiresAt.After(time.Now()) {
			return nil, ErrSessionEnded
		}
		s.ctx, s.cancel = context.WithDeadline(parent, s.expiresAt)
	} else {
		s.ctx, s.cancel = context.WithCancel(parent)
	}

	return s, nil
}

// UserID returns the authenticated user's id
func (s *Session) UserID() string { return s.userID }

// Token returns the bearer token
func (s *Session) Token() string { return s.token }

// ExpiresAt returns the token expiry; zero if the token carries none
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns a context cancelled when the session ends
func (s *Session) Context() context.Context { return s.ctx }

// Active reports whether the session is still usable
func (s *Session) Active() bool { return s.ctx.Err() == nil }

// End logs the session out
func (s *Session) End() {
	s.once.Do(s.cancel)
}
