// Package session tracks whether a caller of the remote variant is signed in.
// A session starts loading, then settles on authenticated or unauthenticated.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fotocall/pkg/domain"
	"fotocall/pkg/store"
)

// State is the lifecycle position of a session.
type State string

const (
	StateLoading         State = "loading"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
)

var (
	ErrLoading         = errors.New("session is still loading")
	ErrUnauthenticated = errors.New("not signed in")
)

// Manager restores and starts sessions against a token issuer and the account store.
type Manager struct {
	tokens store.SessionStore
	users  store.UserStore
	now    func() time.Time
}

// NewManager wires the session component.
func NewManager(tokens store.SessionStore, users store.UserStore) *Manager {
	return &Manager{
		tokens: tokens,
		users:  users,
		now:    time.Now,
	}
}

// Session is one caller's authentication state. It is safe for concurrent use.
type Session struct {
	m *Manager

	mu        sync.Mutex
	state     State
	token     string
	user      domain.User
	expiresAt time.Time
}

// Begin returns a session in the loading state for token. Call Resolve to settle it.
func (m *Manager) Begin(token string) *Session {
	return &Session{m: m, state: StateLoading, token: token}
}

// Restore begins and resolves a session in one step. The returned session is never nil;
// an error means the state could not be determined and the session is unauthenticated.
func (m *Manager) Restore(ctx context.Context, token string) (*Session, error) {
	s := m.Begin(token)
	return s, s.Resolve(ctx)
}

// Start issues a new token for user and returns an authenticated session.
func (m *Manager) Start(ctx context.Context, user domain.User) (*Session, string, error) {
	token, err := m.tokens.NewSession(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("issue session: %w", err)
	}
	info, err := m.tokens.ParseSession(ctx, token)
	if err != nil {
		return nil, "", fmt.Errorf("issue session: %w", err)
	}
	return &Session{
		m:         m,
		state:     StateAuthenticated,
		token:     token,
		user:      user,
		expiresAt: info.ExpiresAt,
	}, token, nil
}

// Resolve validates the token and looks up its user. Invalid, expired, revoked, or
// orphaned tokens settle the session as unauthenticated without an error; only
// infrastructure failures are returned.
func (s *Session) Resolve(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	user, expiresAt, err := s.m.lookup(ctx, token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || user.ID == "" {
		s.state = StateUnauthenticated
		s.user = domain.User{}
		return err
	}
	s.state = StateAuthenticated
	s.user = user
	s.expiresAt = expiresAt
	return nil
}

func (m *Manager) lookup(ctx context.Context, token string) (domain.User, time.Time, error) {
	if token == "" {
		return domain.User{}, time.Time{}, nil
	}
	info, err := m.tokens.ParseSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrInvalidToken) || errors.Is(err, store.ErrTokenRevoked) {
			return domain.User{}, time.Time{}, nil
		}
		return domain.User{}, time.Time{}, fmt.Errorf("validate session: %w", err)
	}
	user, ok, err := m.users.GetUserByID(ctx, info.UserID)
	if err != nil {
		return domain.User{}, time.Time{}, fmt.Errorf("load session user: %w", err)
	}
	if !ok {
		return domain.User{}, time.Time{}, nil
	}
	return user, info.ExpiresAt, nil
}

// State reports the current state, expiring the session first if its token has lapsed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.state
}

// Identity returns the signed-in user.
func (s *Session) Identity() (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	switch s.state {
	case StateLoading:
		return domain.User{}, ErrLoading
	case StateAuthenticated:
		return s.user, nil
	default:
		return domain.User{}, ErrUnauthenticated
	}
}

// ExpiresAt is the token expiry of an authenticated session.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// SignOut revokes the token and leaves the session unauthenticated.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.state = StateUnauthenticated
	s.user = domain.User{}
	s.token = ""
	s.mu.Unlock()
	if token == "" {
		return nil
	}
	if err := s.m.tokens.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *Session) expireLocked() {
	if s.state == StateAuthenticated && !s.expiresAt.IsZero() && !s.m.now().Before(s.expiresAt) {
		s.state = StateUnauthenticated
		s.user = domain.User{}
	}
}
