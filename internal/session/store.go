package session

import (
	"context"
	"sync"
	"time"

	"stockbot/internal/gateway"
	logx "stockbot/pkg/logx"
)

// Authenticator is the slice of the gateway the store needs for login.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (gateway.Token, error)
}

// Store holds every live session in memory. Sessions do not survive a
// restart; users log in again. All methods are safe for concurrent use.
type Store struct {
	auth Authenticator
	log  logx.Logger

	mu       sync.RWMutex
	sessions map[Key]Session
}

func NewStore(auth Authenticator, log logx.Logger) *Store {
	return &Store{
		auth:     auth,
		log:      log,
		sessions: make(map[Key]Session),
	}
}

// Login authenticates against the remote service and stores the resulting
// session. A repeat login for the same key replaces the previous session
// atomically; the old token is simply forgotten.
func (s *Store) Login(ctx context.Context, key Key, username, password string) (Session, error) {
	tok, err := s.auth.Authenticate(ctx, username, password)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	sess := Session{
		Key:            key,
		Token:          tok.Access,
		RefreshToken:   tok.Refresh,
		RemoteUsername: username,
		IssuedAt:       now,
		ExpiresAt:      now.Add(tok.ExpiresIn),
	}

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	s.log.Info("session opened",
		logx.Int64("user", key.UserID),
		logx.Int64("channel", key.ChannelID),
		logx.String("account", username))
	return sess, nil
}

// Get returns the session for key, if any.
func (s *Store) Get(key Key) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Logout removes the session for key and reports whether one existed.
// Logging out without a session is a no-op, not an error.
func (s *Store) Logout(key Key) bool {
	s.mu.Lock()
	_, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if ok {
		s.log.Info("session closed",
			logx.Int64("user", key.UserID),
			logx.Int64("channel", key.ChannelID))
	}
	return ok
}

// Invalidate evicts a session whose token the remote has rejected. It only
// removes the session if the stored token still matches, so a re-login that
// raced the eviction is never clobbered.
func (s *Store) Invalidate(key Key, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok || sess.Token != token {
		return false
	}
	delete(s.sessions, key)
	s.log.Warn("session invalidated (token rejected)",
		logx.Int64("user", key.UserID),
		logx.Int64("channel", key.ChannelID))
	return true
}

// AllActive returns a snapshot of every live session. The slice is a copy;
// mutating it does not affect the store.
func (s *Store) AllActive() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
