package session

import "time"

// Key identifies the chat side of a session: one user in one channel.
type Key struct {
	UserID    int64
	ChannelID int64
}

// Session is the authenticated binding between a chat identity and a
// remote-service account. The token is opaque; the remote service stays
// authoritative on its validity, so ExpiresAt is advisory only.
type Session struct {
	Key Key

	Token        string
	RefreshToken string

	RemoteUsername string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the advisory expiry has passed. Eviction still
// happens lazily when the remote rejects the token.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
