package domain

import "time"

// Session is a signed, time-bounded proof of identity. Token is the signed
// form handed to the client; ID is the token's unique id (JWT jti) and the
// key of the revocation set.
type Session struct {
	Token     string    `json:"token"`
	ID        string    `json:"id"`
	UserID    UserID    `json:"user_id"`
	Username  string    `json:"username"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Identity returns the identity the session binds.
func (s *Session) Identity() Identity {
	return Identity{UserID: s.UserID, Username: s.Username}
}

// IsExpired reports whether the session has passed its expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
