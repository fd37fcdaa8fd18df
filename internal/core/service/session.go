package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// SessionConfig configures a SessionStore.
type SessionConfig struct {
	// Secret is the HMAC key used to sign tokens.
	Secret []byte

	// TTL is the session lifetime (default: 24h, minimum: 1s).
	TTL time.Duration

	// Issuer is written to and required in every token.
	Issuer string

	// SweepInterval is the cadence of the revocation-set sweep (default: 5m).
	SweepInterval time.Duration
}

// Claims are the JWT claims of a session token.
type Claims struct {
	jwt.RegisteredClaims
	UserID   domain.UserID `json:"uid"`
	Username string        `json:"usr"`
}

// SessionStore issues and verifies signed session tokens. Verification is
// stateless apart from a lookup in the revocation set, which holds the
// token IDs of revoked, not yet expired sessions.
type SessionStore struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	interval time.Duration
	parser   *jwt.Parser
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	revoked map[string]time.Time // jti -> expires_at
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(cfg SessionConfig, now func() time.Time, logger *slog.Logger) (*SessionStore, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("session secret must be at least 16 bytes")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("session ttl must be at least 1s")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "chatmesh"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionStore{
		secret:   cfg.Secret,
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		interval: cfg.SweepInterval,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(now),
		),
		now:     now,
		logger:  logger,
		revoked: make(map[string]time.Time),
	}, nil
}

// Issue creates a signed session for identity.
func (s *SessionStore) Issue(identity domain.Identity) (*domain.Session, error) {
	// NumericDate has second precision; keep the session times identical
	// to what the token carries.
	issued := s.now().Truncate(time.Second)
	expires := issued.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        domain.NewID(domain.SessionIDPrefix),
			Subject:   strconv.FormatUint(uint64(identity.UserID), 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		UserID:   identity.UserID,
		Username: identity.Username,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, domain.ErrInternal.WithCause(err)
	}

	return &domain.Session{
		Token:     signed,
		ID:        claims.ID,
		UserID:    identity.UserID,
		Username:  identity.Username,
		IssuedAt:  issued,
		ExpiresAt: expires,
	}, nil
}

func (s *SessionStore) keyFunc(*jwt.Token) (any, error) {
	return s.secret, nil
}

// Verify checks the token signature and expiry, then the revocation set.
func (s *SessionStore) Verify(token string) (*domain.Session, error) {
	claims := &Claims{}
	if _, err := s.parser.ParseWithClaims(token, claims, s.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, domain.ErrTokenMalformed.WithCause(err)
	}
	if claims.ID == "" || claims.UserID == 0 || claims.IssuedAt == nil {
		return nil, domain.ErrTokenMalformed.WithDetails("missing claims")
	}

	s.mu.RLock()
	_, revoked := s.revoked[claims.ID]
	s.mu.RUnlock()
	if revoked {
		return nil, domain.ErrTokenRevoked
	}

	return &domain.Session{
		Token:     token,
		ID:        claims.ID,
		UserID:    claims.UserID,
		Username:  claims.Username,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke marks the session of token revoked. Revoking twice or revoking an
// expired token is a no-op.
func (s *SessionStore) Revoke(token string) error {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, claims, s.keyFunc); err != nil {
		return domain.ErrTokenMalformed.WithCause(err)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return domain.ErrTokenMalformed.WithDetails("missing claims")
	}

	expires := claims.ExpiresAt.Time
	if !s.now().Before(expires) {
		return nil
	}

	s.mu.Lock()
	s.revoked[claims.ID] = expires
	s.mu.Unlock()
	return nil
}

// Sweep drops revocation entries whose session has expired anyway and
// returns how many were removed.
func (s *SessionStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, exp := range s.revoked {
		if !now.Before(exp) {
			delete(s.revoked, id)
			removed++
		}
	}
	return removed
}

// RevokedCount returns the size of the revocation set.
func (s *SessionStore) RevokedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revoked)
}

// Run sweeps the revocation set until ctx is done.
func (s *SessionStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("session revocation sweep", "removed", n)
			}
		}
	}
}
