package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// AuthService registers users, authenticates logins and resumes sessions.
// Every entry point passes the Limiter first.
type AuthService struct {
	users    UserRepository
	audit    AuditRepository
	sessions *SessionStore
	limiter  *Limiter
	policy   domain.PasswordPolicy
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger

	// dummyHash is verified against when the username is unknown, so that
	// both failure paths cost one argon2 computation.
	dummyHash string
}

// AuthConfig configures an AuthService.
type AuthConfig struct {
	PasswordPolicy domain.PasswordPolicy
}

// NewAuthService creates an AuthService. audit may be nil.
func NewAuthService(users UserRepository, audit AuditRepository, sessions *SessionStore, limiter *Limiter, cfg AuthConfig, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	dummy, err := HashPassword("chatmesh-timing-equalizer")
	if err != nil {
		logger.Warn("failed to create dummy password hash", "error", err)
	}
	return &AuthService{
		users:     users,
		audit:     audit,
		sessions:  sessions,
		limiter:   limiter,
		policy:    cfg.PasswordPolicy,
		validate:  validator.New(),
		now:       time.Now,
		logger:    logger,
		dummyHash: dummy,
	}
}

// Sessions returns the session store backing the service.
func (s *AuthService) Sessions() *SessionStore {
	return s.sessions
}

// RegisterRequest contains parameters for registering a user.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
	IP       string
}

// Register creates a user. Input is validated before anything is written.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*domain.User, error) {
	// 1. Throttle per IP
	if err := s.limiter.Admit(req.IP, ActionRegistration, IPKey(req.IP)).Err(); err != nil {
		return nil, err
	}

	// 2. Validate input
	if err := domain.ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := s.validate.Var(req.Email, "required,email,max=254"); err != nil {
		return nil, domain.ErrInvalidEmail
	}
	if err := s.policy.Check(req.Password); err != nil {
		return nil, err
	}

	// 3. Hash and persist
	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, domain.ErrInternal.WithCause(err)
	}
	user := &domain.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrDuplicateUsername) || errors.Is(err, domain.ErrDuplicateEmail) {
			return nil, err
		}
		return nil, domain.ErrStorage.WithCause(err)
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username, "ip", req.IP)
	return user, nil
}

// Authenticate verifies username and password and returns the identity.
// It never reveals whether the username exists.
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (domain.Identity, error) {
	user, err := s.users.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			VerifyPassword(password, s.dummyHash)
			return domain.Identity{}, domain.ErrInvalidCredentials
		}
		return domain.Identity{}, domain.ErrStorage.WithCause(err)
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return domain.Identity{}, domain.ErrInvalidCredentials
	}
	return user.Identity(), nil
}

// LoginRequest contains parameters for a password login.
type LoginRequest struct {
	Username string
	Password string
	IP       string
}

// Login authenticates and issues a session. Failed attempts count towards
// an IP ban; a successful one clears the IP's failure counter.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*domain.Session, error) {
	// 1. Admission: ban state, then per-IP and per-username windows
	if err := s.limiter.Admit(req.IP, ActionLogin, IPKey(req.IP), UsernameKey(req.Username)).Err(); err != nil {
		return nil, err
	}

	// 2. Verify credentials
	identity, err := s.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			s.recordAudit(ctx, 0, domain.ConnActionLoginFailed, req.IP)
			if s.limiter.RecordLoginFailure(req.IP) {
				s.recordAudit(ctx, 0, domain.ConnActionBanned, req.IP)
			}
			s.logger.Info("login failed", "username", req.Username, "ip", req.IP)
		}
		return nil, err
	}

	// 3. Issue session
	s.limiter.ResetLoginFailures(req.IP)
	sess, err := s.sessions.Issue(identity)
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, identity.UserID, domain.ConnActionLogin, req.IP)
	return sess, nil
}

// TokenLogin resumes a previously issued session on a new connection.
func (s *AuthService) TokenLogin(ctx context.Context, token, ip string) (*domain.Session, error) {
	if err := s.limiter.CheckBan(ip); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Verify(token)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.GetUser(ctx, sess.UserID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, domain.ErrStorage.WithCause(err)
	}
	s.recordAudit(ctx, sess.UserID, domain.ConnActionLogin, ip)
	return sess, nil
}

// Logout revokes the session token.
func (s *AuthService) Logout(ctx context.Context, token string, userID domain.UserID, ip string) error {
	if err := s.sessions.Revoke(token); err != nil {
		return err
	}
	s.recordAudit(ctx, userID, domain.ConnActionLogout, ip)
	return nil
}

// RecordConnectionEvent writes an audit entry; failures are logged only.
func (s *AuthService) RecordConnectionEvent(ctx context.Context, userID domain.UserID, action domain.ConnectionAction, ip string) {
	s.recordAudit(ctx, userID, action, ip)
}

func (s *AuthService) recordAudit(ctx context.Context, userID domain.UserID, action domain.ConnectionAction, ip string) {
	if s.audit == nil {
		return
	}
	ev := &domain.ConnectionEvent{
		ID:     domain.NewID(""),
		UserID: userID,
		Action: action,
		IP:     ip,
		At:     s.now(),
	}
	if err := s.audit.LogConnectionEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to record connection event", "action", action, "ip", ip, "error", err)
	}
}
