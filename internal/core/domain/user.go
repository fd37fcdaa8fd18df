package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// UserID is the stable numeric identifier of a registered user.
type UserID uint64

// Username constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 32
	MaxPasswordLength = 128
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Identity is the immutable (user_id, username) pair bound to sessions and
// connections once authenticated.
type Identity struct {
	UserID   UserID `json:"user_id"`
	Username string `json:"username"`
}

// User is a registered account as stored by the persistence layer.
type User struct {
	ID           UserID    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity returns the user's identity pair.
func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Username: u.Username}
}

// NormalizeName lowercases and trims a username, email or room name for
// uniqueness indexes.
func NormalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername checks length and character set.
func ValidateUsername(name string) error {
	if len(name) < MinUsernameLength || len(name) > MaxUsernameLength {
		return ErrInvalidUsername.WithDetails(
			fmt.Sprintf("must be %d-%d characters", MinUsernameLength, MaxUsernameLength))
	}
	if !usernamePattern.MatchString(name) {
		return ErrInvalidUsername.WithDetails("only letters, digits, '_', '.' and '-' are allowed")
	}
	return nil
}

// PasswordPolicy describes the strength rules applied at registration.
type PasswordPolicy struct {
	MinLength      int  `koanf:"min_length"`
	RequireDigit   bool `koanf:"require_digit"`
	RequireSpecial bool `koanf:"require_special"`
	RequireUpper   bool `koanf:"require_upper"`
	RequireLower   bool `koanf:"require_lower"`
}

// DefaultPasswordPolicy returns the default policy: at least 8 characters
// with one digit and one non-alphanumeric character.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:      8,
		RequireDigit:   true,
		RequireSpecial: true,
	}
}

// Check validates password against the policy, listing every violation.
func (p PasswordPolicy) Check(password string) error {
	var violations []string

	if len([]rune(password)) < p.MinLength {
		violations = append(violations, fmt.Sprintf("at least %d characters", p.MinLength))
	}
	if len(password) > MaxPasswordLength {
		violations = append(violations, fmt.Sprintf("at most %d bytes", MaxPasswordLength))
	}

	var digit, special, upper, lower bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case !unicode.IsLetter(r):
			special = true
		}
	}

	if p.RequireDigit && !digit {
		violations = append(violations, "a digit")
	}
	if p.RequireSpecial && !special {
		violations = append(violations, "a non-alphanumeric character")
	}
	if p.RequireUpper && !upper {
		violations = append(violations, "an uppercase letter")
	}
	if p.RequireLower && !lower {
		violations = append(violations, "a lowercase letter")
	}

	if len(violations) > 0 {
		return ErrWeakPassword.WithDetails("requires " + strings.Join(violations, ", "))
	}
	return nil
}
