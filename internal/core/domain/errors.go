package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a DomainError for clients and for the server loop, which
// decides from it whether the connection survives the failure.
type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindAuth        Kind = "AuthError"
	KindRateLimited Kind = "RateLimited"
	KindBanned      Kind = "BannedError"
	KindStorage     Kind = "StorageError"
	KindTransfer    Kind = "TransferError"
	KindProtocol    Kind = "ProtocolError"
	KindInternal    Kind = "InternalError"
)

// kindByGroup maps the middle segment of an error code to its Kind.
var kindByGroup = map[string]Kind{
	"VAL":   KindValidation,
	"ROOM":  KindValidation,
	"AUTH":  KindAuth,
	"RATE":  KindRateLimited,
	"BAN":   KindBanned,
	"STOR":  KindStorage,
	"XFER":  KindTransfer,
	"PROTO": KindProtocol,
	"SYS":   KindInternal,
}

// DomainError represents a business error with a structured error code.
// Codes have the form CM-<GROUP>-<NNNN>; the group determines the Kind.
type DomainError struct {
	Code       string        // Error code (e.g., "CM-AUTH-4010")
	Message    string        // Human-readable message
	Details    string        // Optional additional details
	RetryAfter time.Duration // Set on rate-limit and ban errors
	Cause      error         // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Kind returns the error category derived from the code group.
func (e *DomainError) Kind() Kind {
	parts := strings.SplitN(e.Code, "-", 3)
	if len(parts) == 3 {
		if k, ok := kindByGroup[parts[1]]; ok {
			return k
		}
	}
	return KindInternal
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

func (e *DomainError) clone() *DomainError {
	c := *e
	return &c
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	c := e.clone()
	c.Details = details
	return c
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithRetryAfter returns a copy of the error carrying a retry hint.
func (e *DomainError) WithRetryAfter(d time.Duration) *DomainError {
	c := e.clone()
	c.RetryAfter = d
	return c
}

// AsDomainError extracts a DomainError from err. Errors that are not domain
// errors are reported as ErrInternal wrapping the original.
func AsDomainError(err error) *DomainError {
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	return ErrInternal.WithCause(err)
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	return AsDomainError(err).Kind()
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return code == "" || de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Validation Errors (VAL)
// ============================================================================

var (
	ErrInvalidArgument = NewDomainError("CM-VAL-4000", "invalid argument")
	ErrMissingArgument = NewDomainError("CM-VAL-4001", "missing required argument")
	ErrInvalidUsername = NewDomainError("CM-VAL-4002", "invalid username")
	ErrInvalidEmail    = NewDomainError("CM-VAL-4003", "invalid email")
	ErrWeakPassword    = NewDomainError("CM-VAL-4004", "password does not meet policy")
	ErrEmptyMessage    = NewDomainError("CM-VAL-4005", "message content is empty")
	ErrMessageTooLong  = NewDomainError("CM-VAL-4006", "message content too long")
	ErrUnknownCommand  = NewDomainError("CM-VAL-4007", "unknown command")
	ErrFileTooLarge    = NewDomainError("CM-VAL-4130", "file too large")
	ErrDisallowedType  = NewDomainError("CM-VAL-4150", "file type not allowed")
	ErrUserNotFound    = NewDomainError("CM-VAL-4040", "user not found")

	ErrDuplicateUsername = NewDomainError("CM-VAL-4090", "username already taken")
	ErrDuplicateEmail    = NewDomainError("CM-VAL-4091", "email already registered")
)

// ============================================================================
// Room Errors (ROOM)
// ============================================================================

var (
	ErrRoomNotFound    = NewDomainError("CM-ROOM-4040", "room not found")
	ErrRoomNameTaken   = NewDomainError("CM-ROOM-4090", "room name already taken")
	ErrRoomFull        = NewDomainError("CM-ROOM-4091", "room is full")
	ErrInvalidRoomName = NewDomainError("CM-ROOM-4000", "invalid room name")
)

// ============================================================================
// Authentication Errors (AUTH)
// ============================================================================

var (
	ErrInvalidCredentials   = NewDomainError("CM-AUTH-4010", "invalid username or password")
	ErrNotAuthenticated     = NewDomainError("CM-AUTH-4011", "not authenticated")
	ErrAlreadyAuthenticated = NewDomainError("CM-AUTH-4012", "connection already authenticated")
	ErrTokenMalformed       = NewDomainError("CM-AUTH-4013", "malformed token")
	ErrTokenExpired         = NewDomainError("CM-AUTH-4014", "token expired")
	ErrTokenRevoked         = NewDomainError("CM-AUTH-4015", "token revoked")
	ErrWrongRoomPassword    = NewDomainError("CM-AUTH-4030", "wrong room password")
	ErrNotAMember           = NewDomainError("CM-AUTH-4031", "not a member of this room")
)

// ============================================================================
// Throttling Errors (RATE, BAN)
// ============================================================================

var (
	ErrRateLimited = NewDomainError("CM-RATE-4290", "rate limit exceeded")
	ErrBanned      = NewDomainError("CM-BAN-4030", "address temporarily banned")
)

// ============================================================================
// Transfer Errors (XFER)
// ============================================================================

var (
	ErrUnknownTransfer  = NewDomainError("CM-XFER-4040", "unknown transfer")
	ErrSequenceMismatch = NewDomainError("CM-XFER-4091", "chunk sequence mismatch")
	ErrSizeExceeded     = NewDomainError("CM-XFER-4130", "received bytes exceed declared size")
	ErrChunkTooLarge    = NewDomainError("CM-XFER-4131", "chunk too large")
	ErrSizeMismatch     = NewDomainError("CM-XFER-4092", "file size mismatch")
	ErrHashMismatch     = NewDomainError("CM-XFER-4093", "file digest mismatch")
	ErrIncomplete       = NewDomainError("CM-XFER-4094", "transfer incomplete")
	ErrTransferClosed   = NewDomainError("CM-XFER-4095", "transfer already finished")
	ErrTransferTimeout  = NewDomainError("CM-XFER-4080", "transfer timed out")
	ErrTransferCanceled = NewDomainError("CM-XFER-4990", "transfer canceled")
)

// ============================================================================
// Storage, Protocol and System Errors
// ============================================================================

var (
	ErrStorage       = NewDomainError("CM-STOR-5000", "storage error")
	ErrNotFound      = NewDomainError("CM-STOR-4040", "record not found")
	ErrProtocol      = NewDomainError("CM-PROTO-4000", "protocol violation")
	ErrFrameTooLarge = NewDomainError("CM-PROTO-4130", "frame too large")
	ErrInternal      = NewDomainError("CM-SYS-5000", "internal server error")
	ErrShuttingDown  = NewDomainError("CM-SYS-5030", "server shutting down")
)
