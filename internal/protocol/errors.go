package protocol

import "errors"

// Wire error codes.
const (
	CodeInvalidRequest   = "invalid-request"
	CodeUnknownMethod    = "unknown-method"
	CodeUnauthorized     = "unauthorized"
	CodeUnauthorizedRole = "unauthorized-role"
	CodeMissingScope     = "missing-scope"
	CodeProtocolVersion  = "protocol-version"
	CodePayloadTooLarge  = "payload-too-large"
	CodeRateLimited      = "rate-limited"
	CodeTimeout          = "timeout"
	CodeContextOverflow  = "context-overflow"
	CodeNotFound         = "not-found"
	CodeConflict         = "conflict"
	CodeLockTimeout      = "lock-timeout"
	CodeCorruptStore     = "corrupt-store"
	CodeInternal         = "internal"
)

// Error is a wire-visible failure with a code from the set above.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewProtocolError is a convenience constructor.
func NewProtocolError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Core sentinels mapped onto wire codes by CodeOf.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrLockTimeout     = errors.New("lock timeout")
	ErrCorruptStore    = errors.New("corrupt store")
	ErrTimeout         = errors.New("timeout")
	ErrRateLimited     = errors.New("rate limited")
	ErrContextOverflow = errors.New("context overflow")
	ErrUnauthorized    = errors.New("unauthorized")
)

// CodeOf maps an internal error to its wire code. Unrecognized errors
// report as "internal"; stack detail stays in the logs.
func CodeOf(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrLockTimeout):
		return CodeLockTimeout
	case errors.Is(err, ErrCorruptStore):
		return CodeCorruptStore
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrContextOverflow):
		return CodeContextOverflow
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	}
	return CodeInternal
}
