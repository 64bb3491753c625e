package engine

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/a2alive/internal/session"
)

// Error codes carried in the payload of error frames.
const (
	CodeInvalidFrame     = "INVALID_FRAME"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionSuspended = "SESSION_SUSPENDED"
	CodeActionNotFound   = "ACTION_NOT_FOUND"
	CodeActionResolved   = "ACTION_RESOLVED"
	CodeThreadLimit      = "THREAD_LIMIT"
	CodeUnsupportedType  = "UNSUPPORTED_TYPE"
	CodeServerError      = "SERVER_ERROR"
)

// Error is a handling failure that maps to a specific error frame.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// classify maps err to an error code and message. Anything not recognized
// is a SERVER_ERROR carrying the error text.
func classify(err error) (code, message string) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code, ee.Message
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeSessionNotFound, "Unknown sessionId"
	case errors.Is(err, session.ErrActionNotFound):
		return CodeActionNotFound, err.Error()
	case errors.Is(err, session.ErrActionResolved):
		return CodeActionResolved, err.Error()
	case errors.Is(err, session.ErrThreadLimit):
		return CodeThreadLimit, err.Error()
	}
	var te *session.TransitionError
	if errors.As(err, &te) {
		return CodeServerError, te.Error()
	}
	return CodeServerError, err.Error()
}

// retryable reports whether an error with code depends on session state that
// can change, so the same message id may succeed later and must not be cached.
func retryable(code string) bool {
	switch code {
	case CodeSessionSuspended, CodeSessionNotFound, CodeThreadLimit, CodeServerError:
		return true
	}
	return false
}
