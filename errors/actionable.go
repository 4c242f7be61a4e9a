package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// ActionableError signals a condition the caller must fix out-of-band before
// retrying: a missing connection, missing credentials, an unknown connector.
// The scheduler never retries these; the agent-facing surface relays Message
// to the user as-is.
type ActionableError struct {
	// Message is the human-readable instruction ("connect Plaid first").
	Message string
	cause   error
}

// NewActionable creates an ActionableError with a user-facing message.
func NewActionable(message string) *ActionableError {
	return &ActionableError{Message: message}
}

// NewActionablef creates an ActionableError with a formatted message.
func NewActionablef(format string, args ...interface{}) *ActionableError {
	return &ActionableError{Message: Newf(format, args...).Error()}
}

// WrapActionable attaches a user-facing message to an underlying error.
func WrapActionable(err error, message string) *ActionableError {
	return &ActionableError{Message: message, cause: err}
}

func (e *ActionableError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *ActionableError) Unwrap() error { return e.cause }

// IsActionable reports whether err is or wraps an ActionableError.
func IsActionable(err error) bool {
	if err == nil {
		return false
	}
	var ae *ActionableError
	return crdb.As(err, &ae)
}

// ActionableMessage extracts the user-facing message from err, or returns
// the empty string when err carries none.
func ActionableMessage(err error) string {
	var ae *ActionableError
	if crdb.As(err, &ae) {
		return ae.Message
	}
	return ""
}
