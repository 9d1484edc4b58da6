package services

import "errors"

var (
	// ErrTimeout is wrapped by every ServiceError with code ErrCodeTimeout.
	ErrTimeout = errors.New("timed out")
	// ErrNoSuchAlias is returned by strict alias lookups.
	ErrNoSuchAlias = errors.New("no such alias")
)

// ServiceError represents structured errors of the step helpers
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"cause,omitempty"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeNotConnected = "NOT_CONNECTED"
)

// IsTimeout reports whether err is (or wraps) a timed out wait.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
