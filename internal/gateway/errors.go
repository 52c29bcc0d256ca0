package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited means the model endpoint returned 429; the limiter has
	// recorded the backoff and the call may be retried later.
	ErrRateLimited = errors.New("model rate limited")
	// ErrModelUnavailable means the request cannot succeed as issued (bad
	// model name, auth failure, malformed request). Not retryable.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrTransient covers network failures and 5xx responses. Retryable.
	ErrTransient = errors.New("transient model error")
)

type apiError struct {
	kind    error
	status  int
	message string
}

func (e *apiError) Error() string {
	if e.status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.kind, e.status, e.message)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *apiError) Unwrap() error { return e.kind }

func classifyStatus(status int, message string) error {
	switch {
	case status == 429:
		return &apiError{kind: ErrRateLimited, status: status, message: message}
	case status >= 500:
		return &apiError{kind: ErrTransient, status: status, message: message}
	default:
		return &apiError{kind: ErrModelUnavailable, status: status, message: message}
	}
}
