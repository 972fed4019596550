package gchat

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// User-correctable; not retried automatically.
	ErrValidation = errors.New("invalid message")
	// No or invalid identity; requires re-authentication.
	ErrAuth = errors.New("not authenticated")
	// Local or server-side send cooldown; self-resolving.
	ErrThrottled = errors.New("sending too fast")
	// Transient transport failures; the entry stays retryable.
	ErrNetwork = errors.New("network error")
	ErrTimeout = errors.New("request timed out")
	// Username already registered.
	ErrConflict = errors.New("already exists")

	// Local invariant violations.
	ErrNotFound         = errors.New("entry not found")
	ErrDuplicateLocalID = errors.New("duplicate local id")

	ErrNotActive    = errors.New("session not active")
	ErrNotRetryable = errors.New("entry is not retryable")
)

// ThrottledError carries the time left on a cooldown.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s: wait %ds", ErrThrottled, e.Seconds())
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// Seconds returns the remaining cooldown rounded up to whole seconds, for countdowns.
func (e *ThrottledError) Seconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

// APIError is an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Kind       error // one of the sentinels above, or a *ThrottledError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gchat error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}
