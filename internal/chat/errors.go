package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation = errors.New("invalid message")
	ErrTooLong    = fmt.Errorf("%w: text too long", ErrValidation)
	ErrEmpty      = fmt.Errorf("%w: text is required", ErrValidation)
	ErrAuth       = errors.New("authentication required")
	ErrCooldown   = errors.New("send cooldown active")
)

// CooldownError reports a send rejected by the per-author cooldown.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrCooldown, e.Remaining.Round(time.Millisecond))
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldown
}
