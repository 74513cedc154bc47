package relay

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAuthorized is returned when the account's credentials are invalid or revoked
	ErrNotAuthorized = errors.New("account not authorized")

	// ErrNotConnected is returned when an operation requires a live connection
	ErrNotConnected = errors.New("client not connected")
)

// RateLimitError is returned when the provider imposes a temporary ban on
// the account. Cooldown is how long the account must stay out of rotation.
type RateLimitError struct {
	Cooldown time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Cooldown)
}
