package relay

import (
	"context"

	"github.com/t77yq/relaypool/internal/model"
)

// Client wraps a single live connection to the relay provider under one
// account identity. Forward may change the connection's live state (the
// provider can drop an account mid-call); callers observe that through
// IsConnected immediately after the call.
type Client interface {
	// Connect establishes the connection. Returns ErrNotAuthorized when the
	// account's credentials are invalid or revoked.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection.
	Disconnect() error

	// IsConnected reports whether the underlying connection is live.
	IsConnected() bool

	// Forward performs one unit of relay work through this account.
	// Returns *RateLimitError when the provider imposes a cooldown,
	// ErrNotAuthorized when the account lost authorization, or an
	// ordinary error for transient failures.
	Forward(ctx context.Context, item *model.WorkItem) error
}
