package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
)

const (
	forwardSubjectPrefix = "relay.forward."
	defaultRequestWait   = 10 * time.Second
)

// forwardReply is the provider's answer to a forward request.
type forwardReply struct {
	Status     string `json:"status"` // "ok", "rate_limited", "unauthorized", "error"
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// NATSClient is the NATS binding of Client: one dedicated connection per
// account identity, forwarding work items via request/reply to the relay
// provider subject. Safe for concurrent use: the pool may reconnect an
// account while another reservation's Forward is still in flight.
type NATSClient struct {
	logger      *zap.Logger
	url         string
	cfg         model.AccountConfig
	requestWait time.Duration

	mu   sync.Mutex
	conn *nats.Conn
}

// NewNATSClient creates a client for one account. The connection is not
// established until Connect is called.
func NewNATSClient(url string, cfg model.AccountConfig, logger *zap.Logger) *NATSClient {
	return &NATSClient{
		logger:      logger.Named("relay-client"),
		url:         url,
		cfg:         cfg,
		requestWait: defaultRequestWait,
	}
}

// Connect establishes the per-account connection.
func (c *NATSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("relay-%s", c.cfg.Username)),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if c.cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(c.cfg.CredsFile))
	} else if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return ErrNotAuthorized
		}
		return fmt.Errorf("failed to connect account %s: %w", c.cfg.Username, err)
	}

	c.conn = conn
	c.logger.Debug("Account connected",
		zap.String("account_id", c.cfg.ID),
		zap.String("username", c.cfg.Username))
	return nil
}

// Disconnect closes the per-account connection.
func (c *NATSClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// IsConnected reports whether the connection is live.
func (c *NATSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Forward sends one work item to the provider and interprets its reply.
// The connection is snapshotted once so a concurrent Disconnect cannot
// pull it out from under the request; a request racing a disconnect fails
// with a closed-connection error instead.
func (c *NATSClient) Forward(ctx context.Context, item *model.WorkItem) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}

	reqCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.requestWait)
		defer cancel()
	}

	msg, err := conn.RequestWithContext(reqCtx, forwardSubjectPrefix+item.Target, data)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return ErrNotAuthorized
		}
		return fmt.Errorf("forward request failed: %w", err)
	}

	var reply forwardReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("failed to unmarshal forward reply: %w", err)
	}

	switch reply.Status {
	case "ok":
		return nil
	case "rate_limited":
		cooldown := time.Duration(reply.RetryAfter) * time.Second
		if cooldown <= 0 {
			cooldown = time.Minute
		}
		return &RateLimitError{Cooldown: cooldown}
	case "unauthorized":
		return ErrNotAuthorized
	default:
		return fmt.Errorf("forward rejected: %s", reply.Reason)
	}
}
