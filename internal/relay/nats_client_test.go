package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/testutil"
)

func startProvider(t *testing.T, target string, reply forwardReply) *nats.Conn {
	t.Helper()

	nc, _, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	data, err := json.Marshal(reply)
	require.NoError(t, err)

	_, err = nc.Subscribe(forwardSubjectPrefix+target, func(msg *nats.Msg) {
		msg.Respond(data)
	})
	require.NoError(t, err)
	return nc
}

func connectedClient(t *testing.T, nc *nats.Conn) *NATSClient {
	t.Helper()

	client := NewNATSClient(nc.ConnectedUrl(), model.AccountConfig{
		ID: "acc-1", Username: "worker1", IsActive: true,
	}, zaptest.NewLogger(t))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func forwardItem(target string) *model.WorkItem {
	return &model.WorkItem{
		ID:        "w1",
		Message:   model.InboundMessage{ChatID: 1, MessageID: 2, Text: "محتاج مساعدة"},
		Target:    target,
		CreatedAt: time.Now(),
	}
}

func TestConnectDisconnect(t *testing.T) {
	nc, _, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	client := NewNATSClient(nc.ConnectedUrl(), model.AccountConfig{
		ID: "acc-1", Username: "worker1",
	}, zaptest.NewLogger(t))

	assert.False(t, client.IsConnected())
	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())

	// Connecting twice is a no-op.
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())
}

func TestForwardSuccess(t *testing.T) {
	nc := startProvider(t, "helpdesk", forwardReply{Status: "ok"})
	client := connectedClient(t, nc)

	assert.NoError(t, client.Forward(context.Background(), forwardItem("helpdesk")))
}

func TestForwardRateLimited(t *testing.T) {
	nc := startProvider(t, "helpdesk", forwardReply{Status: "rate_limited", RetryAfter: 120})
	client := connectedClient(t, nc)

	err := client.Forward(context.Background(), forwardItem("helpdesk"))
	var rateLimit *RateLimitError
	require.ErrorAs(t, err, &rateLimit)
	assert.Equal(t, 2*time.Minute, rateLimit.Cooldown)
}

func TestForwardRateLimitedDefaultCooldown(t *testing.T) {
	nc := startProvider(t, "helpdesk", forwardReply{Status: "rate_limited"})
	client := connectedClient(t, nc)

	err := client.Forward(context.Background(), forwardItem("helpdesk"))
	var rateLimit *RateLimitError
	require.ErrorAs(t, err, &rateLimit)
	assert.Equal(t, time.Minute, rateLimit.Cooldown)
}

func TestForwardUnauthorized(t *testing.T) {
	nc := startProvider(t, "helpdesk", forwardReply{Status: "unauthorized"})
	client := connectedClient(t, nc)

	err := client.Forward(context.Background(), forwardItem("helpdesk"))
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestForwardRejected(t *testing.T) {
	nc := startProvider(t, "helpdesk", forwardReply{Status: "error", Reason: "target unreachable"})
	client := connectedClient(t, nc)

	err := client.Forward(context.Background(), forwardItem("helpdesk"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target unreachable")
}

func TestForwardDuringReconnect(t *testing.T) {
	nc := startProvider(t, "helpdesk", forwardReply{Status: "ok"})
	client := connectedClient(t, nc)
	ctx := context.Background()

	// Forward continuously while another goroutine cycles the connection,
	// the way the pool's reconnect path does while reservations are in
	// flight. Forwards that land in a disconnected window fail cleanly.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			client.Forward(ctx, forwardItem("helpdesk"))
		}
	}()

	for i := 0; i < 25; i++ {
		client.Disconnect()
		require.NoError(t, client.Connect(ctx))
	}
	close(done)
	wg.Wait()

	assert.True(t, client.IsConnected())
	assert.NoError(t, client.Forward(ctx, forwardItem("helpdesk")))
}

func TestForwardWhileDisconnected(t *testing.T) {
	nc, _, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	client := NewNATSClient(nc.ConnectedUrl(), model.AccountConfig{
		ID: "acc-1", Username: "worker1",
	}, zaptest.NewLogger(t))

	err := client.Forward(context.Background(), forwardItem("helpdesk"))
	assert.ErrorIs(t, err, ErrNotConnected)
}
