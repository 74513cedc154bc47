package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/testutil"
)

type fakePool struct {
	mu       sync.Mutex
	summary  model.HealthSummary
	statuses []model.AccountStatus
}

func (p *fakePool) HealthSummary() model.HealthSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

func (p *fakePool) ListStatuses() []model.AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.AccountStatus(nil), p.statuses...)
}

func (p *fakePool) setHealth(pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.HealthPct = pct
}

func TestMetricsCollector(t *testing.T) {
	nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	pool := &fakePool{
		summary: model.HealthSummary{
			TotalAccounts:     3,
			ActiveAccounts:    3,
			ConnectedAccounts: 2,
			HealthPct:         66.7,
		},
		statuses: []model.AccountStatus{
			{ID: "a1", IsActive: true, IsConnected: true},
			{ID: "a2", IsActive: true, IsConnected: true},
			{ID: "a3", IsActive: true, IsConnected: false},
		},
	}

	collector := NewMetricsCollector(js, pool, nil, 200*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, collector.Start(ctx))
	defer collector.Stop()

	// Each collection samples CPU for a second before publishing.
	msgs, err := testutil.ConsumeMessages(nc, "metrics.pool", 4*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)

	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(msgs[0], &snapshot))

	assert.NotZero(t, snapshot.Timestamp)
	assert.GreaterOrEqual(t, snapshot.CPUUsage, 0.0)
	assert.Greater(t, snapshot.MemoryUsage, 0.0)
	assert.Equal(t, 3, snapshot.Pool.TotalAccounts)
	assert.InDelta(t, 66.7, snapshot.Pool.HealthPct, 0.01)
	assert.Len(t, snapshot.Accounts, 3)

	last := collector.LastSnapshot()
	require.NotNil(t, last)
	assert.Equal(t, 3, last.Pool.TotalAccounts)
}
