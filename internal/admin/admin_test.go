package admin

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/relaypool/internal/analyzer"
	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/pool"
	"github.com/t77yq/relaypool/internal/relay"
	"github.com/t77yq/relaypool/internal/storage"
	"github.com/t77yq/relaypool/internal/testutil"
)

type stubClient struct {
	connected atomic.Bool
}

func (c *stubClient) Connect(ctx context.Context) error {
	c.connected.Store(true)
	return nil
}

func (c *stubClient) Disconnect() error {
	c.connected.Store(false)
	return nil
}

func (c *stubClient) IsConnected() bool { return c.connected.Load() }

func (c *stubClient) Forward(ctx context.Context, item *model.WorkItem) error { return nil }

type stubIngest struct {
	paused atomic.Bool
}

func (i *stubIngest) Pause()       { i.paused.Store(true) }
func (i *stubIngest) Resume()      { i.paused.Store(false) }
func (i *stubIngest) Paused() bool { return i.paused.Load() }

type adminFixture struct {
	nc     *nats.Conn
	pool   *pool.AccountPool
	store  *storage.Store
	ingest *stubIngest
}

func newFixture(t *testing.T, usernames ...string) *adminFixture {
	t.Helper()

	nc, _, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	store, err := storage.NewStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "relaypool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := pool.New(func(cfg model.AccountConfig) relay.Client { return &stubClient{} },
		store, pool.Config{}, zaptest.NewLogger(t))

	ctx := context.Background()
	for _, username := range usernames {
		cfg := model.AccountConfig{ID: uuid.New().String(), Username: username, IsActive: true}
		require.NoError(t, store.AddAccount(ctx, &cfg))
		_, err := p.Add(ctx, cfg)
		require.NoError(t, err)
	}

	ingest := &stubIngest{}
	an := analyzer.New(analyzer.Config{}, zaptest.NewLogger(t))
	server := NewServer(nc, p, ingest, store, an, zaptest.NewLogger(t))
	require.NoError(t, server.Start(ctx))
	t.Cleanup(server.Stop)

	return &adminFixture{nc: nc, pool: p, store: store, ingest: ingest}
}

func (f *adminFixture) request(t *testing.T, subject string, payload interface{}, out interface{}) *response {
	t.Helper()

	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		require.NoError(t, err)
	}

	msg, err := f.nc.Request(subject, data, 5*time.Second)
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	if out != nil && resp.OK {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
	return &resp
}

func TestAdminHealth(t *testing.T) {
	f := newFixture(t, "worker1", "worker2")

	var report HealthReport
	resp := f.request(t, subjectHealth, nil, &report)
	require.True(t, resp.OK)

	assert.Equal(t, 2, report.Pool.TotalAccounts)
	assert.Equal(t, 2, report.Pool.ConnectedAccounts)
	assert.InDelta(t, 100.0, report.Pool.HealthPct, 0.01)
	assert.False(t, report.IngestPaused)
	require.NotNil(t, report.Messages)
	assert.Zero(t, report.Messages.TotalMessages)
}

func TestAdminAccountLifecycle(t *testing.T) {
	f := newFixture(t, "worker1")
	ctx := context.Background()

	var added map[string]string
	resp := f.request(t, subjectAccountsAdd, AddAccountRequest{Username: "worker2", Token: "tok"}, &added)
	require.True(t, resp.OK, resp.Error)
	require.NotEmpty(t, added["id"])

	var statuses []model.AccountStatus
	resp = f.request(t, subjectAccountsList, nil, &statuses)
	require.True(t, resp.OK)
	assert.Len(t, statuses, 2)

	// The new account is persisted for the next restart.
	accounts, err := f.store.LoadAccounts(ctx, true)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	resp = f.request(t, subjectAccountsRemove, map[string]string{"id": added["id"]}, nil)
	require.True(t, resp.OK, resp.Error)

	resp = f.request(t, subjectAccountsList, nil, &statuses)
	require.True(t, resp.OK)
	assert.Len(t, statuses, 1)

	accounts, err = f.store.LoadAccounts(ctx, true)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestAdminAddRequiresUsername(t *testing.T) {
	f := newFixture(t, "worker1")

	resp := f.request(t, subjectAccountsAdd, AddAccountRequest{}, nil)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "username")
}

func TestAdminRemoveUnknownAccount(t *testing.T) {
	f := newFixture(t, "worker1")

	resp := f.request(t, subjectAccountsRemove, map[string]string{"id": "missing"}, nil)
	assert.False(t, resp.OK)
}

func TestAdminRefresh(t *testing.T) {
	f := newFixture(t, "worker1")

	var result map[string]int
	resp := f.request(t, subjectRefresh, nil, &result)
	require.True(t, resp.OK)
	assert.Zero(t, result["reconnected"])
}

func TestAdminPauseResume(t *testing.T) {
	f := newFixture(t, "worker1")

	var state map[string]bool
	resp := f.request(t, subjectPause, nil, &state)
	require.True(t, resp.OK)
	assert.True(t, state["paused"])
	assert.True(t, f.ingest.Paused())

	resp = f.request(t, subjectResume, nil, &state)
	require.True(t, resp.OK)
	assert.False(t, state["paused"])
	assert.False(t, f.ingest.Paused())
}

func TestAdminAnalyze(t *testing.T) {
	f := newFixture(t, "worker1")

	var result model.AnalysisResult
	resp := f.request(t, subjectAnalyze,
		map[string]string{"text": "محتاج مساعدة في واجب الرياضيات عاجل"}, &result)
	require.True(t, resp.OK)
	assert.True(t, result.IsHelpRequest)
	assert.Contains(t, result.Services, "واجبات")
}

func TestAdminRecentMessages(t *testing.T) {
	f := newFixture(t, "worker1")
	ctx := context.Background()

	require.NoError(t, f.store.RecordProcessedMessage(ctx, &model.ProcessedMessage{
		ID: uuid.New().String(), ChatID: 1, MessageID: 1,
		Text: "محتاج تقرير", IsForwarded: true, ProcessedAt: time.Now(),
	}))

	var messages []*model.ProcessedMessage
	resp := f.request(t, subjectRecent, map[string]int{"limit": 10}, &messages)
	require.True(t, resp.OK)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].IsForwarded)
}
