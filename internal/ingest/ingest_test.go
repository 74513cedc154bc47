package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/relaypool/internal/analyzer"
	"github.com/t77yq/relaypool/internal/dispatch"
	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/testutil"
)

type capturingDispatcher struct {
	mu    sync.Mutex
	items []*model.WorkItem
	errs  []error // consumed per call, then nil
}

func (d *capturingDispatcher) Dispatch(ctx context.Context, item *model.WorkItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return err
	}
	d.items = append(d.items, item)
	return nil
}

func (d *capturingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *capturingDispatcher) first() *model.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil
	}
	return d.items[0]
}

func startIngestor(t *testing.T, d Dispatcher, cfg Config) *Ingestor {
	t.Helper()

	_, js, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	an := analyzer.New(analyzer.Config{}, zaptest.NewLogger(t))
	ing, err := New(js, an, d, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, ing.Start(context.Background()))
	t.Cleanup(func() { ing.Stop() })
	return ing
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestIngestDispatchesHelpRequests(t *testing.T) {
	d := &capturingDispatcher{}
	ing := startIngestor(t, d, Config{Target: "helpdesk"})

	msg := &model.InboundMessage{
		ChatID:    -100200,
		MessageID: 7,
		SenderID:  55,
		Text:      "محتاج مساعدة في واجب الرياضيات عاجل",
	}
	require.NoError(t, ing.Publish(context.Background(), msg))

	waitFor(t, 5*time.Second, func() bool { return d.count() == 1 })

	item := d.first()
	require.NotNil(t, item)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "helpdesk", item.Target)
	assert.Equal(t, msg.ChatID, item.Message.ChatID)
	assert.True(t, item.Analysis.IsHelpRequest)
	assert.Contains(t, item.Analysis.Services, "واجبات")
}

func TestIngestSkipsLowConfidenceMessages(t *testing.T) {
	d := &capturingDispatcher{}
	ing := startIngestor(t, d, Config{Target: "helpdesk"})

	require.NoError(t, ing.Publish(context.Background(), &model.InboundMessage{
		ChatID: -100200, MessageID: 8, Text: "السلام عليكم، كيف حالكم؟",
	}))
	require.NoError(t, ing.Publish(context.Background(), &model.InboundMessage{
		ChatID: -100200, MessageID: 9, Text: "محتاج مساعدة في واجب الرياضيات",
	}))

	waitFor(t, 5*time.Second, func() bool { return d.count() == 1 })
	assert.Equal(t, int64(9), d.first().Message.MessageID)

	// The greeting stays skipped.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, d.count())
}

func TestIngestRedeliversOnNoCapacity(t *testing.T) {
	d := &capturingDispatcher{errs: []error{dispatch.ErrNoCapacity}}
	ing := startIngestor(t, d, Config{Target: "helpdesk", RetryDelay: 100 * time.Millisecond})

	require.NoError(t, ing.Publish(context.Background(), &model.InboundMessage{
		ChatID: -100200, MessageID: 10, Text: "محتاج مساعدة في واجب الرياضيات",
	}))

	// First delivery hits ErrNoCapacity; the server redelivers and the
	// second attempt succeeds.
	waitFor(t, 5*time.Second, func() bool { return d.count() == 1 })
	assert.Equal(t, int64(10), d.first().Message.MessageID)
}

func TestIngestPauseAndResume(t *testing.T) {
	d := &capturingDispatcher{}
	ing := startIngestor(t, d, Config{Target: "helpdesk", RetryDelay: 100 * time.Millisecond})

	ing.Pause()
	assert.True(t, ing.Paused())

	require.NoError(t, ing.Publish(context.Background(), &model.InboundMessage{
		ChatID: -100200, MessageID: 11, Text: "محتاج مساعدة في واجب الرياضيات",
	}))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, d.count())

	ing.Resume()
	assert.False(t, ing.Paused())
	waitFor(t, 5*time.Second, func() bool { return d.count() == 1 })
}
