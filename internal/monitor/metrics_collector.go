package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/storage"
)

const (
	metricsStreamName = "METRICS"
	metricsSubject    = "metrics.pool"
)

// PoolObserver is the read-only pool surface the monitor consumes.
type PoolObserver interface {
	HealthSummary() model.HealthSummary
	ListStatuses() []model.AccountStatus
}

// StatsSource provides aggregated message counts for the snapshot.
type StatsSource interface {
	MessageStats(ctx context.Context) (*storage.MessageStats, error)
}

// Snapshot is one published metrics sample.
type Snapshot struct {
	Timestamp   time.Time             `json:"timestamp"`
	CPUUsage    float64               `json:"cpu_usage"`
	MemoryUsage float64               `json:"memory_usage"`
	Pool        model.HealthSummary   `json:"pool"`
	Accounts    []model.AccountStatus `json:"accounts"`
	Messages    *storage.MessageStats `json:"messages,omitempty"`
}

// MetricsCollector periodically samples system load and pool health and
// publishes the snapshot for dashboards.
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	pool     PoolObserver
	stats    StatsSource
	interval time.Duration

	mu   sync.RWMutex
	last *Snapshot

	stop chan struct{}
}

// NewMetricsCollector creates a metrics collector. stats may be nil when no
// message store is attached.
func NewMetricsCollector(js nats.JetStreamContext, pool PoolObserver, stats StatsSource, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		pool:     pool,
		stats:    stats,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start ensures the metrics stream exists and begins the collection loop.
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector")

	stream, err := c.js.StreamInfo(metricsStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream == nil {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:     metricsStreamName,
			Subjects: []string{"metrics.*"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *MetricsCollector) collect(ctx context.Context) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	snapshot := &Snapshot{
		Timestamp:   time.Now(),
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
		Pool:        c.pool.HealthSummary(),
		Accounts:    c.pool.ListStatuses(),
	}

	if c.stats != nil {
		msgStats, err := c.stats.MessageStats(ctx)
		if err != nil {
			c.logger.Warn("Failed to load message stats", zap.Error(err))
		} else {
			snapshot.Messages = msgStats
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(metricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.last = snapshot
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Float64("pool_health", snapshot.Pool.HealthPct))
}

// LastSnapshot returns the most recently collected snapshot, or nil before
// the first collection.
func (c *MetricsCollector) LastSnapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
