package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/storage"
)

const (
	defaultSnapshotSchedule = "0 0 * * * *" // hourly
	defaultPurgeSchedule    = "0 0 4 * * *" // daily at 04:00
	defaultRetentionDays    = 30
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// MaintenanceConfig tunes the periodic jobs. Schedules use six-field cron
// expressions (with seconds).
type MaintenanceConfig struct {
	SnapshotSchedule string
	PurgeSchedule    string
	RetentionDays    int
}

// Maintenance runs the periodic housekeeping jobs: hourly pool-health
// snapshots into the statistics table and daily purge of old processed
// messages.
type Maintenance struct {
	logger *zap.Logger
	cron   *cron.Cron
	store  *storage.Store
	pool   PoolObserver
	cfg    MaintenanceConfig
}

// NewMaintenance creates the maintenance scheduler.
func NewMaintenance(store *storage.Store, pool PoolObserver, cfg MaintenanceConfig, logger *zap.Logger) *Maintenance {
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = defaultSnapshotSchedule
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = defaultPurgeSchedule
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}

	cronLogger := &cronLogger{logger: logger.Named("cron")}
	return &Maintenance{
		logger: logger.Named("maintenance"),
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		store: store,
		pool:  pool,
		cfg:   cfg,
	}
}

// Start registers the jobs and starts the cron runner.
func (m *Maintenance) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.cfg.SnapshotSchedule, func() {
		if err := m.RunSnapshot(ctx); err != nil {
			m.logger.Error("Health snapshot failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to add snapshot job: %w", err)
	}

	if _, err := m.cron.AddFunc(m.cfg.PurgeSchedule, func() {
		if err := m.RunPurge(ctx); err != nil {
			m.logger.Error("Message purge failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to add purge job: %w", err)
	}

	m.cron.Start()
	m.logger.Info("Maintenance jobs scheduled",
		zap.String("snapshot", m.cfg.SnapshotSchedule),
		zap.String("purge", m.cfg.PurgeSchedule),
		zap.Int("retention_days", m.cfg.RetentionDays))
	return nil
}

// Stop stops the cron runner and waits for running jobs.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// RunSnapshot persists the current pool health summary.
func (m *Maintenance) RunSnapshot(ctx context.Context) error {
	summary := m.pool.HealthSummary()
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal health summary: %w", err)
	}

	if err := m.store.SaveStatistic(ctx, "pool_health", "summary", string(data)); err != nil {
		return err
	}

	m.logger.Debug("Health snapshot saved",
		zap.Float64("health_pct", summary.HealthPct),
		zap.Int("total_accounts", summary.TotalAccounts))
	return nil
}

// RunPurge deletes processed messages older than the retention window.
func (m *Maintenance) RunPurge(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -m.cfg.RetentionDays)
	return m.store.DeleteMessagesBefore(ctx, cutoff)
}
