package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
)

const (
	alertStreamName = "ALERTS"

	defaultHealthThreshold = 50.0
	defaultAlertInterval   = 30 * time.Second
)

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(alert *model.Alert) error
}

// AlertConfig tunes pool health alerting.
type AlertConfig struct {
	// HealthThreshold is the pool health percentage below which a
	// pool_degraded alert fires. Defaults to 50.
	HealthThreshold float64

	// Interval between health evaluations. Defaults to 30s.
	Interval time.Duration
}

// AlertManager watches pool health and publishes alert events. A degraded
// pool raises one alert; the flag resets once the pool recovers so a later
// degradation alerts again.
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	pool   PoolObserver
	cfg    AlertConfig

	mu       sync.Mutex
	channels map[string]NotificationChannel
	degraded bool

	stop chan struct{}
}

// NewAlertManager creates a new alert manager
func NewAlertManager(js nats.JetStreamContext, pool PoolObserver, cfg AlertConfig, logger *zap.Logger) *AlertManager {
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = defaultHealthThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultAlertInterval
	}

	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		js:       js,
		pool:     pool,
		cfg:      cfg,
		channels: make(map[string]NotificationChannel),
		stop:     make(chan struct{}),
	}
}

// Start ensures the alert stream exists and begins the evaluation loop.
func (m *AlertManager) Start(ctx context.Context) error {
	stream, err := m.js.StreamInfo(alertStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream == nil {
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{"alert.*"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	go m.evaluationLoop(ctx)

	m.logger.Info("Alert manager started",
		zap.Float64("health_threshold", m.cfg.HealthThreshold))
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	close(m.stop)
}

// RegisterChannel attaches a notification channel.
func (m *AlertManager) RegisterChannel(name string, ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// NotifyAccountDeactivated publishes an alert for an account removed from
// rotation after losing authorization.
func (m *AlertManager) NotifyAccountDeactivated(accountID, reason string) {
	m.publish(&model.Alert{
		ID:       uuid.New().String(),
		Type:     model.AlertTypeAccountDeactivated,
		Severity: model.AlertSeverityCritical,
		Message:  fmt.Sprintf("Account %s deactivated: %s", accountID, reason),
		Data: map[string]interface{}{
			"account_id": accountID,
			"reason":     reason,
		},
		CreatedAt: time.Now(),
	})
}

// NotifyAccountRateLimited publishes an alert for an account entering a
// rate-limit cooldown.
func (m *AlertManager) NotifyAccountRateLimited(accountID string, cooldown time.Duration) {
	m.publish(&model.Alert{
		ID:       uuid.New().String(),
		Type:     model.AlertTypeAccountRateLimited,
		Severity: model.AlertSeverityWarning,
		Message:  fmt.Sprintf("Account %s rate limited for %s", accountID, cooldown),
		Data: map[string]interface{}{
			"account_id": accountID,
			"cooldown":   cooldown.String(),
		},
		CreatedAt: time.Now(),
	})
}

// evaluationLoop periodically evaluates pool health.
func (m *AlertManager) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.evaluateHealth()
		}
	}
}

func (m *AlertManager) evaluateHealth() {
	summary := m.pool.HealthSummary()
	if summary.TotalAccounts == 0 {
		return
	}

	m.mu.Lock()
	wasDegraded := m.degraded
	nowDegraded := summary.HealthPct < m.cfg.HealthThreshold
	m.degraded = nowDegraded
	m.mu.Unlock()

	if nowDegraded && !wasDegraded {
		m.publish(&model.Alert{
			ID:       uuid.New().String(),
			Type:     model.AlertTypePoolDegraded,
			Severity: model.AlertSeverityCritical,
			Message: fmt.Sprintf("Pool health %.1f%% below threshold %.1f%%",
				summary.HealthPct, m.cfg.HealthThreshold),
			Data: map[string]interface{}{
				"health_pct":         summary.HealthPct,
				"threshold":          m.cfg.HealthThreshold,
				"connected_accounts": summary.ConnectedAccounts,
				"active_accounts":    summary.ActiveAccounts,
			},
			CreatedAt: time.Now(),
		})
	}
	if !nowDegraded && wasDegraded {
		m.logger.Info("Pool health recovered",
			zap.Float64("health_pct", summary.HealthPct))
	}
}

func (m *AlertManager) publish(alert *model.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}

	if _, err := m.js.Publish("alert."+string(alert.Type), data); err != nil {
		m.logger.Error("Failed to publish alert", zap.Error(err))
	}

	m.mu.Lock()
	channels := make(map[string]NotificationChannel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	for name, ch := range channels {
		if err := ch.Send(alert); err != nil {
			m.logger.Error("Failed to send alert notification",
				zap.String("channel", name),
				zap.Error(err))
		}
	}

	m.logger.Info("Alert published",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))
}
