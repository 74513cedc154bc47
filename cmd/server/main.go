package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/admin"
	"github.com/t77yq/relaypool/internal/analyzer"
	"github.com/t77yq/relaypool/internal/dispatch"
	"github.com/t77yq/relaypool/internal/ingest"
	"github.com/t77yq/relaypool/internal/model"
	"github.com/t77yq/relaypool/internal/monitor"
	"github.com/t77yq/relaypool/internal/pool"
	"github.com/t77yq/relaypool/internal/relay"
	"github.com/t77yq/relaypool/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.NewStore(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	// Account pool
	relayURL := viper.GetString("relay.url")
	factory := func(cfg model.AccountConfig) relay.Client {
		return relay.NewNATSClient(relayURL, cfg, logger)
	}
	accountPool := pool.New(factory, store, pool.Config{
		ReconnectTimeout: viper.GetDuration("pool.reconnect_timeout"),
	}, logger)
	defer accountPool.Shutdown()

	configs, err := store.LoadAccounts(ctx, true)
	if err != nil {
		logger.Fatal("Failed to load accounts", zap.Error(err))
	}
	if len(configs) == 0 {
		logger.Warn("No accounts configured; pool is empty until accounts are added")
	} else {
		count, err := accountPool.Initialize(ctx, configs)
		if err != nil {
			if errors.Is(err, pool.ErrNoAccountsInitialized) {
				logger.Fatal("No account could be initialized", zap.Error(err))
			}
			logger.Fatal("Failed to initialize account pool", zap.Error(err))
		}
		logger.Info("Account pool ready",
			zap.Int("accounts", count),
			zap.Int("configured", len(configs)))
	}

	// Dispatcher
	dispatcher := dispatch.New(accountPool, store, dispatch.Config{
		MaxAttempts: viper.GetInt("dispatch.max_attempts"),
	}, logger)

	// Analyzer, with keyword overrides from the settings table
	an := analyzer.New(analyzer.Config{
		ServiceKeywords:     loadKeywordOverrides(ctx, store, logger),
		ConfidenceThreshold: viper.GetFloat64("ingest.confidence_threshold"),
	}, logger)

	// Ingest
	ingestor, err := ingest.New(js, an, dispatcher, ingest.Config{
		Target:              viper.GetString("relay.target"),
		ConfidenceThreshold: viper.GetFloat64("ingest.confidence_threshold"),
		RetryDelay:          viper.GetDuration("ingest.retry_delay"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create ingestor", zap.Error(err))
	}
	if err := ingestor.Start(ctx); err != nil {
		logger.Fatal("Failed to start ingestor", zap.Error(err))
	}
	defer ingestor.Stop()

	// Monitoring
	collector := monitor.NewMetricsCollector(js, accountPool, store,
		viper.GetDuration("monitor.metrics_interval"), logger)
	if err := collector.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}
	defer collector.Stop()

	alertManager := monitor.NewAlertManager(js, accountPool, monitor.AlertConfig{
		HealthThreshold: viper.GetFloat64("monitor.health_threshold"),
		Interval:        viper.GetDuration("monitor.alert_interval"),
	}, logger)
	if host := viper.GetString("monitor.email.host"); host != "" {
		alertManager.RegisterChannel("email", monitor.NewEmailChannel(monitor.EmailConfig{
			Host:       host,
			Port:       viper.GetInt("monitor.email.port"),
			Username:   viper.GetString("monitor.email.username"),
			Password:   viper.GetString("monitor.email.password"),
			From:       viper.GetString("monitor.email.from"),
			Recipients: viper.GetStringSlice("monitor.email.recipients"),
		}, logger))
	}
	if err := alertManager.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}
	defer alertManager.Stop()
	// Account deactivations and rate limits surface as alerts.
	accountPool.SetNotifier(alertManager)

	maintenance := monitor.NewMaintenance(store, accountPool, monitor.MaintenanceConfig{
		SnapshotSchedule: viper.GetString("maintenance.snapshot_schedule"),
		PurgeSchedule:    viper.GetString("maintenance.purge_schedule"),
		RetentionDays:    viper.GetInt("maintenance.retention_days"),
	}, logger)
	if err := maintenance.Start(ctx); err != nil {
		logger.Fatal("Failed to start maintenance jobs", zap.Error(err))
	}
	defer maintenance.Stop()

	// Admin surface
	adminServer := admin.NewServer(nc, accountPool, ingestor, store, an, logger)
	if err := adminServer.Start(ctx); err != nil {
		logger.Fatal("Failed to start admin server", zap.Error(err))
	}
	defer adminServer.Stop()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	logger.Info("Server shutting down gracefully")
}

func setDefaults() {
	viper.SetDefault("app.name", "relaypool")
	viper.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", "2s")
	viper.SetDefault("nats.connect_timeout", "5s")
	viper.SetDefault("storage.path", "relaypool.db")
	viper.SetDefault("relay.url", "nats://127.0.0.1:4222")
	viper.SetDefault("relay.target", "helpdesk")
	viper.SetDefault("pool.reconnect_timeout", "5s")
	viper.SetDefault("dispatch.max_attempts", 2)
	viper.SetDefault("ingest.confidence_threshold", 30.0)
	viper.SetDefault("ingest.retry_delay", "10s")
	viper.SetDefault("monitor.metrics_interval", "30s")
	viper.SetDefault("monitor.health_threshold", 50.0)
	viper.SetDefault("monitor.alert_interval", "30s")
	viper.SetDefault("maintenance.retention_days", 30)
}

// loadKeywordOverrides reads the optional service_keywords setting. A broken
// override falls back to the built-in tables.
func loadKeywordOverrides(ctx context.Context, store *storage.Store, logger *zap.Logger) map[string][]string {
	raw, err := store.GetSetting(ctx, "service_keywords", "")
	if err != nil {
		logger.Warn("Failed to read keyword overrides", zap.Error(err))
		return nil
	}
	if raw == "" {
		return nil
	}

	var keywords map[string][]string
	if err := json.Unmarshal([]byte(raw), &keywords); err != nil {
		logger.Warn("Invalid service_keywords setting, using defaults", zap.Error(err))
		return nil
	}
	return keywords
}
