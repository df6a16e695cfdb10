package main

import (
	"context"
	"errors"
	"io/fs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"luxelink/server/config"
	"luxelink/server/internal/alerting"
	"luxelink/server/internal/database"
	"luxelink/server/internal/ingest"
	"luxelink/server/internal/metrics"
	"luxelink/server/internal/postgres"
	"luxelink/server/internal/processor"
	"luxelink/server/internal/source"
	"luxelink/server/internal/store"
	"luxelink/server/internal/telegram"
)

// app holds the wired components shared by serve and scan.
type app struct {
	store       store.Store
	coordinator *ingest.Coordinator
	dispatcher  *alerting.Dispatcher
	promReg     *prometheus.Registry
	redis       *redis.Client
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		logger.Info("Using Postgres store")
		st, err := postgres.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		logger.WithField("path", cfg.Store.SQLitePath).Info("Using SQLite store")
		db, err := database.NewDatabase(cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// loadAgentsFile reads AGENTS_FILE. A missing file yields no sources and no
// agents so that agents can be managed directly in the database.
func loadAgentsFile() (*config.File, error) {
	f, err := config.LoadFile(cfg.Ingest.AgentsFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.WithField("path", cfg.Ingest.AgentsFile).Warn("Agents file not found, continuing without declared sources and agents")
		return &config.File{}, nil
	}
	return f, err
}

// syncAgents upserts the agents declared in f.
func syncAgents(ctx context.Context, st store.Store, f *config.File) (int, error) {
	for _, ac := range f.Agents {
		agent, err := ac.Agent()
		if err != nil {
			return 0, err
		}
		if err := st.UpsertAgent(ctx, &agent); err != nil {
			return 0, err
		}
	}
	logger.WithField("agents", len(f.Agents)).Info("Synced agents")
	return len(f.Agents), nil
}

func buildApp(ctx context.Context) (*app, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{store: st}

	if err := st.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	file, err := loadAgentsFile()
	if err != nil {
		a.Close()
		return nil, err
	}
	if _, err := syncAgents(ctx, st, file); err != nil {
		a.Close()
		return nil, err
	}

	registry, err := source.NewRegistryFromConfig(file.Sources, cfg.Ingest.DefaultSourceConcurrency, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.WithField("sources", registry.Names()).Info("Registered sources")

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.promReg)

	proc := processor.NewProcessor(st, cfg, logger)
	a.coordinator = ingest.NewCoordinator(st, registry, proc, cfg, m, logger)

	notifiers := []alerting.Notifier{alerting.NewLogNotifier(logger)}
	if cfg.Alerts.Telegram.Enabled {
		notifiers = append(notifiers, telegram.NewService(telegram.Config{
			Enabled:  true,
			BotToken: cfg.Alerts.Telegram.BotToken,
			ChatID:   cfg.Alerts.Telegram.ChatID,
		}, logger))
	}
	if cfg.Alerts.RedisURL != "" {
		client, err := alerting.NewRedisClient(ctx, cfg.Alerts.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		notifiers = append(notifiers, alerting.NewRedisNotifier(client, cfg.Alerts.RedisChannel))
	}
	a.dispatcher = alerting.NewDispatcher(st, notifiers, cfg.Alerts.BatchSize, m, logger)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close redis client")
		}
	}
	if err := a.store.Close(); err != nil {
		logger.WithError(err).WithField("driver", cfg.Store.Driver).Warn("Failed to close store")
	}
}
