package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revive-app/recoveryservice/internal/cache"
	"github.com/revive-app/recoveryservice/internal/config"
	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/events"
	"github.com/revive-app/recoveryservice/internal/jobqueue"
	"github.com/revive-app/recoveryservice/internal/log"
	"github.com/revive-app/recoveryservice/internal/memberapi"
	"github.com/revive-app/recoveryservice/internal/metrics"
	"github.com/revive-app/recoveryservice/internal/ratelimit"
	"github.com/revive-app/recoveryservice/internal/repository"
	"github.com/revive-app/recoveryservice/internal/repository/postgres"
	"github.com/revive-app/recoveryservice/internal/server"
	"github.com/revive-app/recoveryservice/internal/service"
	"github.com/revive-app/recoveryservice/internal/settings"
	"github.com/revive-app/recoveryservice/internal/tracing"
	"github.com/revive-app/recoveryservice/internal/webhook"
)

// reenqueueInterval paces the sweep for stored-but-unqueued events.
const (
	reenqueueInterval = time.Minute
	reenqueueAge      = 5 * time.Minute
	reenqueueBatch    = 200
)

// App wires the recovery pipeline together: store, queue, services and the
// HTTP surfaces.
type App struct {
	config *config.Config
	logger *zap.Logger

	store     repository.Store
	redis     *cache.Cache
	publisher events.Publisher
	queue     *jobqueue.Queue

	ingest    *service.IngestService
	reminders *service.ReminderService

	httpServer    *server.HTTPServer
	metricsServer *metrics.Server

	tracingShutdown func()
}

// New creates a fully wired application instance.
func New(cfg *config.Config) (*App, error) {
	if err := log.Init(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	ctx := context.Background()
	logger := log.L(ctx)

	logger.Info("Initializing recovery service",
		zap.String("app_name", cfg.App.Name),
		zap.String("environment", cfg.App.Environment),
		zap.String("http_address", cfg.Server.Addr))

	a := &App{config: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName:    cfg.App.Name,
			ServiceVersion: "1.0.0",
			Environment:    cfg.App.Environment,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			SamplingRatio:  cfg.Tracing.SamplingRatio,
		}, logger)
		if err != nil {
			logger.Warn("Tracing initialization failed, continuing without tracing", zap.Error(err))
		} else {
			a.tracingShutdown = shutdown
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := postgres.NewStore(storeCtx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = store

	if cfg.Redis.Enabled {
		redisCache, err := cache.NewCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis initialization failed, continuing without cache",
				zap.Error(err), zap.String("redis_addr", cfg.Redis.Addr))
		} else {
			a.redis = redisCache
		}
	}

	a.publisher = events.Publisher(events.NoopPublisher{})
	if cfg.Kafka.Enabled {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			logger.Warn("Kafka initialization failed, lifecycle events disabled", zap.Error(err))
		} else {
			a.publisher = kafkaPublisher
		}
	}

	settingsProvider := settings.NewProvider(store.Settings(), a.redis, 5*time.Minute)

	var client memberapi.Client = memberapi.NopClient{}
	if cfg.MemberAPI.BaseURL != "" {
		client = memberapi.NewHTTPClient(cfg.MemberAPI.BaseURL, cfg.MemberAPI.APIKey, cfg.MemberAPI.Timeout(), logger)
	} else {
		logger.Warn("Member API not configured, nudges and incentives are no-ops")
	}

	queueCfg := jobqueue.DefaultConfig()
	queueCfg.PollInterval = cfg.Jobs.PollInterval()
	queueCfg.BatchSize = cfg.Jobs.BatchSize
	queueCfg.Workers = cfg.Jobs.Workers
	queueCfg.MaxAttempts = cfg.Jobs.MaxAttempts
	a.queue = jobqueue.New(store.Jobs(), a.publisher, queueCfg, logger)

	incentives := service.NewIncentiveService(store.Cases(), client, a.publisher)
	cases := service.NewCaseService(store.Cases(), client, a.publisher, settingsProvider, incentives)
	processor := service.NewProcessor(store.Events(), cases)

	a.queue.Register(service.JobTypeProcessEvent, func(ctx context.Context, job *domain.Job) error {
		var payload service.ProcessEventPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed job payload: %w", err)
		}
		eventID, err := uuid.Parse(payload.EventID)
		if err != nil {
			return fmt.Errorf("malformed event id in job payload: %w", err)
		}
		return processor.ProcessByID(ctx, eventID)
	})

	validator := webhook.NewValidator(cfg.Webhook.Secret, cfg.Webhook.Tolerance(), cfg.App.IsProduction())
	limiter := ratelimit.New(store.RateLimits(), cfg.App.IsProduction(), logger)

	a.ingest = service.NewIngestService(validator, limiter, store.Events(), a.queue,
		cfg.RateLimit.Window(), cfg.RateLimit.MaxRequests)
	a.reminders = service.NewReminderService(store.Cases(), client, a.publisher,
		settingsProvider, cfg.Recovery.DispatchConcurrency)

	a.httpServer = server.NewHTTPServer(cfg.Server.Addr, a.ingest, logger)
	a.metricsServer = metrics.NewServer(cfg.Metrics.Addr, logger)

	return a, nil
}

// Reminders exposes the reminder service for scheduled runs.
func (a *App) Reminders() *service.ReminderService {
	return a.reminders
}

// Run starts the queue workers and HTTP surfaces, blocking until ctx is
// cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting recovery service")

	errCh := make(chan error, 2)

	go func() {
		if err := a.metricsServer.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	go a.queue.Start(ctx)
	go a.reenqueueLoop(ctx)

	go func() {
		if err := a.httpServer.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// reenqueueLoop periodically re-queues stored events whose processing job
// went missing.
func (a *App) reenqueueLoop(ctx context.Context) {
	ticker := time.NewTicker(reenqueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.ingest.ReenqueueUnprocessed(ctx, reenqueueAge, reenqueueBatch); err != nil {
				a.logger.Error("unprocessed event sweep failed", zap.Error(err))
			}
		}
	}
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down recovery service")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		a.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}

	a.queue.Stop()

	if err := a.publisher.Close(); err != nil {
		a.logger.Error("Failed to close event publisher", zap.Error(err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close store", zap.Error(err))
		}
	}
	if a.tracingShutdown != nil {
		a.tracingShutdown()
	}

	a.logger.Info("Shutdown complete")
	return nil
}
