// Package app assembles the pipeline components from configuration. Every
// binary builds its graph here.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/nimasrn/campaign-pipeline/internal/aggregator"
	"github.com/nimasrn/campaign-pipeline/internal/audience"
	"github.com/nimasrn/campaign-pipeline/internal/channel"
	"github.com/nimasrn/campaign-pipeline/internal/config"
	"github.com/nimasrn/campaign-pipeline/internal/dispatch"
	"github.com/nimasrn/campaign-pipeline/internal/events"
	"github.com/nimasrn/campaign-pipeline/internal/executor"
	gateway "github.com/nimasrn/campaign-pipeline/internal/gateways"
	"github.com/nimasrn/campaign-pipeline/internal/pipeline"
	"github.com/nimasrn/campaign-pipeline/internal/processor"
	"github.com/nimasrn/campaign-pipeline/internal/queue"
	"github.com/nimasrn/campaign-pipeline/internal/reconciler"
	"github.com/nimasrn/campaign-pipeline/internal/repository"
	"github.com/nimasrn/campaign-pipeline/internal/template"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/pg"
	"github.com/nimasrn/campaign-pipeline/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
)

type App struct {
	Config     *config.Config
	DB         *pg.DB
	Redis      redis.RedisAdapter
	Campaigns  *repository.CampaignRepository
	Runs       *repository.CampaignRunRepository
	Jobs       *repository.DeliveryJobRepository
	Templates  *repository.TemplateRepository
	Audience   *audience.Store
	Events     events.Publisher
	Gateways   []*gateway.Client
	Senders    *channel.Registry
	Machine    *pipeline.Machine
	Pipeline   *pipeline.Processor
	Queue      *queue.Queue
	Engine     *dispatch.Engine
	Executor   *executor.Executor
	Locks      *processor.JobLockService
	Reconciler *reconciler.Reconciler
}

// Build connects to postgres and redis and assembles the application.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppDebug)
	if err != nil {
		return nil, fmt.Errorf("failed connecting to pg: %w", err)
	}

	adapter, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &goredis.UniversalOptions{
		Addrs:      []string{cfg.RedisAddr},
		ClientName: cfg.AppName,
		DB:         cfg.RedisDatabase,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	a, err := Assemble(ctx, cfg, db, adapter)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// Assemble wires every component on top of existing connections.
func Assemble(ctx context.Context, cfg *config.Config, db *pg.DB, adapter redis.RedisAdapter) (*App, error) {
	a := &App{
		Config:    cfg,
		DB:        db,
		Redis:     adapter,
		Campaigns: repository.NewCampaignRepository(db),
		Runs:      repository.NewCampaignRunRepository(db),
		Jobs:      repository.NewDeliveryJobRepository(db),
		Templates: repository.NewTemplateRepository(db),
		Audience:  audience.NewStore(adapter),
	}

	policies, err := loadPolicies(cfg)
	if err != nil {
		return nil, err
	}

	a.Events, err = events.NewPublisher(ctx, events.Settings{
		Backend:   cfg.EventsBackend,
		AMQPURL:   cfg.EventsAMQPURL,
		Exchange:  cfg.EventsExchange,
		ProjectID: cfg.EventsProjectID,
		Stream:    cfg.EventsStreamName,
		MaxLen:    cfg.QueueMaxLen,
	}, adapter)
	if err != nil {
		return nil, fmt.Errorf("failed creating event publisher: %w", err)
	}
	emitter := events.NewEmitter(a.Events)

	a.Senders, a.Gateways, err = NewSenders(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Queue, err = queue.NewQueue(adapter, processor.ServiceConfigFrom(cfg).Queue)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed creating queue: %w", err)
	}

	a.Machine = pipeline.NewMachine(db, a.Jobs, aggregator.New(db, a.Runs), emitter)
	a.Pipeline = pipeline.NewProcessor(pipeline.Deps{
		Jobs:        a.Jobs,
		Runs:        a.Runs,
		Campaigns:   a.Campaigns,
		Contacts:    a.Audience,
		Renderer:    template.NewRenderer(a.Templates),
		Senders:     a.Senders,
		Machine:     a.Machine,
		Policies:    pipeline.NewTenantPolicySource(policies),
		SendTimeout: cfg.ProviderTimeout,
		CountryCode: cfg.DefaultCountryCode,
	})

	a.Engine = dispatch.NewEngine(a.Jobs, a.Runs, a.Pipeline, a.Queue, dispatch.Options{
		BatchSize: cfg.DispatchBatchSize,
		ChunkSize: cfg.EnqueueChunkSize,
		SyncPolicy: pipeline.RetryPolicy{
			MaxAttempts: cfg.SyncMaxAttempts,
			Backoff:     pipeline.ExponentialBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		},
	})

	a.Executor = executor.New(executor.Deps{
		Tx:         db,
		Campaigns:  a.Campaigns,
		Runs:       a.Runs,
		Jobs:       a.Jobs,
		Audience:   a.Audience,
		Dispatcher: a.Engine,
		Emitter:    emitter,
		Mode:       executor.Mode(cfg.DispatchMode),
	})
	a.Machine.SetCompleter(a.Executor)

	lockCfg := processor.DefaultLockConfig()
	if cfg.JobLockTTL > 0 {
		lockCfg.LockTTL = cfg.JobLockTTL
	}
	a.Locks = processor.NewJobLockService(adapter, lockCfg)

	a.Reconciler = reconciler.New(a.Runs, a.Jobs, a.Queue, a.Executor, reconciler.Options{
		Schedule: cfg.ReconcileSchedule,
		StaleAge: cfg.ReconcileStaleAge,
		Batch:    cfg.ReconcileBatch,
	})

	return a, nil
}

func loadPolicies(cfg *config.Config) (*config.TenantPolicies, error) {
	defaults := config.DefaultPolicies(cfg)
	if cfg.TenantPolicyPath == "" {
		return defaults, nil
	}
	if _, err := os.Stat(cfg.TenantPolicyPath); err != nil {
		return nil, fmt.Errorf("tenant policy file: %w", err)
	}
	return config.LoadPolicies(cfg.TenantPolicyPath, defaults.Default)
}

// NewProcessorService builds the queue worker on top of the assembled
// pipeline.
func (a *App) NewProcessorService() (*processor.ProcessorService, error) {
	return processor.NewProcessorService(a.Redis, processor.ServiceConfigFrom(a.Config), a.Pipeline, a.Locks)
}

func (a *App) Close() {
	for _, c := range a.Gateways {
		_ = c.Close()
	}
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			logger.Warn("failed to close event publisher", "error", err)
		}
	}
	if a.Queue != nil {
		_ = a.Queue.Stop(a.Config.QueueVisibilityTimeout)
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}
}
