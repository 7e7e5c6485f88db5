// Package app assembles the mirror's components from configuration. Every
// binary builds the same graph and starts the parts it runs.
package app

import (
	"context"
	"fmt"

	"github.com/scm-mirror/internal/api"
	"github.com/scm-mirror/internal/backfill"
	"github.com/scm-mirror/internal/circuitbreaker"
	"github.com/scm-mirror/internal/config"
	"github.com/scm-mirror/internal/events"
	"github.com/scm-mirror/internal/gateway"
	"github.com/scm-mirror/internal/logging"
	"github.com/scm-mirror/internal/processor"
	"github.com/scm-mirror/internal/ratelimit"
	"github.com/scm-mirror/internal/retry"
	"github.com/scm-mirror/internal/storage"
	"github.com/scm-mirror/internal/syncer"
	"github.com/scm-mirror/internal/tenant"
	"github.com/scm-mirror/internal/webhook"
	"github.com/scm-mirror/internal/worker"
)

// App holds the wired component graph
type App struct {
	Config     *config.Config
	DB         *storage.PostgresDB
	Store      *storage.PostgresStore
	Redis      *storage.RedisClient
	Tracker    *ratelimit.Tracker
	Policy     *retry.Policy
	Tokens     *gateway.InstallationTokens
	Clients    *gateway.Factory
	Breakers   *circuitbreaker.Manager
	Registry   *tenant.Registry
	Bus        *events.Bus
	Engine     *syncer.Engine
	Processors *processor.Processors
	Backfill   *backfill.Service
	SyncConfig syncer.Config
}

// New connects to the stores and wires every component. Nothing runs until
// Start is called.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.FromContext(ctx)
	a := &App{Config: cfg}

	db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.DB = db
	a.Store = storage.NewPostgresStore(db)

	var snapshots ratelimit.SnapshotStore
	var sinks []events.Consumer
	sinks = append(sinks, events.LogConsumer{})
	if cfg.Database.Redis.Enabled {
		redisClient, err := storage.NewRedisClient(ctx, &cfg.Database.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.Redis = redisClient

		store, err := ratelimit.NewRedisSnapshotStore(redisClient.Client())
		if err != nil {
			a.Close()
			return nil, err
		}
		snapshots = store

		sink, err := events.NewRedisStreamSink(redisClient.Client(), cfg.Events.RedisStream, cfg.Events.StreamMaxLen)
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, sink)
	} else {
		logger.Warn("Redis disabled: quota snapshots stay local and events are only logged")
	}

	rlCfg := ratelimit.NewConfig()
	rlCfg.CriticalThreshold = cfg.RateLimit.CriticalThreshold
	rlCfg.LowThreshold = cfg.RateLimit.LowThreshold
	rlCfg.MaxWait = cfg.RateLimit.MaxWait
	tracker, err := ratelimit.NewTracker(rlCfg, snapshots)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid rate limit configuration: %w", err)
	}
	a.Tracker = tracker

	policy, err := retry.NewPolicy(&retry.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
	}, tracker, retry.NewRetryStatsTracker())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid retry configuration: %w", err)
	}
	a.Policy = policy.WithRateLimitAttempts(cfg.Retry.RateLimitAttempts)

	a.Breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig("github"))
	opts := gateway.Options{
		APIURL:         cfg.GitHub.APIURL,
		GraphQLURL:     cfg.GitHub.GraphQLURL,
		RequestTimeout: cfg.GitHub.RequestTimeout,
		Breakers:       a.Breakers,
	}
	a.Tokens = gateway.NewInstallationTokens(a.Store, cfg.GitHub.AppToken, opts)
	a.Clients = gateway.NewFactory(a.Tokens, tracker, opts)

	a.Registry = &tenant.Registry{
		SyncTargets: tenant.Provide[tenant.SyncTargetProvider](a.Store),
		Tokens:      tenant.Provide[tenant.TokenProvider](a.Tokens),
		RateLimits:  tenant.Provide[tenant.RateLimitProvider](tracker),
	}
	if len(cfg.GitHub.AllowedRepositories) > 0 {
		a.Registry.Filter = tenant.Provide[tenant.RepositoryScopeFilter](tenant.NewAllowListFilter(cfg.GitHub.AllowedRepositories))
	}
	if err := a.Registry.Validate(); err != nil {
		a.Close()
		return nil, err
	}

	a.Bus = events.NewBus(cfg.Events.Workers, cfg.Events.BufferSize, sinks...)
	a.Engine, err = syncer.NewEngine(a.Store, a.Bus, a.Policy, tracker)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Processors = processor.New(a.Store, a.Bus)
	a.SyncConfig = syncer.Config{
		PageSize:        cfg.Sync.PageSize,
		MaxPages:        cfg.Sync.MaxPages,
		InitialMaxPages: cfg.Sync.InitialMaxPages,
	}

	a.Backfill, err = backfill.NewService(backfill.Config{
		Enabled:            cfg.Backfill.Enabled,
		RateLimitThreshold: cfg.Backfill.RateLimitThreshold,
		PagesPerBatch:      cfg.Backfill.PagesPerBatch,
		PageSize:           cfg.Backfill.PageSize,
		Workers:            cfg.Sync.ScopeWorkers,
	}, a.Registry, a.Engine, a.Clients, a.Processors)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"redis":    a.Redis != nil,
		"filtered": len(cfg.GitHub.AllowedRepositories) > 0,
		"backfill": cfg.Backfill.Enabled,
	}).Info("Components wired")
	return a, nil
}

// Start launches the event bus
func (a *App) Start(ctx context.Context) {
	a.Bus.Start(ctx)
}

// Syncers builds the forward sync units
func (a *App) Syncers() worker.Syncers {
	return worker.Syncers{
		Issues:       syncer.NewIssueSync(a.Engine, a.Clients, a.Processors.Issues, a.SyncConfig),
		PullRequests: syncer.NewPullRequestSync(a.Engine, a.Clients, a.Processors.PullRequests, a.SyncConfig),
		Comments:     syncer.NewCommentSync(a.Engine, a.Clients, a.Processors.Comments, a.SyncConfig),
		Reviews:      syncer.NewReviewSync(a.Engine, a.Clients, a.Processors.Reviews, a.SyncConfig),
	}
}

// NewScheduler builds the sync scheduler. webhooks may be nil.
func (a *App) NewScheduler(webhooks worker.WebhookStats) (*worker.Scheduler, error) {
	return worker.NewScheduler(&worker.SchedulerConfig{
		Registry:     a.Registry,
		Syncers:      a.Syncers(),
		Backfill:     a.Backfill,
		RetryStats:   a.Policy.Stats(),
		Webhooks:     webhooks,
		Interval:     a.Config.Sync.CycleInterval,
		ScopeWorkers: a.Config.Sync.ScopeWorkers,
	})
}

// NewDispatcher builds the webhook consumer streams
func (a *App) NewDispatcher() *webhook.Dispatcher {
	handlers := webhook.NewHandlers(a.Registry, a.Processors, a.Bus, a.Tokens)
	return webhook.NewDispatcher(handlers, a.Config.Sync.WebhookConsumers, a.Config.Sync.WebhookBuffer)
}

// ServerConfig maps configuration onto the receiver's settings
func (a *App) ServerConfig() *api.ServerConfig {
	sc := api.DefaultServerConfig()
	sc.Host = a.Config.Server.Host
	sc.Port = a.Config.Server.Port
	sc.WebhookSecret = a.Config.GitHub.WebhookSecret
	sc.AllowUnsigned = a.Config.GitHub.AllowUnsignedWebhooks
	sc.RequestsPerSecond = a.Config.Server.WebhookRequestsPerSecond
	sc.Burst = a.Config.Server.WebhookBurst
	return sc
}

// Close stops the bus and releases connections
func (a *App) Close() {
	if a.Bus != nil {
		a.Bus.Stop()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close Redis")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
