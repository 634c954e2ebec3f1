package adsconnect

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-adsconnect/adapters/gocommand"
	"github.com/goliatone/go-adsconnect/adapters/gojob"
	"github.com/goliatone/go-adsconnect/adapters/gologger"
	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/lock/redislock"
	prommetrics "github.com/goliatone/go-adsconnect/metrics/prometheus"
	"github.com/goliatone/go-adsconnect/ratelimit"
	"github.com/goliatone/go-adsconnect/security"
	sqlstore "github.com/goliatone/go-adsconnect/store/sql"
	"github.com/goliatone/go-command/runner"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultReadCacheTTL = time.Minute

// RuntimeOptions carries the infrastructure NewRuntime wires into a Service.
// Persistence is required and must already be migrated; the rest is
// optional and falls back to in-process implementations.
type RuntimeOptions struct {
	Persistence *persistence.Client
	// Redis enables the cross-process refresh lock.
	Redis redislock.Client
	// Registerer enables Prometheus metrics.
	Registerer prometheus.Registerer
	// Transport replaces the default REST adapter for every platform client.
	Transport      core.TransportAdapter
	ReadCacheTTL   time.Duration
	LoggerProvider glog.LoggerProvider
	Logger         glog.Logger
	ServiceOptions []Option
}

// Runtime is a Service plus the stores and adapters built for it.
type Runtime struct {
	Service   *Service
	Facade    *Facade
	Stores    *sqlstore.RepositoryFactory
	RateLimit *ratelimit.AdaptivePolicy
	Registry  *core.ClientRegistry
	Metrics   *prommetrics.Recorder
	Loggers   gologger.Loggers
}

// NewRuntime builds the SQL-backed service described by cfg: token cipher
// from cfg.Encryption, cached plan and rate-limit reads, the adaptive rate
// limiter shared by every platform client and one client per configured
// platform.
func NewRuntime(cfg Config, opts RuntimeOptions) (*Runtime, error) {
	if opts.Persistence == nil {
		return nil, fmt.Errorf("adsconnect: persistence client is required")
	}
	cipher, err := security.NewTokenCipherFromConfig(cfg.Encryption)
	if err != nil {
		return nil, err
	}

	ttl := opts.ReadCacheTTL
	if ttl <= 0 {
		ttl = DefaultReadCacheTTL
	}
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = ttl
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("adsconnect: read cache: %w", err)
	}

	quotas := core.DefaultQuotaTable()
	if cfg.Quotas != (core.QuotaConfig{}) {
		quotas = cfg.Quotas.Table()
	}
	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(opts.Persistence, cipher,
		sqlstore.WithCacheService(cacheService),
		sqlstore.WithQuotaTable(quotas),
	)
	if err != nil {
		return nil, err
	}

	policy := ratelimit.NewAdaptivePolicy(stores.RateLimitStateStore())
	registry, err := NewClientRegistryFromConfig(cfg.Platforms, ClientDependencies{
		Transport: opts.Transport,
		RateLimit: policy,
	})
	if err != nil {
		return nil, err
	}

	loggers := gologger.Resolve(opts.LoggerProvider, opts.Logger)
	serviceOpts := append(loggers.ServiceOptions(),
		WithRepositoryFactory(stores),
		WithClientRegistry(registry),
	)

	var metrics *prommetrics.Recorder
	if opts.Registerer != nil {
		metrics = prommetrics.NewRecorder(prommetrics.Config{Registerer: opts.Registerer})
		serviceOpts = append(serviceOpts, WithMetricsRecorder(metrics))
	}
	if opts.Redis != nil {
		locker, err := redislock.New(opts.Redis)
		if err != nil {
			return nil, err
		}
		serviceOpts = append(serviceOpts, WithConnectionLocker(locker))
	}
	serviceOpts = append(serviceOpts, opts.ServiceOptions...)

	svc, err := NewService(cfg, serviceOpts...)
	if err != nil {
		return nil, err
	}
	facade, err := NewFacade(svc)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Service:   svc,
		Facade:    facade,
		Stores:    stores,
		RateLimit: policy,
		Registry:  registry,
		Metrics:   metrics,
		Loggers:   loggers,
	}, nil
}

// Start schedules the OAuth state and pending token sweeper.
func (r *Runtime) Start() error {
	if r == nil || r.Service == nil {
		return fmt.Errorf("adsconnect: runtime is not configured")
	}
	return r.Service.StartSweeper()
}

func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil || r.Service == nil {
		return nil
	}
	return r.Service.StopSweeper(ctx)
}

// RegisterHandlers exposes every command and query on the go-command
// dispatcher.
func (r *Runtime) RegisterHandlers(adapter *gocommand.RegistryAdapter, runnerOpts ...runner.Option) (gocommand.Subscriptions, error) {
	if r == nil || r.Service == nil {
		return nil, fmt.Errorf("adsconnect: runtime is not configured")
	}
	return gocommand.RegisterService(adapter, r.Service, resolveInvalidationLog(r.Service), runnerOpts...)
}

// CollectJobHandler runs adsconnect.collect jobs against this runtime.
func (r *Runtime) CollectJobHandler(policy gojob.RetryPolicy) *gojob.CollectHandler {
	if r == nil {
		return nil
	}
	return gojob.NewCollectHandler(r.Service, policy, r.Loggers.Named("jobs"))
}
