package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/ratelimit"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithCacheService puts go-repository-cache read-through caches in front
// of plan lookups and rate-limit state.
func WithCacheService(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cacheService = cacheService
	}
}

func WithQuotaTable(quotas core.QuotaTable) FactoryOption {
	return func(f *RepositoryFactory) {
		if len(quotas) > 0 {
			f.quotas = quotas
		}
	}
}

// RepositoryFactory builds every SQL-backed store over one bun database.
// It implements core.StoreProvider so it can be handed to
// core.WithRepositoryFactory.
type RepositoryFactory struct {
	db           *bun.DB
	cipher       core.TokenCipher
	quotas       core.QuotaTable
	cacheService repositorycache.CacheService

	connectionStore     *ConnectionStore
	planStore           *PlanStore
	planResolver        core.PlanResolver
	metricCache         *MetricCacheStore
	rateLimitStateStore ratelimit.StateStore
}

func NewRepositoryFactory(cipher core.TokenCipher, opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{cipher: cipher, quotas: core.DefaultQuotaTable()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(factory)
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, cipher core.TokenCipher, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(cipher, opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, cipher core.TokenCipher, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(cipher, opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.connectionStore != nil && f.metricCache != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) ConnectionStore() core.ConnectionStore {
	if f == nil || f.connectionStore == nil {
		return nil
	}
	return f.connectionStore
}

func (f *RepositoryFactory) MetricCache() core.MetricCache {
	if f == nil || f.metricCache == nil {
		return nil
	}
	return f.metricCache
}

func (f *RepositoryFactory) PlanStore() *PlanStore {
	if f == nil {
		return nil
	}
	return f.planStore
}

// PlanResolver returns the cached resolver when a cache service was
// configured and the plain PlanStore otherwise.
func (f *RepositoryFactory) PlanResolver() core.PlanResolver {
	if f == nil {
		return nil
	}
	return f.planResolver
}

func (f *RepositoryFactory) RateLimitStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStateStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	if f.cipher == nil {
		return fmt.Errorf("sqlstore: token cipher is required")
	}
	planStore, err := NewPlanStore(f.db)
	if err != nil {
		return err
	}
	f.planStore = planStore
	f.planResolver = planStore

	rateLimitStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}
	f.rateLimitStateStore = rateLimitStore

	if f.cacheService != nil {
		cachedPlans, err := NewCachedPlanResolver(planStore, f.cacheService)
		if err != nil {
			return err
		}
		f.planResolver = cachedPlans
		cachedState, err := NewCachedRateLimitStateStore(rateLimitStore, f.cacheService)
		if err != nil {
			return err
		}
		f.rateLimitStateStore = cachedState
	}

	connectionStore, err := NewConnectionStore(f.db, f.cipher, f.planResolver, f.quotas)
	if err != nil {
		return err
	}
	f.connectionStore = connectionStore

	metricCache, err := NewMetricCacheStore(f.db)
	if err != nil {
		return err
	}
	f.metricCache = metricCache
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
