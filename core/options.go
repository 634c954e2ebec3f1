package core

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StoreProvider exposes persistence built by a repository factory.
type StoreProvider interface {
	ConnectionStore() ConnectionStore
	MetricCache() MetricCache
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	repositoryFactory any
	connectionStore   ConnectionStore
	metricCache       MetricCache
	oauthStateStore   OAuthStateStore
	pendingTokens     PendingTokenStore
	connectionLocker  ConnectionLocker
	registry          *ClientRegistry
	clock             func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

// WithRepositoryFactory accepts anything implementing StoreProvider.
func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConnectionStore(store ConnectionStore) Option {
	return func(b *serviceBuilder) {
		b.connectionStore = store
	}
}

func WithMetricCache(cache MetricCache) Option {
	return func(b *serviceBuilder) {
		b.metricCache = cache
	}
}

func WithOAuthStateStore(store OAuthStateStore) Option {
	return func(b *serviceBuilder) {
		b.oauthStateStore = store
	}
}

func WithPendingTokenStore(store PendingTokenStore) Option {
	return func(b *serviceBuilder) {
		b.pendingTokens = store
	}
}

func WithConnectionLocker(locker ConnectionLocker) Option {
	return func(b *serviceBuilder) {
		b.connectionLocker = locker
	}
}

func WithClientRegistry(registry *ClientRegistry) Option {
	return func(b *serviceBuilder) {
		b.registry = registry
	}
}

// WithPlatformClients registers clients on the service registry.
func WithPlatformClients(clients ...PlatformAdsClient) Option {
	return func(b *serviceBuilder) {
		if b.registry == nil {
			b.registry = NewClientRegistry()
		}
		for _, client := range clients {
			if client == nil {
				continue
			}
			b.registry.Put(client)
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("adsconnect", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		registry:        NewClientRegistry(),
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func NewStaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return normalizeDurations(out), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

// Load decodes the loader's values over defaults. The returned config
// remembers which keys the source set, so the resolver layers exactly those.
func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	cfg.setKeys = map[string]bool{}
	walkLeaves(raw, "", func(path string, _ map[string]any, _ string, _ any) {
		cfg.setKeys[path] = true
	})
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults)
	loadedLayer := overrideLayer(loaded, defaultLayer)
	runtimeLayer := overrideLayer(runtime, defaultLayer)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// overrideLayer keeps the fields cfg actually sets. Explicit source keys
// win; a config built on DefaultConfig sets whatever differs from the
// defaults; any other config sets its non-zero fields.
func overrideLayer(cfg Config, defaultLayer map[string]any) map[string]any {
	full := configToLayerMap(cfg)
	switch {
	case cfg.setKeys != nil:
		return filterLayer(full, "", func(path string, _ any) bool {
			return cfg.setKeys[path]
		})
	case cfg.fromDefaults:
		defaults := flattenLayer(defaultLayer)
		return filterLayer(full, "", func(path string, value any) bool {
			if text, ok := value.(string); ok && strings.TrimSpace(text) == "" {
				return false
			}
			return !reflect.DeepEqual(value, defaults[path])
		})
	default:
		return filterLayer(full, "", func(_ string, value any) bool {
			return !isZeroLayerValue(value)
		})
	}
}

// configToLayerMap renders every field of cfg as a nested map keyed like
// the config file.
func configToLayerMap(cfg Config) map[string]any {
	return map[string]any{
		"service_name": cfg.ServiceName,
		"encryption": map[string]any{
			"secret":           cfg.Encryption.Secret,
			"previous_secrets": append([]string(nil), cfg.Encryption.PreviousSecrets...),
		},
		"platforms": map[string]any{
			"facebook": map[string]any{
				"app_id":      cfg.Platforms.Facebook.AppID,
				"app_secret":  cfg.Platforms.Facebook.AppSecret,
				"api_version": cfg.Platforms.Facebook.APIVersion,
				"cache_ttl":   cfg.Platforms.Facebook.CacheTTL,
			},
			"google": map[string]any{
				"client_id":           cfg.Platforms.Google.ClientID,
				"client_secret":       cfg.Platforms.Google.ClientSecret,
				"developer_token":     cfg.Platforms.Google.DeveloperToken,
				"login_customer_id":   cfg.Platforms.Google.LoginCustomerID,
				"use_manager_account": cfg.Platforms.Google.UseManagerAccount,
				"api_version":         cfg.Platforms.Google.APIVersion,
				"cache_ttl":           cfg.Platforms.Google.CacheTTL,
			},
			"tiktok": map[string]any{
				"app_id":    cfg.Platforms.TikTok.AppID,
				"secret":    cfg.Platforms.TikTok.Secret,
				"cache_ttl": cfg.Platforms.TikTok.CacheTTL,
			},
		},
		"quotas": map[string]any{
			"free":       cfg.Quotas.Free,
			"basic":      cfg.Quotas.Basic,
			"pro":        cfg.Quotas.Pro,
			"enterprise": cfg.Quotas.Enterprise,
		},
		"retry": map[string]any{
			"max_retries":        cfg.Retry.MaxRetries,
			"base_delay":         cfg.Retry.BaseDelay,
			"backoff_multiplier": cfg.Retry.BackoffMultiplier,
			"only_transient":     cfg.Retry.OnlyTransient,
		},
		"oauth_state": map[string]any{
			"ttl":               cfg.OAuthState.TTL,
			"sweep_interval":    cfg.OAuthState.SweepInterval,
			"pending_token_ttl": cfg.OAuthState.PendingTokenTTL,
		},
		"refresh": map[string]any{
			"lead_window":             cfg.Refresh.LeadWindow,
			"lock_ttl":                cfg.Refresh.LockTTL,
			"validate_without_expiry": cfg.Refresh.ValidateWithoutExpiry,
		},
		"collect": map[string]any{
			"concurrency": cfg.Collect.Concurrency,
		},
	}
}

func filterLayer(node map[string]any, prefix string, keep func(path string, value any) bool) map[string]any {
	out := map[string]any{}
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if child, ok := value.(map[string]any); ok {
			if filtered := filterLayer(child, path, keep); len(filtered) > 0 {
				out[key] = filtered
			}
			continue
		}
		if keep(path, value) {
			out[key] = value
		}
	}
	return out
}

func flattenLayer(layer map[string]any) map[string]any {
	out := map[string]any{}
	walkLeaves(layer, "", func(path string, _ map[string]any, _ string, value any) {
		out[path] = value
	})
	return out
}

func isZeroLayerValue(value any) bool {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed) == ""
	case []string:
		return len(typed) == 0
	case nil:
		return true
	default:
		return reflect.ValueOf(value).IsZero()
	}
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}
