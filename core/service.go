package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	connectionStore ConnectionStore
	metricCache     MetricCache
	oauthStates     OAuthStateStore
	pendingTokens   PendingTokenStore
	locker          ConnectionLocker
	registry        *ClientRegistry
	refresher       *Refresher
	sweeper         *Sweeper
	now             func() time.Time
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("adsconnect", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if builder.loggerProvider != nil {
		if named := builder.loggerProvider.GetLogger("adsconnect"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.registry == nil {
		builder.registry = NewClientRegistry()
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if storeProvider, ok := builder.repositoryFactory.(StoreProvider); ok && storeProvider != nil {
		if builder.connectionStore == nil {
			builder.connectionStore = storeProvider.ConnectionStore()
		}
		if builder.metricCache == nil {
			builder.metricCache = storeProvider.MetricCache()
		}
	}
	if builder.oauthStateStore == nil {
		builder.oauthStateStore = NewMemoryOAuthStateStore(finalConfig.OAuthState.TTL)
	}
	if builder.pendingTokens == nil {
		builder.pendingTokens = NewTemporaryTokenCache(finalConfig.OAuthState.PendingTokenTTL)
	}
	if builder.connectionLocker == nil {
		builder.connectionLocker = NewMemoryConnectionLocker()
	}

	refresher := NewRefresher(RefresherConfig{
		Store:                 builder.connectionStore,
		Registry:              builder.registry,
		Locker:                builder.connectionLocker,
		LeadWindow:            finalConfig.Refresh.LeadWindow,
		LockTTL:               finalConfig.Refresh.LockTTL,
		ValidateWithoutExpiry: finalConfig.Refresh.ValidateWithoutExpiry,
		Now:                   builder.clock,
		Logger:                logger,
	})

	sweeper := NewSweeper(finalConfig.OAuthState.SweepInterval, logger)
	sweeper.Add("oauth_states", builder.oauthStateStore)
	sweeper.Add("pending_tokens", builder.pendingTokens)

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		connectionStore: builder.connectionStore,
		metricCache:     builder.metricCache,
		oauthStates:     builder.oauthStateStore,
		pendingTokens:   builder.pendingTokens,
		locker:          builder.connectionLocker,
		registry:        builder.registry,
		refresher:       refresher,
		sweeper:         sweeper,
		now:             builder.clock,
	}, nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Logger() Logger {
	if s == nil {
		return nil
	}
	return s.logger
}

func (s *Service) Registry() *ClientRegistry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Service) Refresher() *Refresher {
	if s == nil {
		return nil
	}
	return s.refresher
}

func (s *Service) MetricCache() MetricCache {
	if s == nil {
		return nil
	}
	return s.metricCache
}

// StartSweeper schedules the periodic purge of OAuth states and pending tokens.
func (s *Service) StartSweeper() error {
	if s == nil {
		return fmt.Errorf("core: service is nil")
	}
	return s.sweeper.Start()
}

func (s *Service) StopSweeper(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.sweeper.Stop(ctx)
}

// Sweep runs one purge pass immediately.
func (s *Service) Sweep(ctx context.Context) map[string]int {
	if s == nil {
		return nil
	}
	return s.sweeper.RunOnce(ctx)
}

func (s *Service) Connect(ctx context.Context, in CreateConnectionInput) (conn Connection, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "connect", err, map[string]any{
			"user_id":       in.UserID,
			"platform":      string(in.Platform),
			"account_id":    in.AccountID,
			"connection_id": conn.ID,
		})
	}()

	if s.connectionStore == nil {
		return Connection{}, s.mapError(fmt.Errorf("core: connection store is not configured"))
	}
	if err := in.Validate(); err != nil {
		return Connection{}, s.mapError(err)
	}
	created, err := s.connectionStore.Create(ctx, in)
	if err != nil {
		return Connection{}, s.mapError(err)
	}
	return created, nil
}

func (s *Service) ListConnections(ctx context.Context, userID string, platform *Platform) (out []Connection, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"user_id": userID}
	if platform != nil {
		fields["platform"] = string(*platform)
	}
	defer func() {
		fields["count"] = len(out)
		s.observeOperation(ctx, startedAt, "list_connections", err, fields)
	}()

	if s.connectionStore == nil {
		return nil, s.mapError(fmt.Errorf("core: connection store is not configured"))
	}
	if strings.TrimSpace(userID) == "" {
		return nil, s.mapError(fmt.Errorf("core: user id is required"))
	}
	if platform != nil && !platform.Valid() {
		return nil, s.mapError(fmt.Errorf("%w: %q", ErrInvalidPlatform, *platform))
	}
	connections, err := s.connectionStore.List(ctx, userID, platform)
	if err != nil {
		return nil, s.mapError(err)
	}
	return connections, nil
}

func (s *Service) GetConnection(ctx context.Context, userID string, connectionID string) (Connection, error) {
	conn, err := s.loadActiveConnection(ctx, userID, connectionID, "")
	if err != nil {
		return Connection{}, s.mapError(err)
	}
	return conn, nil
}

// Disconnect soft deletes the connection. Cached metrics are kept.
func (s *Service) Disconnect(ctx context.Context, userID string, connectionID string) (err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "disconnect", err, map[string]any{
			"user_id":       userID,
			"connection_id": connectionID,
		})
	}()

	if s.connectionStore == nil {
		return s.mapError(fmt.Errorf("core: connection store is not configured"))
	}
	deleted, err := s.connectionStore.Delete(ctx, userID, connectionID)
	if err != nil {
		return s.mapError(err)
	}
	if !deleted {
		return s.mapError(NewNotFoundError("connection", connectionID))
	}
	return nil
}

func (s *Service) ConnectionLimits(ctx context.Context, userID string, platform Platform) (ConnectionLimits, error) {
	if s.connectionStore == nil {
		return ConnectionLimits{}, s.mapError(fmt.Errorf("core: connection store is not configured"))
	}
	if strings.TrimSpace(userID) == "" {
		return ConnectionLimits{}, s.mapError(fmt.Errorf("core: user id is required"))
	}
	if !platform.Valid() {
		return ConnectionLimits{}, s.mapError(fmt.Errorf("%w: %q", ErrInvalidPlatform, platform))
	}
	limits, err := s.connectionStore.Limits(ctx, userID, platform)
	if err != nil {
		return ConnectionLimits{}, s.mapError(err)
	}
	return limits, nil
}

func (s *Service) ListCampaigns(ctx context.Context, userID string, connectionID string) (campaigns []Campaign, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"user_id": userID, "connection_id": connectionID}
	defer func() {
		fields["count"] = len(campaigns)
		s.observeOperation(ctx, startedAt, "list_campaigns", err, fields)
	}()

	conn, err := s.loadActiveConnection(ctx, userID, connectionID, "")
	if err != nil {
		return nil, s.mapError(err)
	}
	fields["platform"] = string(conn.Platform)
	client, err := s.client(conn.Platform)
	if err != nil {
		return nil, s.mapError(err)
	}
	conn, err = s.refresher.EnsureFresh(ctx, conn)
	if err != nil {
		return nil, s.mapError(err)
	}
	out, _, err := fetchWithAuthRetry(ctx, s, conn, func(ctx context.Context, cred Credential) ([]Campaign, error) {
		return client.FetchCampaigns(ctx, cred, cred.AccountID)
	})
	if err != nil {
		return nil, s.mapError(err)
	}
	return out, nil
}

// InvalidateAccount marks every cached metric of the connection's account
// stale and returns the affected row count.
func (s *Service) InvalidateAccount(ctx context.Context, userID string, connectionID string, reason string) (affected int, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"user_id": userID, "connection_id": connectionID, "reason": reason}
	defer func() {
		fields["affected"] = affected
		s.observeOperation(ctx, startedAt, "invalidate_account", err, fields)
	}()

	conn, err := s.loadActiveConnection(ctx, userID, connectionID, "")
	if err != nil {
		return 0, s.mapError(err)
	}
	fields["platform"] = string(conn.Platform)
	affected, err = s.invalidateAccount(ctx, conn.Platform, conn.AccountID, reason)
	if err != nil {
		return 0, s.mapError(err)
	}
	return affected, nil
}

// Invalidations lists the invalidation log of a connection's account.
func (s *Service) Invalidations(ctx context.Context, userID string, connectionID string, limit int) ([]CacheInvalidation, error) {
	conn, err := s.loadActiveConnection(ctx, userID, connectionID, "")
	if err != nil {
		return nil, s.mapError(err)
	}
	log, ok := s.metricCache.(InvalidationLog)
	if !ok {
		return nil, s.mapError(fmt.Errorf("core: metric cache does not keep an invalidation log"))
	}
	entries, err := log.Invalidations(ctx, conn.AccountID, limit)
	if err != nil {
		return nil, s.mapError(err)
	}
	return entries, nil
}

func (s *Service) invalidateAccount(ctx context.Context, platform Platform, accountID string, reason string) (int, error) {
	if s.metricCache == nil {
		return 0, nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	return s.metricCache.Invalidate(ctx, CacheScope{Platform: platform, AccountID: accountID}, reason)
}

// Collect returns metrics for one connection, serving from the metric cache
// when a fresh entry exists.
func (s *Service) Collect(ctx context.Context, req CollectRequest) (data AccountData, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"user_id":       req.UserID,
		"connection_id": req.ConnectionID,
		"date_range":    req.DateRange.String(),
	}
	defer func() {
		fields["from_cache"] = data.FromCache
		s.observeOperation(ctx, startedAt, "collect", err, fields)
	}()

	data, err = s.collect(ctx, req, fields)
	if err != nil {
		return AccountData{}, s.mapError(err)
	}
	return data, nil
}

func (s *Service) collect(ctx context.Context, req CollectRequest, fields map[string]any) (AccountData, error) {
	if err := req.DateRange.Validate(); err != nil {
		return AccountData{}, err
	}
	scope, err := ParseObjectScope(string(req.Scope))
	if err != nil {
		return AccountData{}, err
	}

	conn, err := s.loadActiveConnection(ctx, req.UserID, req.ConnectionID, req.Platform)
	if err != nil {
		return AccountData{}, err
	}
	fields["platform"] = string(conn.Platform)
	fields["account_id"] = conn.AccountID

	client, err := s.client(conn.Platform)
	if err != nil {
		return AccountData{}, err
	}
	conn, err = s.refresher.EnsureFresh(ctx, conn)
	if err != nil {
		return AccountData{}, err
	}

	query := MetricsQuery{
		AccountID:  conn.AccountID,
		ObjectID:   strings.TrimSpace(req.ObjectID),
		Scope:      scope,
		DateRange:  req.DateRange,
		Breakdowns: append([]string(nil), req.Breakdowns...),
	}
	if query.ObjectID == "" && scope == ScopeAccount {
		query.ObjectID = conn.AccountID
	}
	cacheKey := MetricCacheKey(conn.Platform, query)
	data := AccountData{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Platform:     conn.Platform,
		AccountID:    conn.AccountID,
		AccountName:  conn.AccountName,
		DateRange:    req.DateRange,
		Scope:        scope,
		ObjectID:     query.ObjectID,
		CacheKey:     cacheKey,
	}

	if s.metricCache != nil {
		cached, hit, cacheErr := s.metricCache.Get(ctx, cacheKey)
		if cacheErr != nil {
			s.logWarn(ctx, "metric cache read failed", map[string]any{
				"cache_key": cacheKey,
				"error":     cacheErr.Error(),
			})
		} else if hit {
			var rows []MetricRow
			if len(cached.Raw) > 0 {
				if decodeErr := json.Unmarshal(cached.Raw, &rows); decodeErr != nil {
					s.logWarn(ctx, "metric cache entry unreadable, refetching", map[string]any{
						"cache_key": cacheKey,
						"error":     decodeErr.Error(),
					})
					hit = false
				}
			}
			if hit {
				data.Rows = rows
				data.Metrics = cached.Payload
				data.FromCache = true
				data.FetchedAt = cached.CreatedAt
				data.ExpiresAt = cached.ExpiresAt
				return data, nil
			}
		}
	}

	rows, conn, err := fetchWithAuthRetry(ctx, s, conn, func(ctx context.Context, cred Credential) ([]MetricRow, error) {
		return client.FetchMetrics(ctx, cred, query)
	})
	if err != nil {
		return AccountData{}, err
	}

	now := s.now()
	ttl := s.config.CacheTTL(conn.Platform)
	data.Rows = rows
	data.Metrics = RowsToPayload(rows)
	data.FetchedAt = now
	data.ExpiresAt = now.Add(ttl)

	if s.metricCache != nil {
		raw, marshalErr := json.Marshal(rows)
		if marshalErr != nil {
			raw = nil
		}
		stored, putErr := s.metricCache.Put(ctx, CachedMetricInput{
			CacheKey:  cacheKey,
			Platform:  conn.Platform,
			AccountID: conn.AccountID,
			Scope:     scope,
			ObjectID:  query.ObjectID,
			Payload:   data.Metrics,
			Raw:       raw,
		}, ttl)
		if putErr != nil {
			s.logWarn(ctx, "metric cache write failed", map[string]any{
				"cache_key": cacheKey,
				"error":     putErr.Error(),
			})
		} else {
			data.FetchedAt = stored.CreatedAt
			data.ExpiresAt = stored.ExpiresAt
		}
	}
	return data, nil
}

// CollectMany collects each connection independently. Failures are reported
// per connection; the batch itself never fails.
func (s *Service) CollectMany(ctx context.Context, userID string, connectionIDs []string, dateRange DateRange) BatchResult {
	startedAt := time.Now().UTC()
	successes := make([]*AccountData, len(connectionIDs))
	failures := make([]*CollectFailure, len(connectionIDs))

	limit := s.config.Collect.Concurrency
	if limit <= 0 {
		limit = DefaultCollectWorkers
	}
	var group errgroup.Group
	group.SetLimit(limit)
	for i, connectionID := range connectionIDs {
		group.Go(func() error {
			data, err := s.Collect(ctx, CollectRequest{
				UserID:       userID,
				ConnectionID: connectionID,
				DateRange:    dateRange,
			})
			if err != nil {
				failures[i] = &CollectFailure{
					ConnectionID: connectionID,
					Code:         ErrorCode(err),
					Message:      err.Error(),
					Err:          err,
				}
				return nil
			}
			successes[i] = &data
			return nil
		})
	}
	_ = group.Wait()

	result := BatchResult{
		Successful: make([]AccountData, 0, len(connectionIDs)),
		Failed:     make([]CollectFailure, 0),
	}
	for i := range connectionIDs {
		if successes[i] != nil {
			result.Successful = append(result.Successful, *successes[i])
		}
		if failures[i] != nil {
			result.Failed = append(result.Failed, *failures[i])
		}
	}

	var batchErr error
	if len(result.Failed) > 0 {
		batchErr = fmt.Errorf("core: %d of %d connections failed", len(result.Failed), len(connectionIDs))
	}
	s.observeOperation(ctx, startedAt, "collect_many", batchErr, map[string]any{
		"user_id":    userID,
		"requested":  len(connectionIDs),
		"successful": len(result.Successful),
		"failed":     len(result.Failed),
	})
	return result
}

func (s *Service) loadActiveConnection(ctx context.Context, userID string, connectionID string, platform Platform) (Connection, error) {
	if s.connectionStore == nil {
		return Connection{}, fmt.Errorf("core: connection store is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return Connection{}, fmt.Errorf("core: user id is required")
	}
	if strings.TrimSpace(connectionID) == "" {
		return Connection{}, fmt.Errorf("core: connection id is required")
	}
	conn, found, err := s.connectionStore.Get(ctx, userID, connectionID)
	if err != nil {
		return Connection{}, err
	}
	if !found || !conn.IsActive {
		return Connection{}, NewNotFoundError("connection", connectionID)
	}
	if platform != "" && conn.Platform != platform {
		return Connection{}, NewNotFoundError("connection", connectionID)
	}
	return conn, nil
}

func (s *Service) client(platform Platform) (PlatformAdsClient, error) {
	client, ok := s.registry.Get(platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformNotRegistered, platform)
	}
	return client, nil
}

// fetchWithAuthRetry runs op under the retry policy. When the platform
// rejects the token, the connection is force refreshed once and op retried.
func fetchWithAuthRetry[T any](
	ctx context.Context,
	s *Service,
	conn Connection,
	op func(ctx context.Context, cred Credential) (T, error),
) (T, Connection, error) {
	options := s.config.RetryOptions()
	options.OnRetry = func(retry int, delay time.Duration, err error) {
		s.logWarn(ctx, "platform call failed, retrying", map[string]any{
			"connection_id": conn.ID,
			"platform":      string(conn.Platform),
			"retry":         retry + 1,
			"delay_ms":      delay.Milliseconds(),
			"error":         err.Error(),
		})
	}
	call := func(current Connection) (T, error) {
		cred := current.Credential()
		return WithRetry(ctx, func(ctx context.Context) (T, error) {
			return op(ctx, cred)
		}, options)
	}

	value, err := call(conn)
	if err == nil || !IsTokenRejected(err) {
		return value, conn, err
	}

	refreshed, refreshErr := s.refresher.ForceRefresh(ctx, conn)
	if refreshErr != nil {
		var zero T
		return zero, conn, refreshErr
	}
	value, err = call(refreshed)
	if err != nil && IsTokenRejected(err) {
		var zero T
		return zero, refreshed, NewReauthenticationRequiredError(
			refreshed.Platform, refreshed.ID, "the platform rejected the refreshed access token", err,
		)
	}
	return value, refreshed, err
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
