package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memoryConnectionStore struct {
	mu     sync.Mutex
	seq    int
	byID   map[string]Connection
	plans  map[string]PlanTier
	quotas QuotaTable
}

func newMemoryConnectionStore() *memoryConnectionStore {
	return &memoryConnectionStore{
		byID:   map[string]Connection{},
		plans:  map[string]PlanTier{},
		quotas: DefaultQuotaTable(),
	}
}

func (s *memoryConnectionStore) setPlan(userID string, plan PlanTier) {
	s.mu.Lock()
	s.plans[userID] = plan
	s.mu.Unlock()
}

func (s *memoryConnectionStore) activeCount(userID string, platform Platform) int {
	count := 0
	for _, conn := range s.byID {
		if conn.UserID == userID && conn.Platform == platform && conn.IsActive {
			count++
		}
	}
	return count
}

func (s *memoryConnectionStore) CanAdd(_ context.Context, userID string, platform Platform) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[userID]
	if !ok {
		return false, nil
	}
	return s.activeCount(userID, platform) < s.quotas.Limit(plan), nil
}

func (s *memoryConnectionStore) Create(ctx context.Context, in CreateConnectionInput) (Connection, error) {
	if existing, found, _ := s.GetByAccount(ctx, in.UserID, in.Platform, in.AccountID); found {
		patch := ConnectionPatch{AccessToken: &in.AccessToken, ExpiresAt: in.ExpiresAt, ClearExpiry: in.ExpiresAt == nil}
		if in.RefreshToken != "" {
			patch.RefreshToken = &in.RefreshToken
		}
		return s.Update(ctx, existing.ID, patch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[in.UserID]
	current := s.activeCount(in.UserID, in.Platform)
	if !ok || current >= s.quotas.Limit(plan) {
		return Connection{}, &QuotaExceededError{Platform: in.Platform, Profile: plan, Current: current, Max: s.quotas.Limit(plan)}
	}
	s.seq++
	now := time.Now().UTC()
	conn := Connection{
		ID:           fmt.Sprintf("conn_%d", s.seq),
		UserID:       in.UserID,
		Platform:     in.Platform,
		AccountID:    in.AccountID,
		AccountName:  in.AccountName,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresAt:    cloneTime(in.ExpiresAt),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byID[conn.ID] = conn
	return conn, nil
}

func (s *memoryConnectionStore) put(conn Connection) Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.ID == "" {
		s.seq++
		conn.ID = fmt.Sprintf("conn_%d", s.seq)
	}
	conn.IsActive = true
	s.byID[conn.ID] = conn
	return conn
}

func (s *memoryConnectionStore) List(_ context.Context, userID string, platform *Platform) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Connection{}
	for _, conn := range s.byID {
		if conn.UserID != userID || !conn.IsActive {
			continue
		}
		if platform != nil && conn.Platform != *platform {
			continue
		}
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memoryConnectionStore) Get(_ context.Context, userID string, connectionID string) (Connection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.byID[connectionID]
	if !ok || conn.UserID != userID {
		return Connection{}, false, nil
	}
	return conn, true, nil
}

func (s *memoryConnectionStore) GetByAccount(_ context.Context, userID string, platform Platform, accountID string) (Connection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.byID {
		if conn.UserID == userID && conn.Platform == platform && conn.AccountID == accountID && conn.IsActive {
			return conn, true, nil
		}
	}
	return Connection{}, false, nil
}

func (s *memoryConnectionStore) Update(_ context.Context, connectionID string, patch ConnectionPatch) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.byID[connectionID]
	if !ok {
		return Connection{}, NewNotFoundError("connection", connectionID)
	}
	if patch.AccountName != nil {
		conn.AccountName = *patch.AccountName
	}
	if patch.AccessToken != nil {
		conn.AccessToken = *patch.AccessToken
	}
	if patch.RefreshToken != nil {
		conn.RefreshToken = *patch.RefreshToken
	}
	if patch.ExpiresAt != nil {
		conn.ExpiresAt = cloneTime(patch.ExpiresAt)
	} else if patch.ClearExpiry {
		conn.ExpiresAt = nil
	}
	if patch.IsActive != nil {
		conn.IsActive = *patch.IsActive
	}
	conn.UpdatedAt = time.Now().UTC()
	s.byID[connectionID] = conn
	return conn, nil
}

func (s *memoryConnectionStore) Delete(_ context.Context, userID string, connectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.byID[connectionID]
	if !ok || conn.UserID != userID || !conn.IsActive {
		return false, nil
	}
	conn.IsActive = false
	s.byID[connectionID] = conn
	return true, nil
}

func (s *memoryConnectionStore) Limits(_ context.Context, userID string, platform Platform) (ConnectionLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan := s.plans[userID]
	limit := s.quotas.Limit(plan)
	current := s.activeCount(userID, platform)
	return ConnectionLimits{Current: current, Max: limit, Profile: plan, Remaining: max(limit-current, 0)}, nil
}

type memoryMetricCache struct {
	mu            sync.Mutex
	entries       map[string]CachedMetric
	invalidations []CacheInvalidation
	puts          int
}

func newMemoryMetricCache() *memoryMetricCache {
	return &memoryMetricCache{entries: map[string]CachedMetric{}}
}

func (c *memoryMetricCache) Get(_ context.Context, cacheKey string) (CachedMetric, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey]
	if !ok || entry.IsStale || !time.Now().UTC().Before(entry.ExpiresAt) {
		return CachedMetric{}, false, nil
	}
	return entry, true, nil
}

func (c *memoryMetricCache) Put(_ context.Context, in CachedMetricInput, ttl time.Duration) (CachedMetric, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	entry := CachedMetric{
		ID:        in.CacheKey,
		CacheKey:  in.CacheKey,
		Platform:  in.Platform,
		AccountID: in.AccountID,
		Scope:     in.Scope,
		ObjectID:  in.ObjectID,
		Payload:   in.Payload,
		Raw:       in.Raw,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	c.entries[in.CacheKey] = entry
	c.puts++
	return entry, nil
}

func (c *memoryMetricCache) Invalidate(_ context.Context, scope CacheScope, reason string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	affected := 0
	for key, entry := range c.entries {
		if entry.AccountID != scope.AccountID || entry.IsStale {
			continue
		}
		if scope.Platform != "" && entry.Platform != scope.Platform {
			continue
		}
		entry.IsStale = true
		c.entries[key] = entry
		affected++
	}
	c.invalidations = append(c.invalidations, CacheInvalidation{
		AccountID:    scope.AccountID,
		Reason:       reason,
		AffectedRows: affected,
		CreatedAt:    time.Now().UTC(),
	})
	return affected, nil
}

func (c *memoryMetricCache) Invalidations(_ context.Context, accountID string, limit int) ([]CacheInvalidation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []CacheInvalidation{}
	for i := len(c.invalidations) - 1; i >= 0; i-- {
		if c.invalidations[i].AccountID == accountID {
			out = append(out, c.invalidations[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeAdsClient scripts platform responses per call.
type fakeAdsClient struct {
	platform Platform

	mu             sync.Mutex
	validateFn     func(accessToken string) (bool, error)
	refreshFn      func(refreshToken string) (TokenGrant, error)
	metricsFn      func(cred Credential, query MetricsQuery) ([]MetricRow, error)
	campaignsFn    func(cred Credential) ([]Campaign, error)
	exchangeFn     func(code string, redirectURI string) (TokenGrant, error)
	refreshCalls   atomic.Int32
	metricsCalls   atomic.Int32
	validateCalls  atomic.Int32
	exchangeCalls  atomic.Int32
	seenCredential []Credential
}

func newFakeAdsClient(platform Platform) *fakeAdsClient {
	return &fakeAdsClient{platform: platform}
}

func (c *fakeAdsClient) Platform() Platform { return c.platform }

func (c *fakeAdsClient) ValidateToken(_ context.Context, accessToken string) (bool, error) {
	c.validateCalls.Add(1)
	if c.validateFn != nil {
		return c.validateFn(accessToken)
	}
	return true, nil
}

func (c *fakeAdsClient) RefreshToken(_ context.Context, refreshToken string) (TokenGrant, error) {
	c.refreshCalls.Add(1)
	if c.refreshFn != nil {
		return c.refreshFn(refreshToken)
	}
	return TokenGrant{AccessToken: "refreshed-" + refreshToken, ExpiresIn: time.Hour}, nil
}

func (c *fakeAdsClient) FetchCampaigns(_ context.Context, cred Credential, _ string) ([]Campaign, error) {
	if c.campaignsFn != nil {
		return c.campaignsFn(cred)
	}
	return []Campaign{{ID: "cmp_1", Name: "Spring", Status: "ACTIVE"}}, nil
}

func (c *fakeAdsClient) FetchMetrics(_ context.Context, cred Credential, query MetricsQuery) ([]MetricRow, error) {
	c.metricsCalls.Add(1)
	c.mu.Lock()
	c.seenCredential = append(c.seenCredential, cred)
	c.mu.Unlock()
	if c.metricsFn != nil {
		return c.metricsFn(cred, query)
	}
	return []MetricRow{{ObjectID: query.ObjectID, Impressions: 1000, Clicks: 50, Spend: 25}}, nil
}

func (c *fakeAdsClient) AuthorizationURL(state string, redirectURI string, scopes []string) (string, error) {
	return "https://auth.example.test/authorize?state=" + state + "&redirect_uri=" + redirectURI + "&scope=" + strings.Join(scopes, ","), nil
}

func (c *fakeAdsClient) ExchangeCode(_ context.Context, code string, redirectURI string) (TokenGrant, error) {
	c.exchangeCalls.Add(1)
	if c.exchangeFn != nil {
		return c.exchangeFn(code, redirectURI)
	}
	return TokenGrant{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresIn: time.Hour}, nil
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type testHarness struct {
	service *Service
	store   *memoryConnectionStore
	cache   *memoryMetricCache
	clients map[Platform]*fakeAdsClient
}

func newTestHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()
	store := newMemoryConnectionStore()
	cache := newMemoryMetricCache()
	clients := map[Platform]*fakeAdsClient{}
	registered := []PlatformAdsClient{}
	for _, platform := range Platforms() {
		client := newFakeAdsClient(platform)
		clients[platform] = client
		registered = append(registered, client)
	}

	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond

	options := []Option{
		WithLogger(stubLogger{}),
		WithLoggerProvider(stubLoggerProvider{logger: stubLogger{}}),
		WithConnectionStore(store),
		WithMetricCache(cache),
		WithPlatformClients(registered...),
	}
	options = append(options, opts...)
	svc, err := NewService(cfg, options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testHarness{service: svc, store: store, cache: cache, clients: clients}
}

func mustDateRange(t *testing.T, since, until string) DateRange {
	t.Helper()
	r, err := NewDateRange(since, until)
	if err != nil {
		t.Fatalf("date range: %v", err)
	}
	return r
}

func timePtr(value time.Time) *time.Time {
	return &value
}
