package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// TokenCipher encrypts credential material before it is persisted.
// Decrypt reports false instead of failing on malformed input.
type TokenCipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, bool)
}

type ConnectionStore interface {
	CanAdd(ctx context.Context, userID string, platform Platform) (bool, error)
	Create(ctx context.Context, in CreateConnectionInput) (Connection, error)
	List(ctx context.Context, userID string, platform *Platform) ([]Connection, error)
	Get(ctx context.Context, userID string, connectionID string) (Connection, bool, error)
	GetByAccount(ctx context.Context, userID string, platform Platform, accountID string) (Connection, bool, error)
	Update(ctx context.Context, connectionID string, patch ConnectionPatch) (Connection, error)
	Delete(ctx context.Context, userID string, connectionID string) (bool, error)
	Limits(ctx context.Context, userID string, platform Platform) (ConnectionLimits, error)
}

// PlanResolver returns the plan tier of a user; ok is false when the user
// record does not exist.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, userID string) (plan PlanTier, ok bool, err error)
}

type MetricCache interface {
	Get(ctx context.Context, cacheKey string) (CachedMetric, bool, error)
	Put(ctx context.Context, in CachedMetricInput, ttl time.Duration) (CachedMetric, error)
	Invalidate(ctx context.Context, scope CacheScope, reason string) (int, error)
}

type InvalidationLog interface {
	Invalidations(ctx context.Context, accountID string, limit int) ([]CacheInvalidation, error)
}

// PlatformAdsClient is the only surface the orchestrator uses to talk to an
// ad network.
type PlatformAdsClient interface {
	Platform() Platform
	ValidateToken(ctx context.Context, accessToken string) (bool, error)
	RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error)
	FetchCampaigns(ctx context.Context, cred Credential, accountID string) ([]Campaign, error)
	FetchMetrics(ctx context.Context, cred Credential, query MetricsQuery) ([]MetricRow, error)
}

// OAuthCodeExchanger is implemented by clients that drive the authorization
// code flow.
type OAuthCodeExchanger interface {
	AuthorizationURL(state string, redirectURI string, scopes []string) (string, error)
	ExchangeCode(ctx context.Context, code string, redirectURI string) (TokenGrant, error)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// ConnectionLocker serializes token refreshes for one connection across
// processes.
type ConnectionLocker interface {
	Acquire(ctx context.Context, connectionID string, ttl time.Duration) (LockHandle, error)
}

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type RateLimitKey struct {
	Platform  Platform
	AccountID string
	BucketKey string
}

type ProviderResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ProviderResponseMeta) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// AdsConnectService is the surface consumed by command and query handlers.
type AdsConnectService interface {
	Connect(ctx context.Context, in CreateConnectionInput) (Connection, error)
	ListConnections(ctx context.Context, userID string, platform *Platform) ([]Connection, error)
	GetConnection(ctx context.Context, userID string, connectionID string) (Connection, error)
	Disconnect(ctx context.Context, userID string, connectionID string) error
	ConnectionLimits(ctx context.Context, userID string, platform Platform) (ConnectionLimits, error)
	ListCampaigns(ctx context.Context, userID string, connectionID string) ([]Campaign, error)
	InvalidateAccount(ctx context.Context, userID string, connectionID string, reason string) (int, error)
	Collect(ctx context.Context, req CollectRequest) (AccountData, error)
	CollectMany(ctx context.Context, userID string, connectionIDs []string, dateRange DateRange) BatchResult
	BeginOAuth(ctx context.Context, req BeginOAuthRequest) (BeginOAuthResponse, error)
	CompleteOAuth(ctx context.Context, req CompleteOAuthRequest) (CompleteOAuthResponse, error)
	ConnectPending(ctx context.Context, req ConnectPendingRequest) (Connection, error)
}
