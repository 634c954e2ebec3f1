package adsconnect

import "github.com/goliatone/go-adsconnect/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type Platform = core.Platform
type PlanTier = core.PlanTier
type DateRange = core.DateRange
type Connection = core.Connection
type ConnectionLimits = core.ConnectionLimits
type CreateConnectionInput = core.CreateConnectionInput
type CollectRequest = core.CollectRequest
type AccountData = core.AccountData
type BatchResult = core.BatchResult
type Campaign = core.Campaign

type ConnectionStore = core.ConnectionStore
type MetricCache = core.MetricCache
type TokenCipher = core.TokenCipher
type ConnectionLocker = core.ConnectionLocker
type PlatformAdsClient = core.PlatformAdsClient
type ClientRegistry = core.ClientRegistry

type BeginOAuthRequest = core.BeginOAuthRequest
type CompleteOAuthRequest = core.CompleteOAuthRequest
type ConnectPendingRequest = core.ConnectPendingRequest

const (
	PlatformFacebook = core.PlatformFacebook
	PlatformGoogle   = core.PlatformGoogle
	PlatformTikTok   = core.PlatformTikTok
)

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithRepositoryFactory = core.WithRepositoryFactory
	WithConnectionStore   = core.WithConnectionStore
	WithMetricCache       = core.WithMetricCache
	WithOAuthStateStore   = core.WithOAuthStateStore
	WithPendingTokenStore = core.WithPendingTokenStore
	WithConnectionLocker  = core.WithConnectionLocker
	WithClientRegistry    = core.WithClientRegistry
	WithPlatformClients   = core.WithPlatformClients
	WithClock             = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewDateRange(since, until string) (DateRange, error) {
	return core.NewDateRange(since, until)
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}
