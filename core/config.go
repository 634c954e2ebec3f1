package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	DefaultCacheTTL          = 4 * time.Hour
	DefaultOAuthStateTTL     = 15 * time.Minute
	DefaultSweepInterval     = 5 * time.Minute
	DefaultPendingTokenTTL   = 10 * time.Minute
	DefaultRefreshLeadWindow = 5 * time.Minute
	DefaultRefreshLockTTL    = 30 * time.Second
	DefaultCollectWorkers    = 4

	// UnboundedQuota stands in for the enterprise tier.
	UnboundedQuota = math.MaxInt32
)

type EncryptionConfig struct {
	Secret          string   `koanf:"secret" mapstructure:"secret"`
	PreviousSecrets []string `koanf:"previous_secrets" mapstructure:"previous_secrets"`
}

type FacebookConfig struct {
	AppID      string        `koanf:"app_id" mapstructure:"app_id"`
	AppSecret  string        `koanf:"app_secret" mapstructure:"app_secret"`
	APIVersion string        `koanf:"api_version" mapstructure:"api_version"`
	CacheTTL   time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type GoogleConfig struct {
	ClientID          string        `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret      string        `koanf:"client_secret" mapstructure:"client_secret"`
	DeveloperToken    string        `koanf:"developer_token" mapstructure:"developer_token"`
	LoginCustomerID   string        `koanf:"login_customer_id" mapstructure:"login_customer_id"`
	UseManagerAccount bool          `koanf:"use_manager_account" mapstructure:"use_manager_account"`
	APIVersion        string        `koanf:"api_version" mapstructure:"api_version"`
	CacheTTL          time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type TikTokConfig struct {
	AppID    string        `koanf:"app_id" mapstructure:"app_id"`
	Secret   string        `koanf:"secret" mapstructure:"secret"`
	CacheTTL time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type PlatformsConfig struct {
	Facebook FacebookConfig `koanf:"facebook" mapstructure:"facebook"`
	Google   GoogleConfig   `koanf:"google" mapstructure:"google"`
	TikTok   TikTokConfig   `koanf:"tiktok" mapstructure:"tiktok"`
}

type QuotaConfig struct {
	Free       int `koanf:"free" mapstructure:"free"`
	Basic      int `koanf:"basic" mapstructure:"basic"`
	Pro        int `koanf:"pro" mapstructure:"pro"`
	Enterprise int `koanf:"enterprise" mapstructure:"enterprise"`
}

type RetryConfig struct {
	MaxRetries        int           `koanf:"max_retries" mapstructure:"max_retries"`
	BaseDelay         time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	OnlyTransient     bool          `koanf:"only_transient" mapstructure:"only_transient"`
}

type OAuthStateConfig struct {
	TTL             time.Duration `koanf:"ttl" mapstructure:"ttl"`
	SweepInterval   time.Duration `koanf:"sweep_interval" mapstructure:"sweep_interval"`
	PendingTokenTTL time.Duration `koanf:"pending_token_ttl" mapstructure:"pending_token_ttl"`
}

type RefreshConfig struct {
	LeadWindow            time.Duration `koanf:"lead_window" mapstructure:"lead_window"`
	LockTTL               time.Duration `koanf:"lock_ttl" mapstructure:"lock_ttl"`
	ValidateWithoutExpiry bool          `koanf:"validate_without_expiry" mapstructure:"validate_without_expiry"`
}

type CollectConfig struct {
	Concurrency int `koanf:"concurrency" mapstructure:"concurrency"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Encryption  EncryptionConfig `koanf:"encryption" mapstructure:"encryption"`
	Platforms   PlatformsConfig  `koanf:"platforms" mapstructure:"platforms"`
	Quotas      QuotaConfig      `koanf:"quotas" mapstructure:"quotas"`
	Retry       RetryConfig      `koanf:"retry" mapstructure:"retry"`
	OAuthState  OAuthStateConfig `koanf:"oauth_state" mapstructure:"oauth_state"`
	Refresh     RefreshConfig    `koanf:"refresh" mapstructure:"refresh"`
	Collect     CollectConfig    `koanf:"collect" mapstructure:"collect"`

	// fromDefaults marks a config built on DefaultConfig; any field that
	// differs from the default is an override, false and zero included.
	fromDefaults bool
	// setKeys holds the dotted paths a config source set explicitly.
	setKeys map[string]bool
}

// DefaultConfig returns the baseline configuration. Fields changed on the
// returned value override loaded configuration even when set to false or
// zero.
func DefaultConfig() Config {
	return Config{
		fromDefaults: true,
		ServiceName:  "adsconnect",
		Platforms: PlatformsConfig{
			Facebook: FacebookConfig{APIVersion: "v19.0", CacheTTL: DefaultCacheTTL},
			Google:   GoogleConfig{APIVersion: "v17", CacheTTL: DefaultCacheTTL},
			TikTok:   TikTokConfig{CacheTTL: DefaultCacheTTL},
		},
		Quotas: QuotaConfig{
			Free:       1,
			Basic:      3,
			Pro:        10,
			Enterprise: UnboundedQuota,
		},
		Retry: RetryConfig{
			MaxRetries:        DefaultMaxRetries,
			BaseDelay:         DefaultRetryBaseDelay,
			BackoffMultiplier: DefaultBackoffMultiplier,
			OnlyTransient:     true,
		},
		OAuthState: OAuthStateConfig{
			TTL:             DefaultOAuthStateTTL,
			SweepInterval:   DefaultSweepInterval,
			PendingTokenTTL: DefaultPendingTokenTTL,
		},
		Refresh: RefreshConfig{
			LeadWindow:            DefaultRefreshLeadWindow,
			LockTTL:               DefaultRefreshLockTTL,
			ValidateWithoutExpiry: true,
		},
		Collect: CollectConfig{Concurrency: DefaultCollectWorkers},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("core: retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("core: retry.base_delay must be >= 0")
	}
	if c.Retry.BackoffMultiplier != 0 && c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("core: retry.backoff_multiplier must be >= 1")
	}
	if c.Collect.Concurrency < 0 {
		return fmt.Errorf("core: collect.concurrency must be >= 0")
	}
	for tier, limit := range c.Quotas.Table() {
		if limit < 0 {
			return fmt.Errorf("core: quota for %s must be >= 0", tier)
		}
	}
	return nil
}

// CacheTTL returns the metric cache lifetime for a platform.
func (c Config) CacheTTL(platform Platform) time.Duration {
	var ttl time.Duration
	switch platform {
	case PlatformFacebook:
		ttl = c.Platforms.Facebook.CacheTTL
	case PlatformGoogle:
		ttl = c.Platforms.Google.CacheTTL
	case PlatformTikTok:
		ttl = c.Platforms.TikTok.CacheTTL
	}
	if ttl <= 0 {
		return DefaultCacheTTL
	}
	return ttl
}

func (c Config) RetryOptions() RetryOptions {
	options := RetryOptions{
		MaxRetries:        c.Retry.MaxRetries,
		BaseDelay:         c.Retry.BaseDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
	}
	if c.Retry.OnlyTransient {
		options.Retryable = IsRetryableError
	}
	return options
}

// QuotaTable maps a plan tier to its active connection limit per platform.
type QuotaTable map[PlanTier]int

func DefaultQuotaTable() QuotaTable {
	return DefaultConfig().Quotas.Table()
}

func (q QuotaConfig) Table() QuotaTable {
	return QuotaTable{
		PlanFree:       q.Free,
		PlanBasic:      q.Basic,
		PlanPro:        q.Pro,
		PlanEnterprise: q.Enterprise,
	}
}

// Limit returns the quota for tier; unknown tiers get zero.
func (q QuotaTable) Limit(tier PlanTier) int {
	if q == nil {
		return DefaultQuotaTable().Limit(tier)
	}
	return q[tier]
}
