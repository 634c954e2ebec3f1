package sqlstore

import (
	"time"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/uptrace/bun"
)

// connectionRecord stores both tokens as cipher text. Rows are never hard
// deleted; Disconnect flips is_active.
type connectionRecord struct {
	bun.BaseModel `bun:"table:ad_connections,alias:ac"`

	ID           string     `bun:"id,pk"`
	UserID       string     `bun:"user_id,notnull"`
	Platform     string     `bun:"platform,notnull"`
	AccountID    string     `bun:"account_id,notnull"`
	AccountName  string     `bun:"account_name,notnull"`
	AccessToken  string     `bun:"access_token,notnull"`
	RefreshToken string     `bun:"refresh_token,notnull"`
	ExpiresAt    *time.Time `bun:"expires_at,nullzero"`
	IsActive     bool       `bun:"is_active,notnull"`
	CreatedAt    time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type userPlanRecord struct {
	bun.BaseModel `bun:"table:user_plans,alias:up"`

	UserID    string    `bun:"user_id,pk"`
	Plan      string    `bun:"plan,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type metricCacheRecord struct {
	bun.BaseModel `bun:"table:metric_cache,alias:mc"`

	ID        string             `bun:"id,pk"`
	CacheKey  string             `bun:"cache_key,notnull"`
	Platform  string             `bun:"platform,notnull"`
	AccountID string             `bun:"account_id,notnull"`
	Scope     string             `bun:"scope,notnull"`
	ObjectID  string             `bun:"object_id,notnull"`
	Payload   core.MetricPayload `bun:"payload,type:jsonb,notnull"`
	Raw       string             `bun:"raw,notnull"`
	IsStale   bool               `bun:"is_stale,notnull"`
	CreatedAt time.Time          `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ExpiresAt time.Time          `bun:"expires_at,notnull"`
}

type cacheInvalidationRecord struct {
	bun.BaseModel `bun:"table:cache_invalidations,alias:ci"`

	ID           string    `bun:"id,pk"`
	AccountID    string    `bun:"account_id,notnull"`
	Scope        string    `bun:"scope,notnull"`
	ObjectID     string    `bun:"object_id,notnull"`
	Reason       string    `bun:"reason,notnull"`
	AffectedRows int       `bun:"affected_rows,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:rate_limit_state,alias:rls"`

	ID             string         `bun:"id,pk"`
	Platform       string         `bun:"platform,notnull"`
	AccountID      string         `bun:"account_id,notnull"`
	BucketKey      string         `bun:"bucket_key,notnull"`
	Limit          int            `bun:"limit,notnull"`
	Remaining      int            `bun:"remaining,notnull"`
	ResetAt        *time.Time     `bun:"reset_at,nullzero"`
	RetryAfter     *int           `bun:"retry_after"`
	ThrottledUntil *time.Time     `bun:"throttled_until,nullzero"`
	LastStatus     int            `bun:"last_status,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
