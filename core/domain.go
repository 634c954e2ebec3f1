package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidPlatform    = errors.New("core: invalid platform")
	ErrInvalidPlanTier    = errors.New("core: invalid plan tier")
	ErrInvalidObjectScope = errors.New("core: invalid object scope")
	ErrInvalidDateRange   = errors.New("core: invalid date range")
)

// Platform identifies the ad network a connection belongs to.
type Platform string

const (
	PlatformFacebook Platform = "FACEBOOK"
	PlatformGoogle   Platform = "GOOGLE"
	PlatformTikTok   Platform = "TIKTOK"
)

func Platforms() []Platform {
	return []Platform{PlatformFacebook, PlatformGoogle, PlatformTikTok}
}

func ParsePlatform(value string) (Platform, error) {
	normalized := Platform(strings.ToUpper(strings.TrimSpace(value)))
	switch normalized {
	case PlatformFacebook, PlatformGoogle, PlatformTikTok:
		return normalized, nil
	case "META":
		return PlatformFacebook, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, value)
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformFacebook, PlatformGoogle, PlatformTikTok:
		return true
	}
	return false
}

func (p Platform) String() string {
	return string(p)
}

// PlanTier is the subscription level that governs connection quotas.
type PlanTier string

const (
	PlanFree       PlanTier = "FREE"
	PlanBasic      PlanTier = "BASIC"
	PlanPro        PlanTier = "PRO"
	PlanEnterprise PlanTier = "ENTERPRISE"
)

func ParsePlanTier(value string) (PlanTier, error) {
	normalized := PlanTier(strings.ToUpper(strings.TrimSpace(value)))
	switch normalized {
	case PlanFree, PlanBasic, PlanPro, PlanEnterprise:
		return normalized, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlanTier, value)
}

// ObjectScope is the granularity of a metrics query.
type ObjectScope string

const (
	ScopeAccount  ObjectScope = "ACCOUNT"
	ScopeCampaign ObjectScope = "CAMPAIGN"
	ScopeAdSet    ObjectScope = "ADSET"
	ScopeAd       ObjectScope = "AD"
)

func ParseObjectScope(value string) (ObjectScope, error) {
	normalized := ObjectScope(strings.ToUpper(strings.TrimSpace(value)))
	switch normalized {
	case "":
		return ScopeAccount, nil
	case ScopeAccount, ScopeCampaign, ScopeAdSet, ScopeAd:
		return normalized, nil
	case "AD_SET", "AD_GROUP", "ADGROUP":
		return ScopeAdSet, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidObjectScope, value)
}

const dateLayout = "2006-01-02"

// DateRange is an inclusive day range in the account's reporting timezone.
type DateRange struct {
	Since time.Time
	Until time.Time
}

func NewDateRange(since, until string) (DateRange, error) {
	start, err := time.Parse(dateLayout, strings.TrimSpace(since))
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: since %q", ErrInvalidDateRange, since)
	}
	end, err := time.Parse(dateLayout, strings.TrimSpace(until))
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: until %q", ErrInvalidDateRange, until)
	}
	r := DateRange{Since: start, Until: end}
	return r, r.Validate()
}

func (r DateRange) Validate() error {
	if r.Since.IsZero() || r.Until.IsZero() {
		return fmt.Errorf("%w: since and until are required", ErrInvalidDateRange)
	}
	if r.Until.Before(r.Since) {
		return fmt.Errorf("%w: until is before since", ErrInvalidDateRange)
	}
	return nil
}

func (r DateRange) SinceString() string { return r.Since.Format(dateLayout) }

func (r DateRange) UntilString() string { return r.Until.Format(dateLayout) }

func (r DateRange) String() string {
	return r.SinceString() + ".." + r.UntilString()
}

// Connection is one linked external ad account. Token fields hold
// plaintext once loaded through a ConnectionStore.
type Connection struct {
	ID           string
	UserID       string
	Platform     Platform
	AccountID    string
	AccountName  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// CredentialUnreadable is set when stored ciphertext could not be decrypted.
	CredentialUnreadable bool
}

func (c Connection) Credential() Credential {
	return Credential{
		ConnectionID: c.ID,
		Platform:     c.Platform,
		AccountID:    c.AccountID,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    cloneTime(c.ExpiresAt),
	}
}

// Credential is the decrypted material handed to platform adapters.
type Credential struct {
	ConnectionID string
	Platform     Platform
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

type CreateConnectionInput struct {
	UserID       string
	Platform     Platform
	AccountID    string
	AccountName  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

func (in CreateConnectionInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("core: user id is required")
	}
	if !in.Platform.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlatform, in.Platform)
	}
	if strings.TrimSpace(in.AccountID) == "" {
		return fmt.Errorf("core: account id is required")
	}
	if strings.TrimSpace(in.AccessToken) == "" {
		return fmt.Errorf("core: access token is required")
	}
	return nil
}

// ConnectionPatch is a partial update; nil fields are left untouched.
type ConnectionPatch struct {
	AccountName  *string
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
	ClearExpiry  bool
	IsActive     *bool
}

func (p ConnectionPatch) Empty() bool {
	return p.AccountName == nil &&
		p.AccessToken == nil &&
		p.RefreshToken == nil &&
		p.ExpiresAt == nil &&
		!p.ClearExpiry &&
		p.IsActive == nil
}

type ConnectionLimits struct {
	Current   int
	Max       int
	Profile   PlanTier
	Remaining int
}

// TokenGrant is the result of a code exchange or refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	Scopes       []string
}

func (g TokenGrant) ExpiresAt(now time.Time) *time.Time {
	if g.ExpiresIn <= 0 {
		return nil
	}
	value := now.UTC().Add(g.ExpiresIn)
	return &value
}

type Campaign struct {
	ID        string
	Name      string
	Status    string
	Objective string
	Metadata  map[string]any
}

type MetricsQuery struct {
	AccountID  string
	ObjectID   string
	Scope      ObjectScope
	DateRange  DateRange
	Breakdowns []string
}

// MetricRow is one normalized row returned by a platform adapter.
type MetricRow struct {
	ObjectID    string
	ObjectName  string
	Impressions int64
	Clicks      int64
	Spend       float64
	Reach       int64
	Conversions float64
	Dimensions  map[string]string
}

// MetricPayload is the normalized numeric shape stored in the metric cache.
type MetricPayload struct {
	Impressions       int64   `json:"impressions"`
	Clicks            int64   `json:"clicks"`
	Spend             float64 `json:"spend"`
	Reach             int64   `json:"reach"`
	Conversions       float64 `json:"conversions"`
	CTR               float64 `json:"ctr"`
	CPC               float64 `json:"cpc"`
	CPM               float64 `json:"cpm"`
	CostPerConversion float64 `json:"cost_per_conversion"`
	ConversionRate    float64 `json:"conversion_rate"`
}

type CachedMetric struct {
	ID        string
	CacheKey  string
	Platform  Platform
	AccountID string
	Scope     ObjectScope
	ObjectID  string
	Payload   MetricPayload
	Raw       json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
	IsStale   bool
}

type CachedMetricInput struct {
	CacheKey  string
	Platform  Platform
	AccountID string
	Scope     ObjectScope
	ObjectID  string
	Payload   MetricPayload
	Raw       json.RawMessage
}

// CacheScope selects cache rows for invalidation. Empty Scope or ObjectID
// widen the selection to the whole account. Platform keeps account ids that
// collide across networks apart.
type CacheScope struct {
	Platform  Platform
	AccountID string
	Scope     ObjectScope
	ObjectID  string
}

type CacheInvalidation struct {
	ID           string
	AccountID    string
	Scope        ObjectScope
	ObjectID     string
	Reason       string
	AffectedRows int
	CreatedAt    time.Time
}

// OAuthExchangeState binds an in-flight authorization request to a user.
type OAuthExchangeState struct {
	ID          string
	UserID      string
	Platform    Platform
	RedirectURI string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type CollectRequest struct {
	UserID       string
	ConnectionID string
	Platform     Platform
	DateRange    DateRange
	Scope        ObjectScope
	ObjectID     string
	Breakdowns   []string
}

type AccountData struct {
	ConnectionID string
	UserID       string
	Platform     Platform
	AccountID    string
	AccountName  string
	DateRange    DateRange
	Scope        ObjectScope
	ObjectID     string
	CacheKey     string
	Metrics      MetricPayload
	Rows         []MetricRow
	FromCache    bool
	FetchedAt    time.Time
	ExpiresAt    time.Time
}

type CollectFailure struct {
	ConnectionID string
	Code         string
	Message      string
	Err          error
}

type BatchResult struct {
	Successful []AccountData
	Failed     []CollectFailure
}

type BeginOAuthRequest struct {
	UserID      string
	Platform    Platform
	RedirectURI string
	Scopes      []string
}

type BeginOAuthResponse struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

type CompleteOAuthRequest struct {
	UserID      string
	State       string
	Code        string
	AccountID   string
	AccountName string
}

// CompleteOAuthResponse carries either the stored connection or, when no
// account was selected yet, a handle to the exchanged grant.
type CompleteOAuthResponse struct {
	Connection    *Connection
	PendingHandle string
	PendingUntil  time.Time
}

type ConnectPendingRequest struct {
	UserID        string
	PendingHandle string
	AccountID     string
	AccountName   string
}

func cloneTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := in.UTC()
	return &value
}
