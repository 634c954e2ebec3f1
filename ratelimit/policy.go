package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// Metadata keys platform adapters may set on ProviderResponseMeta.
const (
	MetaThrottled       = "throttled"
	MetaRetryAfterHint  = "retry_after_hint"
	MetaUsagePercent    = "usage_pct"
	DefaultUsageCeiling = 95.0
)

type State struct {
	Key            core.RateLimitKey
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
	Metadata       map[string]any
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	Platform   core.Platform
	AccountID  string
	BucketKey  string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: %s account %q bucket %q throttled for %s",
		e.Platform,
		strings.TrimSpace(e.AccountID),
		strings.TrimSpace(e.BucketKey),
		e.RetryAfter,
	)
}

// AdaptivePolicy keeps per (platform, account, bucket) throttle windows
// derived from provider responses and rejects calls while a window is open.
type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
	UsageCeiling     float64
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
		UsageCeiling:     DefaultUsageCeiling,
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key core.RateLimitKey) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = NormalizeKey(key)
	state, err := p.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return p.throttled(key, until.Sub(now))
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return p.throttled(key, state.ResetAt.Sub(now))
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.ProviderResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = NormalizeKey(key)
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Key: key}
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Metadata = cloneMap(state.Metadata)
	for k, v := range cloneMap(res.Metadata) {
		state.Metadata[k] = v
	}

	limit, hasLimit := parseHeaderInt(res.Headers, "x-ratelimit-limit")
	if hasLimit {
		state.Limit = limit
	}
	remaining, hasRemaining := parseHeaderInt(res.Headers, "x-ratelimit-remaining")
	if hasRemaining {
		state.Remaining = remaining
	}
	resetAt, hasResetAt := parseHeaderResetAt(res.Headers)
	if hasResetAt {
		state.ResetAt = &resetAt
	}

	retryAfter, hasRetryAfter := parseRetryAfter(res, now)

	usage, regain := platformUsage(key.Platform, res)
	if usage > 0 {
		state.Metadata[MetaUsagePercent] = usage
	}
	hinted := isHintedThrottle(res.Metadata) || usage >= p.usageCeiling()
	if !hasRetryAfter && regain > 0 {
		retryAfter, hasRetryAfter = regain, true
	}

	if hasRetryAfter {
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	if hinted || isThrottledResponse(res.StatusCode, state.Remaining, hasRemaining, hasResetAt, hasLimit, hasRetryAfter) {
		state.Attempts++
		delay := retryAfter
		if !hasRetryAfter {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) throttled(key core.RateLimitKey, wait time.Duration) error {
	cause := ThrottledError{Platform: key.Platform, AccountID: key.AccountID, BucketKey: key.BucketKey, RetryAfter: wait}
	return core.NewRateLimitedError(key.Platform, "rate_limit", http.StatusTooManyRequests, cause.Error(), cause)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) usageCeiling() float64 {
	if p != nil && p.UsageCeiling > 0 {
		return p.UsageCeiling
	}
	return DefaultUsageCeiling
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	if attempt <= 0 {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	return min(delay, maximum)
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

func isThrottledResponse(
	statusCode int,
	remaining int,
	hasRemaining bool,
	hasResetAt bool,
	hasLimit bool,
	hasRetryAfter bool,
) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 {
		return false
	}
	return remaining == 0 && (hasRemaining || hasResetAt || hasLimit || hasRetryAfter)
}

func isHintedThrottle(metadata map[string]any) bool {
	value, ok := metadata[MetaThrottled]
	if !ok {
		return false
	}
	flag, _ := value.(bool)
	return flag
}

func parseRetryAfter(res core.ProviderResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	if hint, ok := res.Metadata[MetaRetryAfterHint].(time.Duration); ok && hint > 0 {
		return hint, true
	}
	raw := headerValue(res.Headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

// platformUsage reads the usage headers Facebook attaches to every Graph API
// response. It returns the highest utilisation percentage seen and the
// estimated time to regain access, when present.
func platformUsage(platform core.Platform, res core.ProviderResponseMeta) (float64, time.Duration) {
	if platform != core.PlatformFacebook {
		return 0, 0
	}
	var peak float64
	var regain time.Duration

	if raw := headerValue(res.Headers, "x-app-usage"); raw != "" {
		var usage map[string]float64
		if err := json.Unmarshal([]byte(raw), &usage); err == nil {
			for _, value := range usage {
				peak = max(peak, value)
			}
		}
	}
	if raw := headerValue(res.Headers, "x-ad-account-usage"); raw != "" {
		var usage struct {
			UtilPct           float64 `json:"acc_id_util_pct"`
			ResetTimeDuration float64 `json:"reset_time_duration"`
		}
		if err := json.Unmarshal([]byte(raw), &usage); err == nil {
			peak = max(peak, usage.UtilPct)
			if usage.ResetTimeDuration > 0 {
				regain = max(regain, time.Duration(usage.ResetTimeDuration)*time.Second)
			}
		}
	}
	if raw := headerValue(res.Headers, "x-business-use-case-usage"); raw != "" {
		var usage map[string][]struct {
			CallCount    float64 `json:"call_count"`
			TotalCPUTime float64 `json:"total_cputime"`
			TotalTime    float64 `json:"total_time"`
			RegainAccess float64 `json:"estimated_time_to_regain_access"`
		}
		if err := json.Unmarshal([]byte(raw), &usage); err == nil {
			for _, entries := range usage {
				for _, entry := range entries {
					peak = max(peak, entry.CallCount, entry.TotalCPUTime, entry.TotalTime)
					if entry.RegainAccess > 0 {
						regain = max(regain, time.Duration(entry.RegainAccess)*time.Minute)
					}
				}
			}
		}
	}
	return peak, regain
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	value := headerValue(headers, "x-ratelimit-reset")
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// NormalizeKey trims the key parts and lowercases the bucket. An empty
// bucket maps to "default".
func NormalizeKey(key core.RateLimitKey) core.RateLimitKey {
	bucket := strings.TrimSpace(strings.ToLower(key.BucketKey))
	if bucket == "" {
		bucket = "default"
	}
	return core.RateLimitKey{
		Platform:  core.Platform(strings.ToUpper(strings.TrimSpace(string(key.Platform)))),
		AccountID: strings.TrimSpace(key.AccountID),
		BucketKey: bucket,
	}
}

func ValidateKey(key core.RateLimitKey) error {
	if !key.Platform.Valid() {
		return fmt.Errorf("ratelimit: %w: %q", core.ErrInvalidPlatform, key.Platform)
	}
	if strings.TrimSpace(key.AccountID) == "" {
		return fmt.Errorf("ratelimit: account id is required")
	}
	return nil
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

var _ core.RateLimitPolicy = (*AdaptivePolicy)(nil)
