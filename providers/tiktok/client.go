package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/providers"
	"github.com/goliatone/go-adsconnect/ratelimit"
	"github.com/goliatone/go-adsconnect/transport"
)

const (
	DefaultAPIURL  = "https://business-api.tiktok.com"
	DefaultAuthURL = "https://business-api.tiktok.com/portal/auth"
	apiPrefix      = "/open_api/v1.3"

	pageSize = 100
	maxPages = 25
)

const (
	bucketDefault   = "default"
	bucketCampaigns = "campaigns"
	bucketReports   = "reports"
)

// Envelope codes returned by the Marketing API with HTTP 200.
const (
	CodeOK             = 0
	CodeRateLimited    = 40100
	CodeTokenEmpty     = 40104
	CodeTokenInvalid   = 40105
	CodeTokenExpired   = 40102
	CodeInternalError  = 50000
	CodeServiceTimeout = 50002
)

// DefaultThrottleWindow is the retry hint passed to the rate-limit policy
// when TikTok reports a throttle without a Retry-After header.
const DefaultThrottleWindow = 7 * time.Second

type Config struct {
	AppID   string
	Secret  string
	APIURL  string
	AuthURL string

	HTTPClient providers.HTTPDoer
	Transport  core.TransportAdapter
	RateLimit  core.RateLimitPolicy
}

// Client implements core.PlatformAdsClient against the TikTok Marketing
// API. Errors arrive inside a JSON envelope, usually with HTTP 200.
type Client struct {
	cfg Config
	api *providers.APIClient
}

func New(cfg Config) (*Client, error) {
	cfg.AppID = strings.TrimSpace(cfg.AppID)
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if cfg.AppID == "" {
		return nil, fmt.Errorf("tiktok: app id is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("tiktok: app secret is required")
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")

	adapter := cfg.Transport
	if adapter == nil {
		var doer transport.HTTPDoer
		if cfg.HTTPClient != nil {
			doer = cfg.HTTPClient
		}
		adapter = transport.NewRESTAdapter(doer)
	}
	return &Client{
		cfg: cfg,
		api: &providers.APIClient{
			Platform:  core.PlatformTikTok,
			Transport: adapter,
			RateLimit: cfg.RateLimit,
			Classify:  classifyResponse,
		},
	}, nil
}

func (*Client) Platform() core.Platform { return core.PlatformTikTok }

// AuthorizationURL ignores scopes; TikTok grants the permissions configured
// on the app.
func (c *Client) AuthorizationURL(state string, redirectURI string, _ []string) (string, error) {
	if strings.TrimSpace(state) == "" {
		return "", fmt.Errorf("tiktok: oauth state is required")
	}
	values := url.Values{}
	values.Set("app_id", c.cfg.AppID)
	values.Set("state", strings.TrimSpace(state))
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		values.Set("redirect_uri", redirectURI)
	}
	return providers.BuildURL(c.cfg.AuthURL, values), nil
}

type tokenData struct {
	AccessToken           string   `json:"access_token"`
	RefreshToken          string   `json:"refresh_token"`
	AccessTokenExpiresIn  int64    `json:"access_token_expire_in"`
	RefreshTokenExpiresIn int64    `json:"refresh_token_expire_in"`
	Scope                 []int64  `json:"scope"`
	AdvertiserIDs         []string `json:"advertiser_ids"`
}

func (c *Client) ExchangeCode(ctx context.Context, code string, _ string) (core.TokenGrant, error) {
	if strings.TrimSpace(code) == "" {
		return core.TokenGrant{}, fmt.Errorf("tiktok: authorization code is required")
	}
	return c.token(ctx, "exchange_code", "/oauth2/access_token/", map[string]string{
		"app_id":    c.cfg.AppID,
		"secret":    c.cfg.Secret,
		"auth_code": strings.TrimSpace(code),
	})
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return core.TokenGrant{}, fmt.Errorf("tiktok: refresh token is required")
	}
	return c.token(ctx, "refresh_token", "/oauth2/refresh_token/", map[string]string{
		"app_id":        c.cfg.AppID,
		"secret":        c.cfg.Secret,
		"grant_type":    "refresh_token",
		"refresh_token": strings.TrimSpace(refreshToken),
	})
}

func (c *Client) token(ctx context.Context, operation string, path string, body map[string]string) (core.TokenGrant, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return core.TokenGrant{}, err
	}
	req := core.TransportRequest{
		Method:  http.MethodPost,
		URL:     c.cfg.APIURL + apiPrefix + path,
		Headers: map[string]string{"Content-Type": "application/json", "Accept": "application/json"},
		Body:    encoded,
	}
	var envelope struct {
		Data tokenData `json:"data"`
	}
	key := core.RateLimitKey{AccountID: c.cfg.AppID, BucketKey: "oauth"}
	if err := c.api.DoJSON(ctx, key, operation, req, &envelope); err != nil {
		if core.IsTokenRejected(err) {
			return core.TokenGrant{}, core.NewPermanentProviderError(core.PlatformTikTok, operation, http.StatusBadRequest, err.Error(), err)
		}
		return core.TokenGrant{}, err
	}
	data := envelope.Data
	if strings.TrimSpace(data.AccessToken) == "" {
		return core.TokenGrant{}, core.NewPermanentProviderError(core.PlatformTikTok, operation, http.StatusOK, "token response missing access token", nil)
	}
	grant := core.TokenGrant{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		TokenType:    "bearer",
	}
	if data.AccessTokenExpiresIn > 0 {
		grant.ExpiresIn = time.Duration(data.AccessTokenExpiresIn) * time.Second
	}
	for _, scope := range data.Scope {
		grant.Scopes = append(grant.Scopes, strconv.FormatInt(scope, 10))
	}
	return grant, nil
}

func (c *Client) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	if strings.TrimSpace(accessToken) == "" {
		return false, nil
	}
	req := c.get("/oauth2/advertiser/get/", accessToken, map[string]string{
		"app_id": c.cfg.AppID,
		"secret": c.cfg.Secret,
	})
	_, err := c.api.Do(ctx, core.RateLimitKey{AccountID: c.cfg.AppID, BucketKey: bucketDefault}, "validate_token", req)
	if err == nil {
		return true, nil
	}
	if core.IsTokenRejected(err) {
		return false, nil
	}
	return false, err
}

type pageInfo struct {
	Page      int `json:"page"`
	TotalPage int `json:"total_page"`
}

type campaignPage struct {
	Data struct {
		List []struct {
			CampaignID      string `json:"campaign_id"`
			CampaignName    string `json:"campaign_name"`
			OperationStatus string `json:"operation_status"`
			ObjectiveType   string `json:"objective_type"`
		} `json:"list"`
		PageInfo pageInfo `json:"page_info"`
	} `json:"data"`
}

func (c *Client) FetchCampaigns(ctx context.Context, cred core.Credential, accountID string) ([]core.Campaign, error) {
	advertiserID := strings.TrimSpace(accountID)
	if advertiserID == "" {
		return nil, fmt.Errorf("tiktok: advertiser id is required")
	}
	key := core.RateLimitKey{AccountID: advertiserID, BucketKey: bucketCampaigns}
	campaigns := []core.Campaign{}
	for page := 1; page <= maxPages; page++ {
		req := c.get("/campaign/get/", cred.AccessToken, map[string]string{
			"advertiser_id": advertiserID,
			"page":          strconv.Itoa(page),
			"page_size":     strconv.Itoa(pageSize),
		})
		var decoded campaignPage
		if err := c.api.DoJSON(ctx, key, "fetch_campaigns", req, &decoded); err != nil {
			return nil, err
		}
		for _, item := range decoded.Data.List {
			campaigns = append(campaigns, core.Campaign{
				ID:        item.CampaignID,
				Name:      item.CampaignName,
				Status:    item.OperationStatus,
				Objective: item.ObjectiveType,
			})
		}
		if decoded.Data.PageInfo.TotalPage <= page {
			break
		}
	}
	return campaigns, nil
}

type reportPage struct {
	Data struct {
		List []struct {
			Dimensions map[string]string `json:"dimensions"`
			Metrics    struct {
				Spend        providers.FlexNumber `json:"spend"`
				Impressions  providers.FlexNumber `json:"impressions"`
				Clicks       providers.FlexNumber `json:"clicks"`
				Reach        providers.FlexNumber `json:"reach"`
				Conversion   providers.FlexNumber `json:"conversion"`
				CampaignName string               `json:"campaign_name"`
				AdGroupName  string               `json:"adgroup_name"`
				AdName       string               `json:"ad_name"`
			} `json:"metrics"`
		} `json:"list"`
		PageInfo pageInfo `json:"page_info"`
	} `json:"data"`
}

type reportLevel struct {
	dataLevel   string
	dimension   string
	nameMetric  string
	filterField string
}

func levelFor(scope core.ObjectScope) (reportLevel, error) {
	switch scope {
	case "", core.ScopeAccount:
		return reportLevel{dataLevel: "AUCTION_ADVERTISER", dimension: "advertiser_id"}, nil
	case core.ScopeCampaign:
		return reportLevel{dataLevel: "AUCTION_CAMPAIGN", dimension: "campaign_id", nameMetric: "campaign_name", filterField: "campaign_ids"}, nil
	case core.ScopeAdSet:
		return reportLevel{dataLevel: "AUCTION_ADGROUP", dimension: "adgroup_id", nameMetric: "adgroup_name", filterField: "adgroup_ids"}, nil
	case core.ScopeAd:
		return reportLevel{dataLevel: "AUCTION_AD", dimension: "ad_id", nameMetric: "ad_name", filterField: "ad_ids"}, nil
	}
	return reportLevel{}, fmt.Errorf("tiktok: %w: %q", core.ErrInvalidObjectScope, scope)
}

func (c *Client) FetchMetrics(ctx context.Context, cred core.Credential, query core.MetricsQuery) ([]core.MetricRow, error) {
	advertiserID := strings.TrimSpace(query.AccountID)
	if advertiserID == "" {
		return nil, fmt.Errorf("tiktok: advertiser id is required")
	}
	if err := query.DateRange.Validate(); err != nil {
		return nil, err
	}
	level, err := levelFor(query.Scope)
	if err != nil {
		return nil, err
	}

	dimensions := []string{level.dimension}
	for _, breakdown := range query.Breakdowns {
		if breakdown = strings.TrimSpace(breakdown); breakdown != "" && breakdown != level.dimension {
			dimensions = append(dimensions, breakdown)
		}
	}
	metrics := []string{"spend", "impressions", "clicks", "reach", "conversion"}
	if level.nameMetric != "" {
		metrics = append(metrics, level.nameMetric)
	}
	params := map[string]string{
		"advertiser_id": advertiserID,
		"report_type":   "BASIC",
		"data_level":    level.dataLevel,
		"dimensions":    mustJSON(dimensions),
		"metrics":       mustJSON(metrics),
		"start_date":    query.DateRange.SinceString(),
		"end_date":      query.DateRange.UntilString(),
		"page_size":     strconv.Itoa(pageSize),
	}
	if objectID := strings.TrimSpace(query.ObjectID); objectID != "" && level.filterField != "" {
		params["filtering"] = mustJSON([]map[string]string{{
			"field_name":   level.filterField,
			"filter_type":  "IN",
			"filter_value": mustJSON([]string{objectID}),
		}})
	}

	key := core.RateLimitKey{AccountID: advertiserID, BucketKey: bucketReports}
	rows := []core.MetricRow{}
	for page := 1; page <= maxPages; page++ {
		params["page"] = strconv.Itoa(page)
		var decoded reportPage
		if err := c.api.DoJSON(ctx, key, "fetch_metrics", c.get("/report/integrated/get/", cred.AccessToken, params), &decoded); err != nil {
			return nil, err
		}
		for _, item := range decoded.Data.List {
			row := core.MetricRow{
				ObjectID:    item.Dimensions[level.dimension],
				Impressions: item.Metrics.Impressions.Int64(),
				Clicks:      item.Metrics.Clicks.Int64(),
				Spend:       item.Metrics.Spend.Float64(),
				Reach:       item.Metrics.Reach.Int64(),
				Conversions: item.Metrics.Conversion.Float64(),
			}
			switch level.nameMetric {
			case "campaign_name":
				row.ObjectName = item.Metrics.CampaignName
			case "adgroup_name":
				row.ObjectName = item.Metrics.AdGroupName
			case "ad_name":
				row.ObjectName = item.Metrics.AdName
			}
			if len(dimensions) > 1 {
				row.Dimensions = map[string]string{}
				for _, dimension := range dimensions[1:] {
					row.Dimensions[dimension] = item.Dimensions[dimension]
				}
			}
			rows = append(rows, row)
		}
		if decoded.Data.PageInfo.TotalPage <= page {
			break
		}
	}
	return rows, nil
}

func (c *Client) get(path string, accessToken string, params map[string]string) core.TransportRequest {
	query := make(map[string]string, len(params))
	for key, value := range params {
		query[key] = value
	}
	return core.TransportRequest{
		Method: http.MethodGet,
		URL:    c.cfg.APIURL + apiPrefix + path,
		Headers: map[string]string{
			"Access-Token": strings.TrimSpace(accessToken),
			"Accept":       "application/json",
		},
		Query: query,
	}
}

type envelope struct {
	Code      int64  `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// classifyResponse reads the envelope code. Throttle codes become a
// rate-limit hint so the policy opens a window even though HTTP said 200.
func classifyResponse(platform core.Platform, operation string, res core.TransportResponse) (map[string]any, error) {
	var env envelope
	decodeErr := json.NewDecoder(bytes.NewReader(res.Body)).Decode(&env)
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		if decodeErr != nil || env.Code == CodeOK {
			return providers.ClassifyHTTPStatus(platform, operation, res)
		}
	}
	if decodeErr != nil {
		return nil, core.NewPermanentProviderError(platform, operation, res.StatusCode, "decode response envelope", decodeErr)
	}

	message := fmt.Sprintf("%s (code %d)", strings.TrimSpace(env.Message), env.Code)
	switch env.Code {
	case CodeOK:
		return nil, nil
	case CodeRateLimited:
		hints := map[string]any{
			ratelimit.MetaThrottled:      true,
			ratelimit.MetaRetryAfterHint: DefaultThrottleWindow,
		}
		return hints, core.NewRateLimitedError(platform, operation, http.StatusTooManyRequests, message, nil)
	case CodeTokenEmpty, CodeTokenInvalid, CodeTokenExpired:
		return nil, core.NewTokenRejectedError(platform, operation, message, nil)
	case CodeInternalError, CodeServiceTimeout:
		return nil, core.NewTransientProviderError(platform, operation, http.StatusBadGateway, message, nil)
	}
	status := res.StatusCode
	if status < http.StatusBadRequest {
		status = http.StatusBadRequest
	}
	return nil, core.NewPermanentProviderError(platform, operation, status, message, nil)
}

func mustJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

var (
	_ core.PlatformAdsClient  = (*Client)(nil)
	_ core.OAuthCodeExchanger = (*Client)(nil)
)
