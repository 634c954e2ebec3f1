package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/providers"
	"github.com/goliatone/go-adsconnect/ratelimit"
	"github.com/goliatone/go-adsconnect/transport"
)

const (
	DefaultAPIVersion = "v19.0"
	DefaultGraphURL   = "https://graph.facebook.com"
	DefaultDialogURL  = "https://www.facebook.com"

	ScopeAdsRead            = "ads_read"
	ScopeAdsManagement      = "ads_management"
	ScopeBusinessManagement = "business_management"

	maxPages = 25
)

const (
	bucketDefault   = "default"
	bucketCampaigns = "campaigns"
	bucketInsights  = "insights"
)

// Graph API error codes that mean the caller is being throttled.
var throttleCodes = map[int64]struct{}{
	4: {}, 17: {}, 32: {}, 613: {}, 80000: {}, 80001: {}, 80002: {}, 80003: {},
	80004: {}, 80005: {}, 80006: {}, 80008: {}, 80009: {}, 80014: {},
}

// conversionActions are summed into MetricRow.Conversions.
var conversionActions = map[string]struct{}{
	"purchase":                             {},
	"lead":                                 {},
	"complete_registration":                {},
	"offsite_conversion":                   {},
	"offsite_conversion.fb_pixel_purchase": {},
	"offsite_conversion.fb_pixel_lead":     {},
	"omni_purchase":                        {},
}

type Config struct {
	AppID      string
	AppSecret  string
	APIVersion string
	GraphURL   string
	DialogURL  string
	Scopes     []string

	HTTPClient providers.HTTPDoer
	Transport  core.TransportAdapter
	RateLimit  core.RateLimitPolicy
}

// Client implements core.PlatformAdsClient against the Graph Marketing API.
// Facebook has no refresh tokens; the long-lived token obtained through
// fb_exchange_token is stored as the refresh token and exchanged again when
// the access token nears expiry.
type Client struct {
	cfg    Config
	tokens *providers.TokenClient
	api    *providers.APIClient
}

func DefaultConfig() Config {
	return Config{
		APIVersion: DefaultAPIVersion,
		GraphURL:   DefaultGraphURL,
		DialogURL:  DefaultDialogURL,
		Scopes:     []string{ScopeAdsRead, ScopeAdsManagement, ScopeBusinessManagement},
	}
}

func New(cfg Config) (*Client, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = defaults.APIVersion
	}
	if strings.TrimSpace(cfg.GraphURL) == "" {
		cfg.GraphURL = defaults.GraphURL
	}
	if strings.TrimSpace(cfg.DialogURL) == "" {
		cfg.DialogURL = defaults.DialogURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaults.Scopes
	}
	cfg.GraphURL = strings.TrimRight(strings.TrimSpace(cfg.GraphURL), "/")
	cfg.DialogURL = strings.TrimRight(strings.TrimSpace(cfg.DialogURL), "/")
	if strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, fmt.Errorf("facebook: app secret is required")
	}

	tokens, err := providers.NewTokenClient(providers.TokenClientConfig{
		Platform:           core.PlatformFacebook,
		AuthURL:            cfg.DialogURL + "/" + cfg.APIVersion + "/dialog/oauth",
		TokenURL:           cfg.GraphURL + "/" + cfg.APIVersion + "/oauth/access_token",
		ClientID:           cfg.AppID,
		ClientSecret:       cfg.AppSecret,
		ClientSecretInBody: true,
		DefaultScopes:      cfg.Scopes,
		ScopeSeparator:     ",",
		HTTPClient:         cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	adapter := cfg.Transport
	if adapter == nil {
		var doer transport.HTTPDoer
		if cfg.HTTPClient != nil {
			doer = cfg.HTTPClient
		}
		adapter = transport.NewRESTAdapter(doer)
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		api: &providers.APIClient{
			Platform:  core.PlatformFacebook,
			Transport: adapter,
			RateLimit: cfg.RateLimit,
			Classify:  classifyResponse,
		},
	}, nil
}

func (*Client) Platform() core.Platform { return core.PlatformFacebook }

func (c *Client) AuthorizationURL(state string, redirectURI string, scopes []string) (string, error) {
	return c.tokens.AuthorizationURL(state, redirectURI, scopes)
}

// ExchangeCode trades the authorization code for a short-lived token and
// immediately upgrades it to a long-lived one.
func (c *Client) ExchangeCode(ctx context.Context, code string, redirectURI string) (core.TokenGrant, error) {
	shortLived, err := c.tokens.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return core.TokenGrant{}, err
	}
	return c.exchangeLongLived(ctx, shortLived.AccessToken)
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return core.TokenGrant{}, fmt.Errorf("facebook: refresh token is required")
	}
	return c.exchangeLongLived(ctx, refreshToken)
}

func (c *Client) exchangeLongLived(ctx context.Context, token string) (core.TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "fb_exchange_token")
	form.Set("fb_exchange_token", strings.TrimSpace(token))
	grant, err := c.tokens.Token(ctx, "exchange_token", form)
	if err != nil {
		return core.TokenGrant{}, err
	}
	grant.RefreshToken = grant.AccessToken
	return grant, nil
}

func (c *Client) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	if strings.TrimSpace(accessToken) == "" {
		return false, nil
	}
	req := c.request(http.MethodGet, "/me", accessToken, map[string]string{"fields": "id"})
	_, err := c.api.Do(ctx, core.RateLimitKey{AccountID: "me", BucketKey: bucketDefault}, "validate_token", req)
	if err == nil {
		return true, nil
	}
	if core.IsTokenRejected(err) {
		return false, nil
	}
	return false, err
}

type campaignsResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Status    string `json:"status"`
		Objective string `json:"objective"`
	} `json:"data"`
	Paging paging `json:"paging"`
}

type paging struct {
	Next string `json:"next"`
}

func (c *Client) FetchCampaigns(ctx context.Context, cred core.Credential, accountID string) ([]core.Campaign, error) {
	account := AdAccountID(accountID)
	if account == "" {
		return nil, fmt.Errorf("facebook: account id is required")
	}
	req := c.request(http.MethodGet, "/"+account+"/campaigns", cred.AccessToken, map[string]string{
		"fields": "id,name,status,objective",
		"limit":  "100",
	})
	key := core.RateLimitKey{AccountID: account, BucketKey: bucketCampaigns}

	campaigns := []core.Campaign{}
	for page := 0; page < maxPages; page++ {
		var decoded campaignsResponse
		if err := c.api.DoJSON(ctx, key, "fetch_campaigns", req, &decoded); err != nil {
			return nil, err
		}
		for _, item := range decoded.Data {
			campaigns = append(campaigns, core.Campaign{
				ID:        item.ID,
				Name:      item.Name,
				Status:    item.Status,
				Objective: item.Objective,
			})
		}
		if decoded.Paging.Next == "" {
			break
		}
		req = core.TransportRequest{Method: http.MethodGet, URL: decoded.Paging.Next}
	}
	return campaigns, nil
}

// insightRow holds the numeric columns; id, name and breakdown columns
// depend on the level and are read from the loose decode.
type insightRow struct {
	Impressions providers.FlexNumber `json:"impressions"`
	Clicks      providers.FlexNumber `json:"clicks"`
	Spend       providers.FlexNumber `json:"spend"`
	Reach       providers.FlexNumber `json:"reach"`
	Actions     []insightAction      `json:"actions"`
}

type insightAction struct {
	ActionType string               `json:"action_type"`
	Value      providers.FlexNumber `json:"value"`
}

func (c *Client) FetchMetrics(ctx context.Context, cred core.Credential, query core.MetricsQuery) ([]core.MetricRow, error) {
	account := AdAccountID(query.AccountID)
	if account == "" {
		return nil, fmt.Errorf("facebook: account id is required")
	}
	if err := query.DateRange.Validate(); err != nil {
		return nil, err
	}
	scope := query.Scope
	if scope == "" {
		scope = core.ScopeAccount
	}
	level, idField, nameField, err := insightLevel(scope)
	if err != nil {
		return nil, err
	}

	node := account
	if objectID := strings.TrimSpace(query.ObjectID); objectID != "" && scope != core.ScopeAccount {
		node = objectID
	}
	timeRange, _ := json.Marshal(map[string]string{
		"since": query.DateRange.SinceString(),
		"until": query.DateRange.UntilString(),
	})
	fields := []string{idField, nameField, "impressions", "clicks", "spend", "reach", "actions"}
	params := map[string]string{
		"level":      level,
		"fields":     strings.Join(fields, ","),
		"time_range": string(timeRange),
		"limit":      "500",
	}
	if len(query.Breakdowns) > 0 {
		params["breakdowns"] = strings.Join(query.Breakdowns, ",")
	}
	req := c.request(http.MethodGet, "/"+node+"/insights", cred.AccessToken, params)
	key := core.RateLimitKey{AccountID: account, BucketKey: bucketInsights}

	rows := []core.MetricRow{}
	for page := 0; page < maxPages; page++ {
		var raw struct {
			Data   []json.RawMessage `json:"data"`
			Paging paging            `json:"paging"`
		}
		if err := c.api.DoJSON(ctx, key, "fetch_metrics", req, &raw); err != nil {
			return nil, err
		}
		for _, item := range raw.Data {
			row, err := decodeInsightRow(item, idField, nameField, query.Breakdowns)
			if err != nil {
				return nil, core.NewPermanentProviderError(core.PlatformFacebook, "fetch_metrics", http.StatusOK, "decode insights row", err)
			}
			rows = append(rows, row)
		}
		if raw.Paging.Next == "" {
			break
		}
		req = core.TransportRequest{Method: http.MethodGet, URL: raw.Paging.Next}
	}
	return rows, nil
}

func decodeInsightRow(data json.RawMessage, idField string, nameField string, breakdowns []string) (core.MetricRow, error) {
	var typed insightRow
	if err := json.Unmarshal(data, &typed); err != nil {
		return core.MetricRow{}, err
	}
	var loose map[string]any
	if err := json.Unmarshal(data, &loose); err != nil {
		return core.MetricRow{}, err
	}
	row := core.MetricRow{
		ObjectID:    stringField(loose, idField),
		ObjectName:  stringField(loose, nameField),
		Impressions: typed.Impressions.Int64(),
		Clicks:      typed.Clicks.Int64(),
		Spend:       typed.Spend.Float64(),
		Reach:       typed.Reach.Int64(),
	}
	for _, action := range typed.Actions {
		if _, ok := conversionActions[action.ActionType]; ok {
			row.Conversions += action.Value.Float64()
		}
	}
	if len(breakdowns) > 0 {
		row.Dimensions = map[string]string{}
		for _, breakdown := range breakdowns {
			row.Dimensions[breakdown] = stringField(loose, breakdown)
		}
	}
	return row, nil
}

func stringField(values map[string]any, key string) string {
	value, ok := values[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return fmt.Sprint(value)
}

func insightLevel(scope core.ObjectScope) (level string, idField string, nameField string, err error) {
	switch scope {
	case core.ScopeAccount:
		return "account", "account_id", "account_name", nil
	case core.ScopeCampaign:
		return "campaign", "campaign_id", "campaign_name", nil
	case core.ScopeAdSet:
		return "adset", "adset_id", "adset_name", nil
	case core.ScopeAd:
		return "ad", "ad_id", "ad_name", nil
	}
	return "", "", "", fmt.Errorf("facebook: %w: %q", core.ErrInvalidObjectScope, scope)
}

func (c *Client) request(method string, path string, accessToken string, params map[string]string) core.TransportRequest {
	query := map[string]string{"access_token": strings.TrimSpace(accessToken)}
	for key, value := range params {
		query[key] = value
	}
	return core.TransportRequest{
		Method:  method,
		URL:     c.cfg.GraphURL + "/" + c.cfg.APIVersion + path,
		Headers: map[string]string{"Accept": "application/json"},
		Query:   query,
	}
}

// AdAccountID returns the Graph node id for an ad account, adding the act_
// prefix when missing.
func AdAccountID(accountID string) string {
	trimmed := strings.TrimSpace(accountID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "act_") {
		return trimmed
	}
	return "act_" + trimmed
}

type graphErrorEnvelope struct {
	Error *struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int64  `json:"code"`
		ErrorSubcode int64  `json:"error_subcode"`
		IsTransient  bool   `json:"is_transient"`
	} `json:"error"`
}

func classifyResponse(platform core.Platform, operation string, res core.TransportResponse) (map[string]any, error) {
	if res.StatusCode >= http.StatusOK && res.StatusCode < http.StatusMultipleChoices {
		return nil, nil
	}
	var envelope graphErrorEnvelope
	if err := json.Unmarshal(res.Body, &envelope); err != nil || envelope.Error == nil {
		return providers.ClassifyHTTPStatus(platform, operation, res)
	}
	graphErr := envelope.Error
	message := fmt.Sprintf("%s (code %d)", strings.TrimSpace(graphErr.Message), graphErr.Code)
	if _, ok := throttleCodes[graphErr.Code]; ok {
		return map[string]any{ratelimit.MetaThrottled: true},
			core.NewRateLimitedError(platform, operation, res.StatusCode, message, nil)
	}
	switch {
	case graphErr.Code == 190 || graphErr.Code == 102:
		return nil, core.NewTokenRejectedError(platform, operation, message, nil)
	case graphErr.IsTransient || graphErr.Code == 1 || graphErr.Code == 2 || res.StatusCode >= http.StatusInternalServerError:
		return nil, core.NewTransientProviderError(platform, operation, res.StatusCode, message, nil)
	default:
		return nil, core.NewPermanentProviderError(platform, operation, res.StatusCode, message, nil)
	}
}

var (
	_ core.PlatformAdsClient  = (*Client)(nil)
	_ core.OAuthCodeExchanger = (*Client)(nil)
)
