package googleads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/providers"
	"github.com/goliatone/go-adsconnect/ratelimit"
	"github.com/goliatone/go-adsconnect/transport"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	DefaultAPIVersion   = "v17"
	DefaultAPIURL       = "https://googleads.googleapis.com"
	DefaultTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	ScopeAdWords        = "https://www.googleapis.com/auth/adwords"

	maxPages = 25
)

const bucketSearch = "search"

type Config struct {
	ClientID       string
	ClientSecret   string
	DeveloperToken string

	// UseManagerAccount routes every call through the manager account in
	// LoginCustomerID by sending the login-customer-id header.
	UseManagerAccount bool
	LoginCustomerID   string

	APIVersion   string
	APIURL       string
	TokenInfoURL string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	HTTPClient *http.Client
	Transport  core.TransportAdapter
	RateLimit  core.RateLimitPolicy
	Now        func() time.Time
}

// Client implements core.PlatformAdsClient against the Google Ads REST
// search endpoint. OAuth runs through golang.org/x/oauth2.
type Client struct {
	cfg   Config
	oauth *oauth2.Config
	api   *providers.APIClient
}

func DefaultConfig() Config {
	return Config{
		APIVersion:   DefaultAPIVersion,
		APIURL:       DefaultAPIURL,
		TokenInfoURL: DefaultTokenInfoURL,
		AuthURL:      endpoints.Google.AuthURL,
		TokenURL:     endpoints.Google.TokenURL,
		Scopes:       []string{ScopeAdWords},
	}
}

func New(cfg Config) (*Client, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = defaults.APIVersion
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = defaults.APIURL
	}
	if strings.TrimSpace(cfg.TokenInfoURL) == "" {
		cfg.TokenInfoURL = defaults.TokenInfoURL
	}
	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = defaults.AuthURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = defaults.TokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaults.Scopes
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	cfg.LoginCustomerID = NormalizeCustomerID(cfg.LoginCustomerID)
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("googleads: client id is required")
	}
	if strings.TrimSpace(cfg.DeveloperToken) == "" {
		return nil, fmt.Errorf("googleads: developer token is required")
	}
	if cfg.UseManagerAccount && cfg.LoginCustomerID == "" {
		return nil, fmt.Errorf("googleads: login customer id is required when using a manager account")
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
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: append([]string(nil), cfg.Scopes...),
		},
		api: &providers.APIClient{
			Platform:  core.PlatformGoogle,
			Transport: adapter,
			RateLimit: cfg.RateLimit,
			Classify:  classifyResponse,
		},
	}, nil
}

func (*Client) Platform() core.Platform { return core.PlatformGoogle }

// AuthorizationURL requests offline access with a forced consent prompt so
// Google always returns a refresh token.
func (c *Client) AuthorizationURL(state string, redirectURI string, scopes []string) (string, error) {
	if strings.TrimSpace(state) == "" {
		return "", fmt.Errorf("googleads: oauth state is required")
	}
	conf := c.oauthConfig(redirectURI, scopes)
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (c *Client) ExchangeCode(ctx context.Context, code string, redirectURI string) (core.TokenGrant, error) {
	if strings.TrimSpace(code) == "" {
		return core.TokenGrant{}, fmt.Errorf("googleads: authorization code is required")
	}
	token, err := c.oauthConfig(redirectURI, nil).Exchange(c.oauthContext(ctx), strings.TrimSpace(code))
	if err != nil {
		return core.TokenGrant{}, classifyOAuthError("exchange_code", err)
	}
	return c.grantFromToken(token), nil
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return core.TokenGrant{}, fmt.Errorf("googleads: refresh token is required")
	}
	source := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: strings.TrimSpace(refreshToken)})
	token, err := source.Token()
	if err != nil {
		return core.TokenGrant{}, classifyOAuthError("refresh_token", err)
	}
	return c.grantFromToken(token), nil
}

func (c *Client) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	if strings.TrimSpace(accessToken) == "" {
		return false, nil
	}
	req := core.TransportRequest{
		Method: http.MethodGet,
		URL:    c.cfg.TokenInfoURL,
		Query:  map[string]string{"access_token": strings.TrimSpace(accessToken)},
	}
	res, err := c.api.Transport.Do(ctx, req)
	if err != nil {
		return false, core.NewTransientProviderError(core.PlatformGoogle, "validate_token", 0, "tokeninfo request failed", err)
	}
	switch {
	case res.StatusCode == http.StatusOK:
		return true, nil
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnauthorized:
		return false, nil
	default:
		_, classErr := providers.ClassifyHTTPStatus(core.PlatformGoogle, "validate_token", res)
		return false, classErr
	}
}

type searchResponse struct {
	Results       []searchRow `json:"results"`
	NextPageToken string      `json:"nextPageToken"`
}

type searchRow struct {
	Customer *struct {
		ID              providers.FlexNumber `json:"id"`
		DescriptiveName string               `json:"descriptiveName"`
	} `json:"customer"`
	Campaign *struct {
		ID                     providers.FlexNumber `json:"id"`
		Name                   string               `json:"name"`
		Status                 string               `json:"status"`
		AdvertisingChannelType string               `json:"advertisingChannelType"`
	} `json:"campaign"`
	AdGroup *struct {
		ID   providers.FlexNumber `json:"id"`
		Name string               `json:"name"`
	} `json:"adGroup"`
	AdGroupAd *struct {
		Ad struct {
			ID   providers.FlexNumber `json:"id"`
			Name string               `json:"name"`
		} `json:"ad"`
	} `json:"adGroupAd"`
	Metrics *struct {
		Impressions providers.FlexNumber `json:"impressions"`
		Clicks      providers.FlexNumber `json:"clicks"`
		CostMicros  providers.FlexNumber `json:"costMicros"`
		Conversions providers.FlexNumber `json:"conversions"`
	} `json:"metrics"`
	Segments *struct {
		Date string `json:"date"`
	} `json:"segments"`
}

const campaignQuery = "SELECT campaign.id, campaign.name, campaign.status, campaign.advertising_channel_type FROM campaign ORDER BY campaign.id"

func (c *Client) FetchCampaigns(ctx context.Context, cred core.Credential, accountID string) ([]core.Campaign, error) {
	rows, err := c.search(ctx, cred, accountID, "fetch_campaigns", campaignQuery)
	if err != nil {
		return nil, err
	}
	campaigns := make([]core.Campaign, 0, len(rows))
	for _, row := range rows {
		if row.Campaign == nil {
			continue
		}
		campaigns = append(campaigns, core.Campaign{
			ID:        formatID(row.Campaign.ID),
			Name:      row.Campaign.Name,
			Status:    row.Campaign.Status,
			Objective: row.Campaign.AdvertisingChannelType,
		})
	}
	return campaigns, nil
}

func (c *Client) FetchMetrics(ctx context.Context, cred core.Credential, query core.MetricsQuery) ([]core.MetricRow, error) {
	if err := query.DateRange.Validate(); err != nil {
		return nil, err
	}
	gaql, err := BuildMetricsQuery(query)
	if err != nil {
		return nil, err
	}
	rows, err := c.search(ctx, cred, query.AccountID, "fetch_metrics", gaql)
	if err != nil {
		return nil, err
	}
	out := make([]core.MetricRow, 0, len(rows))
	for _, row := range rows {
		metric := core.MetricRow{}
		switch {
		case row.AdGroupAd != nil:
			metric.ObjectID, metric.ObjectName = formatID(row.AdGroupAd.Ad.ID), row.AdGroupAd.Ad.Name
		case row.AdGroup != nil:
			metric.ObjectID, metric.ObjectName = formatID(row.AdGroup.ID), row.AdGroup.Name
		case row.Campaign != nil:
			metric.ObjectID, metric.ObjectName = formatID(row.Campaign.ID), row.Campaign.Name
		case row.Customer != nil:
			metric.ObjectID, metric.ObjectName = formatID(row.Customer.ID), row.Customer.DescriptiveName
		}
		if row.Metrics != nil {
			metric.Impressions = row.Metrics.Impressions.Int64()
			metric.Clicks = row.Metrics.Clicks.Int64()
			metric.Spend = row.Metrics.CostMicros.Float64() / 1e6
			metric.Conversions = row.Metrics.Conversions.Float64()
		}
		if row.Segments != nil && row.Segments.Date != "" {
			metric.Dimensions = map[string]string{"date": row.Segments.Date}
		}
		out = append(out, metric)
	}
	return out, nil
}

// BuildMetricsQuery renders the GAQL statement for a metrics query. Object
// ids are interpolated, so only numeric ids are accepted.
func BuildMetricsQuery(query core.MetricsQuery) (string, error) {
	scope := query.Scope
	if scope == "" {
		scope = core.ScopeAccount
	}
	var resource, fields, idColumn string
	switch scope {
	case core.ScopeAccount:
		resource, fields, idColumn = "customer", "customer.id, customer.descriptive_name", ""
	case core.ScopeCampaign:
		resource, fields, idColumn = "campaign", "campaign.id, campaign.name", "campaign.id"
	case core.ScopeAdSet:
		resource, fields, idColumn = "ad_group", "ad_group.id, ad_group.name", "ad_group.id"
	case core.ScopeAd:
		resource, fields, idColumn = "ad_group_ad", "ad_group_ad.ad.id, ad_group_ad.ad.name", "ad_group_ad.ad.id"
	default:
		return "", fmt.Errorf("googleads: %w: %q", core.ErrInvalidObjectScope, scope)
	}
	selected := fields + ", metrics.impressions, metrics.clicks, metrics.cost_micros, metrics.conversions"
	if hasBreakdown(query.Breakdowns, "date") {
		selected += ", segments.date"
	}
	statement := fmt.Sprintf("SELECT %s FROM %s WHERE segments.date BETWEEN '%s' AND '%s'",
		selected, resource, query.DateRange.SinceString(), query.DateRange.UntilString())

	objectID := strings.TrimSpace(query.ObjectID)
	if objectID != "" && idColumn != "" {
		if !isDigits(objectID) {
			return "", fmt.Errorf("googleads: object id %q must be numeric", objectID)
		}
		statement += fmt.Sprintf(" AND %s = %s", idColumn, objectID)
	}
	return statement, nil
}

func (c *Client) search(ctx context.Context, cred core.Credential, accountID string, operation string, gaql string) ([]searchRow, error) {
	customerID := NormalizeCustomerID(accountID)
	if customerID == "" {
		return nil, fmt.Errorf("googleads: customer id is required")
	}
	key := core.RateLimitKey{AccountID: customerID, BucketKey: bucketSearch}
	endpoint := fmt.Sprintf("%s/%s/customers/%s/googleAds:search", c.cfg.APIURL, c.cfg.APIVersion, customerID)

	rows := []searchRow{}
	pageToken := ""
	for page := 0; page < maxPages; page++ {
		body := map[string]string{"query": gaql}
		if pageToken != "" {
			body["pageToken"] = pageToken
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req := core.TransportRequest{
			Method:  http.MethodPost,
			URL:     endpoint,
			Headers: c.headers(cred.AccessToken),
			Body:    encoded,
		}
		var decoded searchResponse
		if err := c.api.DoJSON(ctx, key, operation, req, &decoded); err != nil {
			return nil, err
		}
		rows = append(rows, decoded.Results...)
		if decoded.NextPageToken == "" {
			break
		}
		pageToken = decoded.NextPageToken
	}
	return rows, nil
}

func (c *Client) headers(accessToken string) map[string]string {
	headers := providers.BearerHeaders(accessToken)
	headers["Content-Type"] = "application/json"
	headers["developer-token"] = strings.TrimSpace(c.cfg.DeveloperToken)
	if c.cfg.UseManagerAccount {
		headers["login-customer-id"] = c.cfg.LoginCustomerID
	}
	return headers
}

func (c *Client) oauthConfig(redirectURI string, scopes []string) *oauth2.Config {
	conf := *c.oauth
	conf.RedirectURL = strings.TrimSpace(redirectURI)
	if len(scopes) > 0 {
		conf.Scopes = append([]string(nil), scopes...)
	}
	return &conf
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	return ctx
}

func (c *Client) grantFromToken(token *oauth2.Token) core.TokenGrant {
	grant := core.TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    strings.ToLower(token.Type()),
	}
	if !token.Expiry.IsZero() {
		if remaining := token.Expiry.Sub(c.now()); remaining > 0 {
			grant.ExpiresIn = remaining.Round(time.Second)
		}
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		grant.Scopes = strings.Fields(scope)
	}
	return grant
}

func (c *Client) now() time.Time {
	if c.cfg.Now != nil {
		return c.cfg.Now()
	}
	return time.Now()
}

func classifyOAuthError(operation string, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		status := 0
		if retrieve.Response != nil {
			status = retrieve.Response.StatusCode
		}
		message := strings.TrimSpace(retrieve.ErrorCode + " " + retrieve.ErrorDescription)
		switch {
		case status == http.StatusTooManyRequests:
			return core.NewRateLimitedError(core.PlatformGoogle, operation, status, message, err)
		case status >= http.StatusInternalServerError:
			return core.NewTransientProviderError(core.PlatformGoogle, operation, status, message, err)
		default:
			return core.NewPermanentProviderError(core.PlatformGoogle, operation, status, message, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return core.NewTransientProviderError(core.PlatformGoogle, operation, 0, "token request failed", err)
}

type apiErrorEnvelope struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func classifyResponse(platform core.Platform, operation string, res core.TransportResponse) (map[string]any, error) {
	if res.StatusCode >= http.StatusOK && res.StatusCode < http.StatusMultipleChoices {
		return nil, nil
	}
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(res.Body, &envelope); err != nil || envelope.Error == nil {
		return providers.ClassifyHTTPStatus(platform, operation, res)
	}
	apiErr := envelope.Error
	message := strings.TrimSpace(apiErr.Status + ": " + apiErr.Message)
	switch {
	case apiErr.Status == "RESOURCE_EXHAUSTED" || res.StatusCode == http.StatusTooManyRequests:
		return map[string]any{ratelimit.MetaThrottled: true},
			core.NewRateLimitedError(platform, operation, res.StatusCode, message, nil)
	case apiErr.Status == "UNAUTHENTICATED" || res.StatusCode == http.StatusUnauthorized:
		return nil, core.NewTokenRejectedError(platform, operation, message, nil)
	case apiErr.Status == "UNAVAILABLE" || apiErr.Status == "INTERNAL" || apiErr.Status == "DEADLINE_EXCEEDED" ||
		res.StatusCode >= http.StatusInternalServerError:
		return nil, core.NewTransientProviderError(platform, operation, res.StatusCode, message, nil)
	default:
		return nil, core.NewPermanentProviderError(platform, operation, res.StatusCode, message, nil)
	}
}

// NormalizeCustomerID strips the dashes Google shows in customer ids.
func NormalizeCustomerID(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), "-", "")
}

func formatID(value providers.FlexNumber) string {
	if value == 0 {
		return ""
	}
	return fmt.Sprintf("%d", value.Int64())
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}

func hasBreakdown(breakdowns []string, name string) bool {
	for _, breakdown := range breakdowns {
		if strings.EqualFold(strings.TrimSpace(breakdown), name) {
			return true
		}
	}
	return false
}

var (
	_ core.PlatformAdsClient  = (*Client)(nil)
	_ core.OAuthCodeExchanger = (*Client)(nil)
)
