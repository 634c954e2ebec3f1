package devkit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-adsconnect/core"
)

// FakePlatformClient is an in-memory core.PlatformAdsClient and
// core.OAuthCodeExchanger for wiring tests. Errors set on the struct are
// returned from the matching call; rows and campaigns are returned as-is.
type FakePlatformClient struct {
	PlatformValue core.Platform

	Campaigns []core.Campaign
	Rows      []core.MetricRow
	Grant     core.TokenGrant

	ValidTokens  map[string]bool
	FetchErr     error
	RefreshErr   error
	ExchangeErr  error
	RefreshGrant func(refreshToken string) core.TokenGrant

	mu            sync.Mutex
	refreshCalls  int
	fetchCalls    int
	exchangeCalls int
	lastQuery     core.MetricsQuery
}

func NewFakePlatformClient(platform core.Platform) *FakePlatformClient {
	return &FakePlatformClient{
		PlatformValue: platform,
		ValidTokens:   map[string]bool{},
		Grant: core.TokenGrant{
			AccessToken:  "fake-access",
			RefreshToken: "fake-refresh",
			ExpiresIn:    time.Hour,
		},
	}
}

func (c *FakePlatformClient) Platform() core.Platform { return c.PlatformValue }

func (c *FakePlatformClient) ValidateToken(_ context.Context, accessToken string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	valid, ok := c.ValidTokens[accessToken]
	if !ok {
		return strings.TrimSpace(accessToken) != "", nil
	}
	return valid, nil
}

func (c *FakePlatformClient) RefreshToken(_ context.Context, refreshToken string) (core.TokenGrant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshCalls++
	if c.RefreshErr != nil {
		return core.TokenGrant{}, c.RefreshErr
	}
	if c.RefreshGrant != nil {
		return c.RefreshGrant(refreshToken), nil
	}
	grant := c.Grant
	grant.AccessToken = fmt.Sprintf("%s-%d", c.Grant.AccessToken, c.refreshCalls)
	return grant, nil
}

func (c *FakePlatformClient) FetchCampaigns(_ context.Context, _ core.Credential, _ string) ([]core.Campaign, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls++
	if c.FetchErr != nil {
		return nil, c.FetchErr
	}
	return append([]core.Campaign(nil), c.Campaigns...), nil
}

func (c *FakePlatformClient) FetchMetrics(_ context.Context, _ core.Credential, query core.MetricsQuery) ([]core.MetricRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls++
	c.lastQuery = query
	if c.FetchErr != nil {
		return nil, c.FetchErr
	}
	return append([]core.MetricRow(nil), c.Rows...), nil
}

func (c *FakePlatformClient) AuthorizationURL(state string, redirectURI string, scopes []string) (string, error) {
	values := url.Values{}
	values.Set("state", state)
	values.Set("redirect_uri", redirectURI)
	if len(scopes) > 0 {
		values.Set("scope", strings.Join(scopes, " "))
	}
	return "https://auth.example.test/" + strings.ToLower(string(c.PlatformValue)) + "?" + values.Encode(), nil
}

func (c *FakePlatformClient) ExchangeCode(_ context.Context, code string, _ string) (core.TokenGrant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchangeCalls++
	if c.ExchangeErr != nil {
		return core.TokenGrant{}, c.ExchangeErr
	}
	if strings.TrimSpace(code) == "" {
		return core.TokenGrant{}, fmt.Errorf("devkit: authorization code is required")
	}
	return c.Grant, nil
}

func (c *FakePlatformClient) RefreshCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshCalls
}

func (c *FakePlatformClient) FetchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchCalls
}

func (c *FakePlatformClient) ExchangeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeCalls
}

func (c *FakePlatformClient) LastQuery() core.MetricsQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuery
}

var (
	_ core.PlatformAdsClient  = (*FakePlatformClient)(nil)
	_ core.OAuthCodeExchanger = (*FakePlatformClient)(nil)
)
