package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	maxTokenResponseBodyBytes  = 1 << 20 // 1 MiB
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type TokenClientConfig struct {
	Platform            core.Platform
	AuthURL             string
	TokenURL            string
	ClientID            string
	ClientSecret        string
	ClientSecretInBody  bool
	DefaultScopes       []string
	ScopeSeparator      string
	AuthParams          map[string]string
	TokenRequestTimeout time.Duration
	HTTPClient          HTTPDoer
}

// TokenClient talks to a form-encoded OAuth2 token endpoint and builds
// authorization URLs. Failures are classified as core provider errors.
type TokenClient struct {
	cfg        TokenClientConfig
	httpClient HTTPDoer
}

type tokenEndpointPayload struct {
	AccessToken      string
	TokenType        string
	RefreshToken     string
	Scope            string
	ExpiresIn        int64
	ErrorCode        string
	ErrorDescription string
}

func NewTokenClient(cfg TokenClientConfig) (*TokenClient, error) {
	if !cfg.Platform.Valid() {
		return nil, fmt.Errorf("providers: %w: %q", core.ErrInvalidPlatform, cfg.Platform)
	}
	cfg.AuthURL = strings.TrimSpace(cfg.AuthURL)
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("providers: token url is required for %s", cfg.Platform)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("providers: client id is required for %s", cfg.Platform)
	}
	if cfg.ScopeSeparator == "" {
		cfg.ScopeSeparator = " "
	}
	cfg.DefaultScopes = normalizeScopes(cfg.DefaultScopes)
	if cfg.TokenRequestTimeout <= 0 {
		cfg.TokenRequestTimeout = defaultTokenRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.TokenRequestTimeout}
	}
	return &TokenClient{cfg: cfg, httpClient: httpClient}, nil
}

func (c *TokenClient) Platform() core.Platform {
	if c == nil {
		return ""
	}
	return c.cfg.Platform
}

func (c *TokenClient) AuthorizationURL(state string, redirectURI string, scopes []string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("providers: token client is nil")
	}
	if c.cfg.AuthURL == "" {
		return "", fmt.Errorf("providers: auth url is required for %s", c.cfg.Platform)
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return "", fmt.Errorf("providers: oauth state is required")
	}
	requested := normalizeScopes(scopes)
	if len(requested) == 0 {
		requested = append([]string(nil), c.cfg.DefaultScopes...)
	}

	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", c.cfg.ClientID)
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		values.Set("redirect_uri", redirectURI)
	}
	if len(requested) > 0 {
		values.Set("scope", strings.Join(requested, c.cfg.ScopeSeparator))
	}
	values.Set("state", state)
	for key, value := range c.cfg.AuthParams {
		if strings.TrimSpace(key) == "" {
			continue
		}
		values.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return BuildURL(c.cfg.AuthURL, values), nil
}

func (c *TokenClient) ExchangeCode(ctx context.Context, code string, redirectURI string) (core.TokenGrant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return core.TokenGrant{}, fmt.Errorf("providers: authorization code is required")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	return c.Token(ctx, "exchange_code", form)
}

func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return core.TokenGrant{}, fmt.Errorf("providers: refresh token is required")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.Token(ctx, "refresh_token", form)
}

// Token posts form to the token endpoint with client credentials attached.
// Grant types other than authorization_code and refresh_token go through
// here, e.g. fb_exchange_token.
func (c *TokenClient) Token(ctx context.Context, operation string, form url.Values) (core.TokenGrant, error) {
	payload, err := c.fetchToken(ctx, operation, form)
	if err != nil {
		return core.TokenGrant{}, err
	}
	grant := core.TokenGrant{
		AccessToken:  strings.TrimSpace(payload.AccessToken),
		RefreshToken: strings.TrimSpace(payload.RefreshToken),
		TokenType:    normalizeTokenType(payload.TokenType),
		Scopes:       parseScopeList(payload.Scope),
	}
	if payload.ExpiresIn > 0 {
		grant.ExpiresIn = time.Duration(payload.ExpiresIn) * time.Second
	}
	return grant, nil
}

func (c *TokenClient) fetchToken(ctx context.Context, operation string, form url.Values) (tokenEndpointPayload, error) {
	if c == nil || c.httpClient == nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	platform := c.cfg.Platform

	values := url.Values{}
	for key, items := range form {
		if strings.TrimSpace(key) == "" {
			continue
		}
		for _, item := range items {
			values.Add(key, strings.TrimSpace(item))
		}
	}
	values.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecretInBody && c.cfg.ClientSecret != "" {
		values.Set("client_secret", c.cfg.ClientSecret)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.TokenRequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if !c.cfg.ClientSecretInBody && c.cfg.ClientSecret != "" {
		httpReq.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	response, err := c.httpClient.Do(httpReq)
	if err != nil {
		return tokenEndpointPayload{}, core.NewTransientProviderError(platform, operation, 0, "token request failed", err)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxTokenResponseBodyBytes+1))
	if readErr != nil {
		return tokenEndpointPayload{}, core.NewTransientProviderError(platform, operation, response.StatusCode, "read token response", readErr)
	}
	if int64(len(body)) > maxTokenResponseBodyBytes {
		return tokenEndpointPayload{}, core.NewPermanentProviderError(
			platform, operation, response.StatusCode,
			fmt.Sprintf("token response exceeds %d bytes", maxTokenResponseBodyBytes), nil,
		)
	}

	payload, parseErr := parseTokenPayload(body, response.Header.Get("Content-Type"))
	status := response.StatusCode
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		message := "token endpoint error"
		if parseErr == nil {
			message = describeTokenError(payload)
		}
		switch {
		case status == http.StatusTooManyRequests:
			return tokenEndpointPayload{}, core.NewRateLimitedError(platform, operation, status, message, nil)
		case status >= http.StatusInternalServerError:
			return tokenEndpointPayload{}, core.NewTransientProviderError(platform, operation, status, message, nil)
		default:
			return tokenEndpointPayload{}, core.NewPermanentProviderError(platform, operation, status, message, nil)
		}
	}
	if parseErr != nil {
		return tokenEndpointPayload{}, core.NewPermanentProviderError(platform, operation, status, "decode token response", parseErr)
	}
	if payload.ErrorCode != "" {
		return tokenEndpointPayload{}, core.NewPermanentProviderError(platform, operation, status, describeTokenError(payload), nil)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return tokenEndpointPayload{}, core.NewPermanentProviderError(platform, operation, status, "token response missing access token", nil)
	}
	return payload, nil
}

func describeTokenError(payload tokenEndpointPayload) string {
	if strings.TrimSpace(payload.ErrorDescription) != "" {
		return strings.TrimSpace(payload.ErrorDescription)
	}
	if strings.TrimSpace(payload.ErrorCode) != "" {
		return strings.TrimSpace(payload.ErrorCode)
	}
	return "unknown error"
}

func parseTokenPayload(body []byte, contentType string) (tokenEndpointPayload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "json") {
		return parseTokenPayloadJSON(body)
	}
	if strings.Contains(contentType, "x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		return parseTokenPayloadForm(body)
	}
	if payload, err := parseTokenPayloadJSON(body); err == nil {
		return payload, nil
	}
	return parseTokenPayloadForm(body)
}

func parseTokenPayloadJSON(body []byte) (tokenEndpointPayload, error) {
	if strings.TrimSpace(string(body)) == "" {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tokenEndpointPayload{}, err
	}
	payload := tokenEndpointPayload{
		AccessToken:      readAnyString(decoded["access_token"]),
		TokenType:        readAnyString(decoded["token_type"]),
		RefreshToken:     readAnyString(decoded["refresh_token"]),
		Scope:            readAnyString(decoded["scope"]),
		ExpiresIn:        ParseInt64(decoded["expires_in"]),
		ErrorCode:        readAnyString(decoded["error"]),
		ErrorDescription: readAnyString(decoded["error_description"]),
	}
	// Graph API errors arrive as {"error":{"message":...}}.
	if nested, ok := decoded["error"].(map[string]any); ok {
		payload.ErrorCode = readAnyString(nested["type"])
		if payload.ErrorCode == "" {
			payload.ErrorCode = "error"
		}
		payload.ErrorDescription = readAnyString(nested["message"])
	}
	return payload, nil
}

func parseTokenPayloadForm(body []byte) (tokenEndpointPayload, error) {
	if strings.TrimSpace(string(body)) == "" {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return tokenEndpointPayload{
		AccessToken:      strings.TrimSpace(values.Get("access_token")),
		TokenType:        strings.TrimSpace(values.Get("token_type")),
		RefreshToken:     strings.TrimSpace(values.Get("refresh_token")),
		Scope:            strings.TrimSpace(values.Get("scope")),
		ExpiresIn:        expiresIn,
		ErrorCode:        strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}, nil
}

func normalizeTokenType(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "bearer"
	}
	return normalized
}

func parseScopeList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(trimmed, ",", " "))
}

func normalizeScopes(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	values := make([]string, 0, len(input))
	seen := map[string]struct{}{}
	for _, value := range input {
		normalized := strings.TrimSpace(value)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		values = append(values, normalized)
	}
	return values
}

// BuildURL appends values to base, keeping any query base already carries.
func BuildURL(base string, values url.Values) string {
	if len(values) == 0 {
		return base
	}
	if strings.Contains(base, "?") {
		return base + "&" + values.Encode()
	}
	return base + "?" + values.Encode()
}
