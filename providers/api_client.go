package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/ratelimit"
)

// ResponseClassifier turns a platform response into an error and optional
// rate-limit hints. Hints are forwarded to the rate-limit policy as
// response metadata.
type ResponseClassifier func(platform core.Platform, operation string, res core.TransportResponse) (hints map[string]any, err error)

type APIClient struct {
	Platform  core.Platform
	Transport core.TransportAdapter
	RateLimit core.RateLimitPolicy
	Classify  ResponseClassifier
}

// Do runs one platform call: rate-limit check, transport, classification,
// then rate-limit bookkeeping from the response headers and hints.
func (c *APIClient) Do(ctx context.Context, key core.RateLimitKey, operation string, req core.TransportRequest) (core.TransportResponse, error) {
	if c == nil || c.Transport == nil {
		return core.TransportResponse{}, fmt.Errorf("providers: api client transport is not configured")
	}
	key.Platform = c.Platform
	if c.RateLimit != nil {
		if err := c.RateLimit.BeforeCall(ctx, key); err != nil {
			return core.TransportResponse{}, err
		}
	}

	res, err := c.Transport.Do(ctx, req)
	if err != nil {
		if core.IsTransientProviderError(err) || ctx.Err() != nil {
			return core.TransportResponse{}, err
		}
		return core.TransportResponse{}, core.NewTransientProviderError(c.Platform, operation, 0, "request failed", err)
	}

	classify := c.Classify
	if classify == nil {
		classify = ClassifyHTTPStatus
	}
	hints, classErr := classify(c.Platform, operation, res)

	if c.RateLimit != nil {
		afterErr := c.RateLimit.AfterCall(ctx, key, core.ProviderResponseMeta{
			StatusCode: res.StatusCode,
			Headers:    res.Headers,
			Metadata:   hints,
		})
		if afterErr != nil && classErr == nil {
			return res, afterErr
		}
	}
	return res, classErr
}

// DoJSON runs Do and decodes a successful body into out.
func (c *APIClient) DoJSON(ctx context.Context, key core.RateLimitKey, operation string, req core.TransportRequest, out any) error {
	res, err := c.Do(ctx, key, operation, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return core.NewPermanentProviderError(c.Platform, operation, res.StatusCode, "decode response", err)
	}
	return nil
}

// ClassifyHTTPStatus is the fallback classifier: 401 rejects the token, 429
// throttles, 408 and 5xx are transient, other non-2xx are permanent.
func ClassifyHTTPStatus(platform core.Platform, operation string, res core.TransportResponse) (map[string]any, error) {
	status := res.StatusCode
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil, nil
	}
	message := snippet(res.Body)
	switch {
	case status == http.StatusUnauthorized:
		return nil, core.NewTokenRejectedError(platform, operation, message, nil)
	case status == http.StatusTooManyRequests:
		return map[string]any{ratelimit.MetaThrottled: true}, core.NewRateLimitedError(platform, operation, status, message, nil)
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return nil, core.NewTransientProviderError(platform, operation, status, message, nil)
	default:
		return nil, core.NewPermanentProviderError(platform, operation, status, message, nil)
	}
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		return text[:256]
	}
	return text
}

// BearerHeaders returns the common headers for a bearer-authenticated JSON
// call.
func BearerHeaders(accessToken string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + strings.TrimSpace(accessToken),
		"Accept":        "application/json",
	}
}
