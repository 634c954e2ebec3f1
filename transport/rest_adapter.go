package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	goerrors "github.com/goliatone/go-errors"
)

const KindREST = "rest"

const (
	defaultRESTClientTimeout           = 30 * time.Second
	defaultRESTResponseBodyLimit int64 = 10 << 20
	defaultUserAgent                   = "go-adsconnect"
)

// credentialParams are query parameters ad networks accept credentials in.
// Their values never leave the adapter in error metadata.
var credentialParams = map[string]bool{
	"access_token":      true,
	"refresh_token":     true,
	"client_secret":     true,
	"app_secret":        true,
	"appsecret_proof":   true,
	"fb_exchange_token": true,
	"code":              true,
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter executes ad network API calls over plain HTTP. Non-2xx
// responses are returned as is; the platform classifier decides what a
// status means.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{"User-Agent": defaultUserAgent},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
	}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

// WithDefaultHeader sets a header sent on every request unless the request
// overrides it.
func (a *RESTAdapter) WithDefaultHeader(key string, value string) *RESTAdapter {
	if a == nil || strings.TrimSpace(key) == "" {
		return a
	}
	if a.DefaultHeaders == nil {
		a.DefaultHeaders = map[string]string{}
	}
	a.DefaultHeaders[strings.TrimSpace(key)] = strings.TrimSpace(value)
	return a
}

func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, transportError(
			"transport: rest adapter requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			map[string]any{"adapter": KindREST},
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, target, err := a.newRequest(ctx, req)
	if err != nil {
		return core.TransportResponse{}, err
	}
	meta := map[string]any{"adapter": KindREST, "method": httpReq.Method, "url": redactURL(target)}

	startedAt := time.Now().UTC()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return core.TransportResponse{}, transportWrapError(
			redactError(err, target),
			goerrors.CategoryExternal,
			"transport: execute http request",
			http.StatusBadGateway,
			meta,
		)
	}
	defer httpRes.Body.Close()

	limit := resolveResponseBodyLimit(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes)
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	meta["status_code"] = httpRes.StatusCode
	if err != nil {
		return core.TransportResponse{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: read response body",
			http.StatusBadGateway,
			meta,
		)
	}
	if int64(len(body)) > limit {
		meta["response_limit_b"] = limit
		return core.TransportResponse{}, transportError(
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			meta,
		)
	}

	return core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"kind":        KindREST,
		},
	}, nil
}

// newRequest merges the request query into the URL and applies default
// headers before the request ones.
func (a *RESTAdapter) newRequest(ctx context.Context, req core.TransportRequest) (*http.Request, *url.URL, error) {
	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return nil, nil, transportError(
			"transport: invalid request url",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST},
		)
	}
	if target.String() == "" {
		return nil, nil, transportError(
			"transport: request url is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST},
		)
	}

	query := target.Query()
	for key, value := range req.Query {
		if strings.TrimSpace(key) == "" {
			continue
		}
		query.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	target.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, nil, transportError(
			"transport: create http request",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST, "method": method, "url": redactURL(target)},
		)
	}
	for _, headers := range []map[string]string{a.DefaultHeaders, req.Headers} {
		for key, value := range headers {
			if strings.TrimSpace(key) == "" {
				continue
			}
			httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}
	return httpReq, target, nil
}

// redactURL renders target with credential query values masked.
func redactURL(target *url.URL) string {
	if target == nil {
		return ""
	}
	clean := *target
	clean.User = nil
	query := clean.Query()
	for key := range query {
		if credentialParams[strings.ToLower(key)] {
			query.Set(key, "REDACTED")
		}
	}
	clean.RawQuery = query.Encode()
	return clean.String()
}

// redactError masks credentials in the URL net/http echoes in *url.Error.
func redactError(err error, target *url.URL) error {
	urlErr, ok := err.(*url.Error)
	if !ok {
		return err
	}
	return &url.Error{Op: urlErr.Op, URL: redactURL(target), Err: urlErr.Err}
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func resolveResponseBodyLimit(requestLimit int64, adapterLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if adapterLimit > 0 {
		return adapterLimit
	}
	return defaultRESTResponseBodyLimit
}

var _ core.TransportAdapter = (*RESTAdapter)(nil)
