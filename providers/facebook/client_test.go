package facebook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/ratelimit"
)

type graphServer struct {
	*httptest.Server
	mu    sync.Mutex
	forms []url.Values
}

func newGraphServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *graphServer {
	t.Helper()
	server := &graphServer{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			server.mu.Lock()
			server.forms = append(server.forms, r.PostForm)
			server.mu.Unlock()
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, server *graphServer, policy core.RateLimitPolicy) *Client {
	t.Helper()
	client, err := New(Config{
		AppID:      "app-1",
		AppSecret:  "app-secret",
		GraphURL:   server.URL,
		DialogURL:  "https://www.facebook.test",
		HTTPClient: server.Client(),
		RateLimit:  policy,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestClient_AuthorizationURL(t *testing.T) {
	server := newGraphServer(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	client := newTestClient(t, server, nil)

	raw, err := client.AuthorizationURL("state-1", "https://app.example.test/cb", nil)
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Host != "www.facebook.test" || parsed.Path != "/v19.0/dialog/oauth" {
		t.Fatalf("unexpected dialog url %q", raw)
	}
	query := parsed.Query()
	if query.Get("client_id") != "app-1" || query.Get("state") != "state-1" {
		t.Fatalf("unexpected query %v", query)
	}
	if query.Get("scope") != "ads_read,ads_management,business_management" {
		t.Fatalf("expected comma separated scopes, got %q", query.Get("scope"))
	}
}

func TestClient_ExchangeCodeUpgradesToLongLivedToken(t *testing.T) {
	server := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/oauth/access_token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "short", "token_type": "bearer", "expires_in": 3600})
		case "fb_exchange_token":
			if r.PostForm.Get("fb_exchange_token") != "short" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "bad token", "type": "OAuthException", "code": 190}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "long", "token_type": "bearer", "expires_in": 5184000})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	client := newTestClient(t, server, nil)

	grant, err := client.ExchangeCode(context.Background(), "code-1", "https://app.example.test/cb")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if grant.AccessToken != "long" || grant.RefreshToken != "long" {
		t.Fatalf("expected long-lived token in both fields, got %+v", grant)
	}
	if grant.ExpiresIn != 60*24*time.Hour {
		t.Fatalf("expected 60 day expiry, got %v", grant.ExpiresIn)
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.forms) != 2 || server.forms[0].Get("client_secret") != "app-secret" || server.forms[1].Get("client_id") != "app-1" {
		t.Fatalf("expected client credentials in both token calls, got %+v", server.forms)
	}
}

func TestClient_RefreshRejectedTokenIsPermanent(t *testing.T) {
	server := newGraphServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "Session has expired", "type": "OAuthException", "code": 190}})
	})
	client := newTestClient(t, server, nil)

	_, err := client.RefreshToken(context.Background(), "long")
	if err == nil {
		t.Fatalf("expected refresh error")
	}
	if !core.IsPermanentProviderError(err) || core.IsRetryableError(err) {
		t.Fatalf("expected permanent non-retryable error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Session has expired") {
		t.Fatalf("expected graph message in error, got %v", err)
	}
}

func TestClient_FetchMetricsFollowsPagingAndSumsConversions(t *testing.T) {
	var server *graphServer
	server = newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v19.0/act_123/insights":
			query := r.URL.Query()
			if query.Get("level") != "campaign" || query.Get("access_token") != "token" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if query.Get("time_range") != `{"since":"2024-01-01","until":"2024-01-31"}` {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{{
					"campaign_id": "c1", "campaign_name": "Spring", "impressions": "1000", "clicks": "50",
					"spend": "12.50", "reach": "800",
					"actions": []map[string]any{
						{"action_type": "purchase", "value": "3"},
						{"action_type": "link_click", "value": "50"},
					},
				}},
				"paging": map[string]any{"next": server.URL + "/v19.0/act_123/insights/page2"},
			})
		case "/v19.0/act_123/insights/page2":
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{{"campaign_id": "c2", "campaign_name": "Summer", "impressions": 10, "clicks": 1, "spend": 0.5}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	client := newTestClient(t, server, nil)

	dateRange, err := core.NewDateRange("2024-01-01", "2024-01-31")
	if err != nil {
		t.Fatalf("date range: %v", err)
	}
	rows, err := client.FetchMetrics(context.Background(), core.Credential{AccessToken: "token"}, core.MetricsQuery{
		AccountID: "123", Scope: core.ScopeCampaign, DateRange: dateRange,
	})
	if err != nil {
		t.Fatalf("fetch metrics: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two rows across pages, got %+v", rows)
	}
	first := rows[0]
	if first.ObjectID != "c1" || first.ObjectName != "Spring" || first.Impressions != 1000 || first.Clicks != 50 {
		t.Fatalf("unexpected first row: %+v", first)
	}
	if first.Spend != 12.5 || first.Reach != 800 || first.Conversions != 3 {
		t.Fatalf("unexpected first row numbers: %+v", first)
	}
	if rows[1].ObjectID != "c2" || rows[1].Impressions != 10 {
		t.Fatalf("unexpected second row: %+v", rows[1])
	}
}

func TestClient_ThrottleCodeOpensRateLimitWindow(t *testing.T) {
	var calls atomic.Int32
	server := newGraphServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "User request limit reached", "code": 17}})
	})
	policy := ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())
	client := newTestClient(t, server, policy)

	_, err := client.FetchCampaigns(context.Background(), core.Credential{AccessToken: "token"}, "act_9")
	if err == nil || !core.IsRetryableError(err) || core.ErrorCode(err) != core.ServiceErrorRateLimited {
		t.Fatalf("expected retryable rate limit error, got %v", err)
	}
	_, err = client.FetchCampaigns(context.Background(), core.Credential{AccessToken: "token"}, "act_9")
	if err == nil {
		t.Fatalf("expected policy to block the second call")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected blocked call not to reach the platform, got %d calls", calls.Load())
	}
}

func TestClient_ValidateToken(t *testing.T) {
	server := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "good" {
			writeJSON(w, http.StatusOK, map[string]any{"id": "42"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "Invalid OAuth access token", "code": 190}})
	})
	client := newTestClient(t, server, nil)

	if ok, err := client.ValidateToken(context.Background(), "good"); err != nil || !ok {
		t.Fatalf("expected valid token, got %v %v", ok, err)
	}
	if ok, err := client.ValidateToken(context.Background(), "bad"); err != nil || ok {
		t.Fatalf("expected invalid token without error, got %v %v", ok, err)
	}
}

func TestAdAccountID(t *testing.T) {
	if AdAccountID("123") != "act_123" || AdAccountID("act_123") != "act_123" || AdAccountID(" ") != "" {
		t.Fatalf("unexpected ad account normalization")
	}
}
