package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestService_CollectCachesOnMissAndServesHit(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:      "user_1",
		Platform:    PlatformFacebook,
		AccountID:   "act_1",
		AccessToken: "token",
		ExpiresAt:   timePtr(time.Now().Add(24 * time.Hour)),
	})
	req := CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-01-01", "2024-01-31"),
	}

	first, err := h.service.Collect(context.Background(), req)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if first.FromCache {
		t.Fatalf("expected first collect to miss the cache")
	}
	if first.Metrics.Impressions != 1000 || first.Metrics.Clicks != 50 {
		t.Fatalf("unexpected metrics: %+v", first.Metrics)
	}
	if math.Abs(first.Metrics.CTR-5) > 1e-9 {
		t.Fatalf("expected CTR 5, got %v", first.Metrics.CTR)
	}

	second, err := h.service.Collect(context.Background(), req)
	if err != nil {
		t.Fatalf("second collect: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("expected second collect to hit the cache")
	}
	if second.CacheKey != first.CacheKey {
		t.Fatalf("expected stable cache key, got %q and %q", first.CacheKey, second.CacheKey)
	}
	if got := h.clients[PlatformFacebook].metricsCalls.Load(); got != 1 {
		t.Fatalf("expected one platform fetch, got %d", got)
	}
	if len(second.Rows) != 1 {
		t.Fatalf("expected cached rows to be restored, got %d", len(second.Rows))
	}
}

func TestService_CollectNonAccountScopeWithoutObjectID(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:      "user_1",
		Platform:    PlatformGoogle,
		AccountID:   "123-456-7890",
		AccessToken: "token",
		ExpiresAt:   timePtr(time.Now().Add(24 * time.Hour)),
	})
	var seen []MetricsQuery
	h.clients[PlatformGoogle].metricsFn = func(_ Credential, query MetricsQuery) ([]MetricRow, error) {
		seen = append(seen, query)
		return []MetricRow{{ObjectID: "111", Impressions: 10}, {ObjectID: "222", Impressions: 20}}, nil
	}

	for _, scope := range []ObjectScope{ScopeCampaign, ScopeAdSet, ScopeAd} {
		data, err := h.service.Collect(context.Background(), CollectRequest{
			UserID:       "user_1",
			ConnectionID: conn.ID,
			DateRange:    mustDateRange(t, "2024-01-01", "2024-01-31"),
			Scope:        scope,
		})
		if err != nil {
			t.Fatalf("collect %s: %v", scope, err)
		}
		if data.ObjectID != "" || data.Metrics.Impressions != 30 {
			t.Fatalf("%s: expected every object of the account, got object %q and %+v", scope, data.ObjectID, data.Metrics)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected three platform fetches, got %d", len(seen))
	}
	for _, query := range seen {
		if query.ObjectID != "" || query.AccountID != "123-456-7890" {
			t.Fatalf("expected no object filter for %s, got %+v", query.Scope, query)
		}
	}

	account, err := h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-01-01", "2024-01-31"),
	})
	if err != nil {
		t.Fatalf("collect account: %v", err)
	}
	if account.ObjectID != "123-456-7890" || seen[len(seen)-1].ObjectID != "123-456-7890" {
		t.Fatalf("expected account scope to target the account, got %q", account.ObjectID)
	}
}

func TestService_CollectRefetchesUnreadableCacheEntry(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:      "user_1",
		Platform:    PlatformTikTok,
		AccountID:   "adv_1",
		AccessToken: "token",
		ExpiresAt:   timePtr(time.Now().Add(24 * time.Hour)),
	})
	req := CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-02-01", "2024-02-02"),
	}
	first, err := h.service.Collect(context.Background(), req)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	h.cache.mu.Lock()
	entry := h.cache.entries[first.CacheKey]
	entry.Raw = []byte("{not json")
	h.cache.entries[first.CacheKey] = entry
	h.cache.mu.Unlock()

	second, err := h.service.Collect(context.Background(), req)
	if err != nil {
		t.Fatalf("collect after corruption: %v", err)
	}
	if second.FromCache || len(second.Rows) != 1 {
		t.Fatalf("expected a fresh fetch, got from_cache=%v rows=%d", second.FromCache, len(second.Rows))
	}
	if got := h.clients[PlatformTikTok].metricsCalls.Load(); got != 2 {
		t.Fatalf("expected the unreadable entry to be refetched, got %d fetches", got)
	}
}

func TestService_CollectRefreshesExpiredTokenAndPersists(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:       "user_1",
		Platform:     PlatformGoogle,
		AccountID:    "123-456",
		AccessToken:  "stale",
		RefreshToken: "rt",
		ExpiresAt:    timePtr(time.Now().Add(-time.Hour)),
	})

	_, err := h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-02-01", "2024-02-02"),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	stored, _, _ := h.store.Get(context.Background(), "user_1", conn.ID)
	if stored.AccessToken != "refreshed-rt" {
		t.Fatalf("expected refreshed token to be persisted, got %q", stored.AccessToken)
	}
	if stored.ExpiresAt == nil || !stored.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected new expiry in the future, got %v", stored.ExpiresAt)
	}
	seen := h.clients[PlatformGoogle].seenCredential
	if len(seen) != 1 || seen[0].AccessToken != "refreshed-rt" {
		t.Fatalf("expected fetch with refreshed token, got %+v", seen)
	}
}

func TestService_CollectExpiredWithoutRefreshTokenRequiresReauth(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:      "user_1",
		Platform:    PlatformTikTok,
		AccountID:   "adv_1",
		AccessToken: "stale",
		ExpiresAt:   timePtr(time.Now().Add(-time.Minute)),
	})

	_, err := h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-02-01", "2024-02-02"),
	})
	if !IsReauthenticationRequired(err) {
		t.Fatalf("expected reauthentication required, got %v", err)
	}
	if !strings.Contains(err.Error(), "please reconnect your account") {
		t.Fatalf("expected actionable message, got %q", err.Error())
	}
	if got := h.clients[PlatformTikTok].metricsCalls.Load(); got != 0 {
		t.Fatalf("expected no fetch, got %d", got)
	}
}

func TestService_CollectRejectsUnreadableCredential(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:               "user_1",
		Platform:             PlatformFacebook,
		AccountID:            "act_1",
		CredentialUnreadable: true,
	})

	_, err := h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-02-01", "2024-02-02"),
	})
	if !IsReauthenticationRequired(err) || !IsDecryptionFailure(err) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
	if code := ErrorCode(err); code != ServiceErrorDecryptionFailure {
		t.Fatalf("expected %s, got %s", ServiceErrorDecryptionFailure, code)
	}
}

func TestService_CollectForceRefreshesOnceWhenTokenRejected(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:       "user_1",
		Platform:     PlatformFacebook,
		AccountID:    "act_1",
		AccessToken:  "revoked",
		RefreshToken: "long-lived",
		ExpiresAt:    timePtr(time.Now().Add(24 * time.Hour)),
	})
	client := h.clients[PlatformFacebook]
	client.metricsFn = func(cred Credential, query MetricsQuery) ([]MetricRow, error) {
		if cred.AccessToken == "revoked" {
			return nil, NewTokenRejectedError(PlatformFacebook, "insights", "token revoked", nil)
		}
		return []MetricRow{{Impressions: 10, Clicks: 1}}, nil
	}

	data, err := h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-03-01", "2024-03-07"),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if data.Metrics.Impressions != 10 {
		t.Fatalf("unexpected metrics: %+v", data.Metrics)
	}
	if got := client.refreshCalls.Load(); got != 1 {
		t.Fatalf("expected one forced refresh, got %d", got)
	}
	if got := client.metricsCalls.Load(); got != 2 {
		t.Fatalf("expected two fetches, got %d", got)
	}
}

func TestService_CollectDoesNotRetryPermanentErrors(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:      "user_1",
		Platform:    PlatformGoogle,
		AccountID:   "123",
		AccessToken: "token",
		ExpiresAt:   timePtr(time.Now().Add(time.Hour)),
	})
	client := h.clients[PlatformGoogle]
	client.metricsFn = func(Credential, MetricsQuery) ([]MetricRow, error) {
		return nil, NewPermanentProviderError(PlatformGoogle, "search", 400, "bad query", nil)
	}

	_, err := h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-03-01", "2024-03-07"),
	})
	if !IsPermanentProviderError(err) {
		t.Fatalf("expected permanent provider error, got %v", err)
	}
	if got := client.metricsCalls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestService_CollectRetriesTransientErrors(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID:      "user_1",
		Platform:    PlatformGoogle,
		AccountID:   "123",
		AccessToken: "token",
		ExpiresAt:   timePtr(time.Now().Add(time.Hour)),
	})
	client := h.clients[PlatformGoogle]
	client.metricsFn = func(Credential, MetricsQuery) ([]MetricRow, error) {
		if client.metricsCalls.Load() < 3 {
			return nil, NewTransientProviderError(PlatformGoogle, "search", 503, "unavailable", nil)
		}
		return []MetricRow{{Impressions: 1}}, nil
	}

	if _, err := h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-03-01", "2024-03-07"),
	}); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := client.metricsCalls.Load(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}
}

func TestService_CollectRequiresActiveConnection(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{UserID: "user_1", Platform: PlatformFacebook, AccountID: "act_1", AccessToken: "t"})
	if err := h.service.Disconnect(context.Background(), "user_1", conn.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	_, err := h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_1",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-03-01", "2024-03-07"),
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not found for inactive connection, got %v", err)
	}

	_, err = h.service.Collect(context.Background(), CollectRequest{
		UserID:       "user_2",
		ConnectionID: conn.ID,
		DateRange:    mustDateRange(t, "2024-03-01", "2024-03-07"),
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestService_CollectManyReportsPartialFailure(t *testing.T) {
	h := newTestHarness(t)
	future := timePtr(time.Now().Add(time.Hour))
	first := h.store.put(Connection{UserID: "user_1", Platform: PlatformFacebook, AccountID: "act_1", AccessToken: "a", ExpiresAt: future})
	second := h.store.put(Connection{UserID: "user_1", Platform: PlatformGoogle, AccountID: "g_1", AccessToken: "b", ExpiresAt: future})
	expired := h.store.put(Connection{
		UserID:      "user_1",
		Platform:    PlatformTikTok,
		AccountID:   "t_1",
		AccessToken: "c",
		ExpiresAt:   timePtr(time.Now().Add(-time.Hour)),
	})

	result := h.service.CollectMany(
		context.Background(),
		"user_1",
		[]string{first.ID, expired.ID, second.ID},
		mustDateRange(t, "2024-04-01", "2024-04-30"),
	)
	if len(result.Successful) != 2 {
		t.Fatalf("expected two successes, got %d", len(result.Successful))
	}
	if len(result.Failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(result.Failed))
	}
	failure := result.Failed[0]
	if failure.ConnectionID != expired.ID {
		t.Fatalf("expected failure for %s, got %s", expired.ID, failure.ConnectionID)
	}
	if failure.Code != ServiceErrorReauthRequired {
		t.Fatalf("expected reauth code, got %s", failure.Code)
	}
	if result.Successful[0].ConnectionID != first.ID || result.Successful[1].ConnectionID != second.ID {
		t.Fatalf("expected successes in input order")
	}
}

func TestService_CollectManyEmptyInput(t *testing.T) {
	h := newTestHarness(t)
	result := h.service.CollectMany(context.Background(), "user_1", nil, mustDateRange(t, "2024-04-01", "2024-04-30"))
	if len(result.Successful) != 0 || len(result.Failed) != 0 {
		t.Fatalf("expected empty batch result, got %+v", result)
	}
}

func TestService_ConnectEnforcesQuota(t *testing.T) {
	h := newTestHarness(t)
	h.store.setPlan("user_1", PlanFree)
	ctx := context.Background()

	if _, err := h.service.Connect(ctx, CreateConnectionInput{
		UserID: "user_1", Platform: PlatformFacebook, AccountID: "act_1", AccessToken: "a",
	}); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	_, err := h.service.Connect(ctx, CreateConnectionInput{
		UserID: "user_1", Platform: PlatformFacebook, AccountID: "act_2", AccessToken: "b",
	})
	if !IsQuotaExceeded(err) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "FREE") {
		t.Fatalf("expected plan name in message, got %q", err.Error())
	}

	again, err := h.service.Connect(ctx, CreateConnectionInput{
		UserID: "user_1", Platform: PlatformFacebook, AccountID: "act_1", AccessToken: "rotated",
	})
	if err != nil {
		t.Fatalf("reconnect at quota: %v", err)
	}
	if again.AccessToken != "rotated" {
		t.Fatalf("expected reconnect to update token, got %q", again.AccessToken)
	}
	limits, err := h.service.ConnectionLimits(ctx, "user_1", PlatformFacebook)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if limits.Current != 1 || limits.Max != 1 || limits.Remaining != 0 || limits.Profile != PlanFree {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestService_ConnectValidatesInput(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.service.Connect(context.Background(), CreateConnectionInput{UserID: "user_1", Platform: "MYSPACE"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if code := ErrorCode(err); code != ServiceErrorBadInput {
		t.Fatalf("expected bad input code, got %s", code)
	}
}

func TestService_DisconnectUnknownConnection(t *testing.T) {
	h := newTestHarness(t)
	if err := h.service.Disconnect(context.Background(), "user_1", "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestService_InvalidateAccountMarksCacheStale(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID: "user_1", Platform: PlatformFacebook, AccountID: "act_1", AccessToken: "t",
		ExpiresAt: timePtr(time.Now().Add(time.Hour)),
	})
	req := CollectRequest{UserID: "user_1", ConnectionID: conn.ID, DateRange: mustDateRange(t, "2024-01-01", "2024-01-02")}
	if _, err := h.service.Collect(context.Background(), req); err != nil {
		t.Fatalf("collect: %v", err)
	}

	affected, err := h.service.InvalidateAccount(context.Background(), "user_1", conn.ID, "manual refresh")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected one affected row, got %d", affected)
	}
	data, err := h.service.Collect(context.Background(), req)
	if err != nil {
		t.Fatalf("collect after invalidate: %v", err)
	}
	if data.FromCache {
		t.Fatalf("expected fetch after invalidation")
	}
	log, err := h.service.Invalidations(context.Background(), "user_1", conn.ID, 10)
	if err != nil {
		t.Fatalf("invalidations: %v", err)
	}
	if len(log) != 1 || log[0].Reason != "manual refresh" {
		t.Fatalf("unexpected invalidation log: %+v", log)
	}
}

func TestService_ListCampaigns(t *testing.T) {
	h := newTestHarness(t)
	conn := h.store.put(Connection{
		UserID: "user_1", Platform: PlatformTikTok, AccountID: "adv", AccessToken: "t",
		ExpiresAt: timePtr(time.Now().Add(time.Hour)),
	})
	campaigns, err := h.service.ListCampaigns(context.Background(), "user_1", conn.ID)
	if err != nil {
		t.Fatalf("list campaigns: %v", err)
	}
	if len(campaigns) != 1 || campaigns[0].ID != "cmp_1" {
		t.Fatalf("unexpected campaigns: %+v", campaigns)
	}
}

func TestService_OAuthFlowWithAccountSelection(t *testing.T) {
	h := newTestHarness(t)
	h.store.setPlan("user_1", PlanBasic)
	ctx := context.Background()

	begin, err := h.service.BeginOAuth(ctx, BeginOAuthRequest{
		UserID:      "user_1",
		Platform:    PlatformGoogle,
		RedirectURI: "https://app.example.test/callback",
		Scopes:      []string{"adwords"},
	})
	if err != nil {
		t.Fatalf("begin oauth: %v", err)
	}
	if begin.State == "" || !strings.Contains(begin.URL, begin.State) {
		t.Fatalf("expected state in url, got %+v", begin)
	}

	if _, err := h.service.CompleteOAuth(ctx, CompleteOAuthRequest{
		UserID: "user_2", State: begin.State, Code: "abc", AccountID: "111",
	}); err == nil || ErrorCode(err) != ServiceErrorOAuthStateInvalid {
		t.Fatalf("expected state mismatch rejection, got %v", err)
	}

	complete, err := h.service.CompleteOAuth(ctx, CompleteOAuthRequest{
		UserID: "user_1", State: begin.State, Code: "abc", AccountID: "111", AccountName: "Main",
	})
	if err != nil {
		t.Fatalf("complete oauth: %v", err)
	}
	if complete.Connection == nil || complete.Connection.AccessToken != "access-abc" {
		t.Fatalf("unexpected connection: %+v", complete.Connection)
	}

	if _, err := h.service.CompleteOAuth(ctx, CompleteOAuthRequest{
		UserID: "user_1", State: begin.State, Code: "abc", AccountID: "111",
	}); err == nil {
		t.Fatalf("expected consumed state to be rejected")
	}
}

func TestService_OAuthPendingGrantThenConnect(t *testing.T) {
	h := newTestHarness(t)
	h.store.setPlan("user_1", PlanPro)
	ctx := context.Background()

	begin, err := h.service.BeginOAuth(ctx, BeginOAuthRequest{
		UserID: "user_1", Platform: PlatformTikTok, RedirectURI: "https://app.example.test/cb",
	})
	if err != nil {
		t.Fatalf("begin oauth: %v", err)
	}
	complete, err := h.service.CompleteOAuth(ctx, CompleteOAuthRequest{UserID: "user_1", State: begin.State, Code: "xyz"})
	if err != nil {
		t.Fatalf("complete oauth: %v", err)
	}
	if complete.Connection != nil || complete.PendingHandle == "" {
		t.Fatalf("expected pending handle, got %+v", complete)
	}

	if _, err := h.service.ConnectPending(ctx, ConnectPendingRequest{
		UserID: "user_2", PendingHandle: complete.PendingHandle, AccountID: "adv_9",
	}); err == nil {
		t.Fatalf("expected other user to be rejected")
	}
	conn, err := h.service.ConnectPending(ctx, ConnectPendingRequest{
		UserID: "user_1", PendingHandle: complete.PendingHandle, AccountID: "adv_9", AccountName: "Shop",
	})
	if err != nil {
		t.Fatalf("connect pending: %v", err)
	}
	if conn.Platform != PlatformTikTok || conn.AccountID != "adv_9" || conn.RefreshToken != "refresh-xyz" {
		t.Fatalf("unexpected connection: %+v", conn)
	}
	if _, err := h.service.ConnectPending(ctx, ConnectPendingRequest{
		UserID: "user_1", PendingHandle: complete.PendingHandle, AccountID: "adv_9",
	}); err == nil {
		t.Fatalf("expected pending grant to be single use")
	}
}

func TestService_ReconnectInvalidatesCache(t *testing.T) {
	h := newTestHarness(t)
	h.store.setPlan("user_1", PlanFree)
	ctx := context.Background()
	conn, err := h.service.Connect(ctx, CreateConnectionInput{
		UserID: "user_1", Platform: PlatformFacebook, AccountID: "act_1", AccessToken: "a",
		ExpiresAt: timePtr(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := h.service.Collect(ctx, CollectRequest{
		UserID: "user_1", ConnectionID: conn.ID, DateRange: mustDateRange(t, "2024-01-01", "2024-01-02"),
	}); err != nil {
		t.Fatalf("collect: %v", err)
	}

	begin, err := h.service.BeginOAuth(ctx, BeginOAuthRequest{
		UserID: "user_1", Platform: PlatformFacebook, RedirectURI: "https://app.example.test/cb",
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := h.service.CompleteOAuth(ctx, CompleteOAuthRequest{
		UserID: "user_1", State: begin.State, Code: "new", AccountID: "act_1",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(h.cache.invalidations) != 1 || h.cache.invalidations[0].Reason != "reconnected" {
		t.Fatalf("expected reconnect invalidation, got %+v", h.cache.invalidations)
	}
}

func TestService_BeginOAuthUnknownPlatformClient(t *testing.T) {
	store := newMemoryConnectionStore()
	svc, err := NewService(DefaultConfig(), WithLogger(stubLogger{}), WithConnectionStore(store))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = svc.BeginOAuth(context.Background(), BeginOAuthRequest{
		UserID: "user_1", Platform: PlatformGoogle, RedirectURI: "https://app.example.test/cb",
	})
	if err == nil {
		t.Fatalf("expected error without registered client")
	}
}

func TestService_SweepPurgesExpiredOAuthStates(t *testing.T) {
	states := NewMemoryOAuthStateStore(time.Millisecond)
	h := newTestHarness(t, WithOAuthStateStore(states))
	if _, err := h.service.BeginOAuth(context.Background(), BeginOAuthRequest{
		UserID: "user_1", Platform: PlatformFacebook, RedirectURI: "https://app.example.test/cb",
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	removed := h.service.Sweep(context.Background())
	if removed["oauth_states"] != 1 {
		t.Fatalf("expected one swept state, got %+v", removed)
	}
}

func TestService_MapsErrorsWithTextCodes(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.service.GetConnection(context.Background(), "user_1", "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if code := ErrorCode(err); code != ServiceErrorNotFound {
		t.Fatalf("expected %s, got %s", ServiceErrorNotFound, code)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancellation")
	}
}
