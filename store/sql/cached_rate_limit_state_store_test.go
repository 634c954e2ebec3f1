package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/ratelimit"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type stubRateLimitStateStore struct {
	mu          sync.Mutex
	state       ratelimit.State
	getCalls    int
	upsertCalls int
	getErr      error
}

func (s *stubRateLimitStateStore) Get(_ context.Context, _ core.RateLimitKey) (ratelimit.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return ratelimit.State{}, s.getErr
	}
	return cloneRateLimitState(s.state), nil
}

func (s *stubRateLimitStateStore) Upsert(_ context.Context, state ratelimit.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	s.state = cloneRateLimitState(state)
	return nil
}

func TestCachedRateLimitStateStore_GetMissFetchThenHit(t *testing.T) {
	key := core.RateLimitKey{Platform: core.PlatformFacebook, AccountID: "act_1", BucketKey: "insights"}
	base := &stubRateLimitStateStore{state: ratelimit.State{Key: key, Limit: 200, Remaining: 199, UpdatedAt: time.Now().UTC()}}
	store, err := NewCachedRateLimitStateStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Get(context.Background(), key); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if base.getCalls != 1 {
		t.Fatalf("expected second get to be a cache hit, base get calls=%d", base.getCalls)
	}
}

func TestCachedRateLimitStateStore_UpsertInvalidatesCachedKey(t *testing.T) {
	key := core.RateLimitKey{Platform: core.PlatformTikTok, AccountID: "adv_2"}
	base := &stubRateLimitStateStore{state: ratelimit.State{Key: key, Remaining: 10}}
	store, err := NewCachedRateLimitStateStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}
	if _, err := store.Get(context.Background(), key); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if err := store.Upsert(context.Background(), ratelimit.State{Key: key, Remaining: 4}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if base.getCalls != 2 || state.Remaining != 4 {
		t.Fatalf("expected refreshed read, calls=%d remaining=%d", base.getCalls, state.Remaining)
	}
}

func TestRateLimitStateCacheKey_NormalizesAndEscapes(t *testing.T) {
	first, err := RateLimitStateCacheKey(core.RateLimitKey{Platform: " google ", AccountID: "123/456 7", BucketKey: " Search "})
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	const expected = "adsconnect::ratelimit_state::v1::google::123%2F456%207::search"
	if first != expected {
		t.Fatalf("unexpected cache key: got %q want %q", first, expected)
	}
	if _, err := RateLimitStateCacheKey(core.RateLimitKey{Platform: core.PlatformGoogle}); err == nil {
		t.Fatalf("expected missing account to fail")
	}
}

func TestCachedRateLimitStateStore_PropagatesBaseErrors(t *testing.T) {
	base := &stubRateLimitStateStore{getErr: ratelimit.ErrStateNotFound}
	store, err := NewCachedRateLimitStateStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached state store: %v", err)
	}
	_, err = store.Get(context.Background(), core.RateLimitKey{Platform: core.PlatformGoogle, AccountID: "1"})
	if !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected base error propagation, got %v", err)
	}
}

type countingPlanResolver struct {
	calls int
	plans map[string]core.PlanTier
}

func (r *countingPlanResolver) ResolvePlan(_ context.Context, userID string) (core.PlanTier, bool, error) {
	r.calls++
	plan, ok := r.plans[userID]
	return plan, ok, nil
}

func (r *countingPlanResolver) SetPlan(_ context.Context, userID string, plan core.PlanTier) error {
	r.plans[userID] = plan
	return nil
}

func TestCachedPlanResolver_CachesAndInvalidatesOnWrite(t *testing.T) {
	base := &countingPlanResolver{plans: map[string]core.PlanTier{"user_1": core.PlanBasic}}
	resolver, err := NewCachedPlanResolver(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	for i := 0; i < 2; i++ {
		plan, ok, err := resolver.ResolvePlan(context.Background(), "user_1")
		if err != nil || !ok || plan != core.PlanBasic {
			t.Fatalf("resolve %d: %v %v %v", i, plan, ok, err)
		}
	}
	if base.calls != 1 {
		t.Fatalf("expected cached second lookup, calls=%d", base.calls)
	}
	if err := resolver.SetPlan(context.Background(), "user_1", core.PlanPro); err != nil {
		t.Fatalf("set plan: %v", err)
	}
	plan, _, _ := resolver.ResolvePlan(context.Background(), "user_1")
	if plan != core.PlanPro || base.calls != 2 {
		t.Fatalf("expected fresh lookup after write, plan=%s calls=%d", plan, base.calls)
	}
}

func newTestCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
