package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

const userPlanCacheKeyPrefix = "adsconnect::user_plan::v1"

// PlanWriter assigns a plan tier to a user.
type PlanWriter interface {
	SetPlan(ctx context.Context, userID string, plan core.PlanTier) error
}

// PlanStore reads and writes the user_plans table.
type PlanStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewPlanStore(db *bun.DB) (*PlanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &PlanStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *PlanStore) ResolvePlan(ctx context.Context, userID string) (core.PlanTier, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("sqlstore: plan store is not configured")
	}
	record := &userPlanRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.user_id = ?", strings.TrimSpace(userID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	plan, err := core.ParsePlanTier(record.Plan)
	if err != nil {
		return "", false, err
	}
	return plan, true, nil
}

func (s *PlanStore) SetPlan(ctx context.Context, userID string, plan core.PlanTier) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: plan store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("sqlstore: user id is required")
	}
	parsed, err := core.ParsePlanTier(string(plan))
	if err != nil {
		return err
	}
	now := s.now()
	record := &userPlanRecord{UserID: userID, Plan: string(parsed), CreatedAt: now, UpdatedAt: now}
	_, err = s.db.NewInsert().
		Model(record).
		On("CONFLICT (user_id) DO UPDATE").
		Set("plan = EXCLUDED.plan").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

type cachedPlan struct {
	Plan  core.PlanTier
	Found bool
}

// CachedPlanResolver serves plan lookups from a go-repository-cache service.
// Writes through SetPlan drop the cached entry.
type CachedPlanResolver struct {
	base  core.PlanResolver
	cache repositorycache.CacheService
}

func NewCachedPlanResolver(base core.PlanResolver, cacheService repositorycache.CacheService) (*CachedPlanResolver, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base plan resolver is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: plan cache service is required")
	}
	return &CachedPlanResolver{base: base, cache: cacheService}, nil
}

func UserPlanCacheKey(userID string) string {
	return userPlanCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(userID))
}

func (r *CachedPlanResolver) ResolvePlan(ctx context.Context, userID string) (core.PlanTier, bool, error) {
	if r == nil || r.base == nil || r.cache == nil {
		return "", false, fmt.Errorf("sqlstore: cached plan resolver is not configured")
	}
	result, err := repositorycache.GetOrFetch(ctx, r.cache, UserPlanCacheKey(userID), func(ctx context.Context) (cachedPlan, error) {
		plan, found, err := r.base.ResolvePlan(ctx, userID)
		if err != nil {
			return cachedPlan{}, err
		}
		return cachedPlan{Plan: plan, Found: found}, nil
	})
	if err != nil {
		return "", false, err
	}
	return result.Plan, result.Found, nil
}

func (r *CachedPlanResolver) SetPlan(ctx context.Context, userID string, plan core.PlanTier) error {
	if r == nil || r.base == nil || r.cache == nil {
		return fmt.Errorf("sqlstore: cached plan resolver is not configured")
	}
	writer, ok := r.base.(PlanWriter)
	if !ok {
		return fmt.Errorf("sqlstore: plan resolver %T does not accept writes", r.base)
	}
	if err := writer.SetPlan(ctx, userID, plan); err != nil {
		return err
	}
	return r.Invalidate(ctx, userID)
}

func (r *CachedPlanResolver) Invalidate(ctx context.Context, userID string) error {
	if r == nil || r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, UserPlanCacheKey(userID))
}
