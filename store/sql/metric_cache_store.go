package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultInvalidationLimit = 50

// MetricCacheStore keeps normalized metric payloads keyed by the
// deterministic cache key. Invalidation marks rows stale and appends to the
// cache_invalidations log; rows are never deleted.
type MetricCacheStore struct {
	db      *bun.DB
	repo    repository.Repository[*metricCacheRecord]
	logRepo repository.Repository[*cacheInvalidationRecord]
	now     func() time.Time
}

func NewMetricCacheStore(db *bun.DB) (*MetricCacheStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, metricCacheHandlers(), "metric cache")
	if err != nil {
		return nil, err
	}
	logRepo, err := newRepository(db, cacheInvalidationHandlers(), "cache invalidation")
	if err != nil {
		return nil, err
	}
	return &MetricCacheStore{
		db:      db,
		repo:    repo,
		logRepo: logRepo,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *MetricCacheStore) Get(ctx context.Context, cacheKey string) (core.CachedMetric, bool, error) {
	if s == nil || s.db == nil {
		return core.CachedMetric{}, false, fmt.Errorf("sqlstore: metric cache store is not configured")
	}
	record, err := findMetricByKey(ctx, s.db, cacheKey)
	if err != nil || record == nil {
		return core.CachedMetric{}, false, err
	}
	if record.IsStale || !record.ExpiresAt.After(s.now()) {
		return core.CachedMetric{}, false, nil
	}
	return record.toDomain(), true, nil
}

func (s *MetricCacheStore) Put(ctx context.Context, in core.CachedMetricInput, ttl time.Duration) (core.CachedMetric, error) {
	if s == nil || s.db == nil {
		return core.CachedMetric{}, fmt.Errorf("sqlstore: metric cache store is not configured")
	}
	key := strings.TrimSpace(in.CacheKey)
	if key == "" {
		return core.CachedMetric{}, fmt.Errorf("sqlstore: cache key is required")
	}
	if strings.TrimSpace(in.AccountID) == "" {
		return core.CachedMetric{}, fmt.Errorf("sqlstore: account id is required")
	}
	if ttl <= 0 {
		ttl = core.DefaultCacheTTL
	}
	now := s.now()
	record := &metricCacheRecord{
		ID:        uuid.NewString(),
		CacheKey:  key,
		Platform:  string(in.Platform),
		AccountID: strings.TrimSpace(in.AccountID),
		Scope:     string(in.Scope),
		ObjectID:  strings.TrimSpace(in.ObjectID),
		Payload:   in.Payload,
		Raw:       string(in.Raw),
		IsStale:   false,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	var out *metricCacheRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(record).
			On("CONFLICT (cache_key) DO UPDATE").
			Set("platform = EXCLUDED.platform").
			Set("account_id = EXCLUDED.account_id").
			Set("scope = EXCLUDED.scope").
			Set("object_id = EXCLUDED.object_id").
			Set("payload = EXCLUDED.payload").
			Set("raw = EXCLUDED.raw").
			Set("is_stale = EXCLUDED.is_stale").
			Set("created_at = EXCLUDED.created_at").
			Set("expires_at = EXCLUDED.expires_at").
			Exec(ctx)
		if err != nil {
			return err
		}
		out, err = findMetricByKey(ctx, tx, key)
		if err == nil && out == nil {
			err = fmt.Errorf("sqlstore: metric cache entry %q vanished after upsert", key)
		}
		return err
	})
	if err != nil {
		return core.CachedMetric{}, err
	}
	return out.toDomain(), nil
}

func (s *MetricCacheStore) Invalidate(ctx context.Context, scope core.CacheScope, reason string) (int, error) {
	if s == nil || s.db == nil || s.logRepo == nil {
		return 0, fmt.Errorf("sqlstore: metric cache store is not configured")
	}
	accountID := strings.TrimSpace(scope.AccountID)
	if accountID == "" {
		return 0, fmt.Errorf("sqlstore: account id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}

	affected := 0
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := tx.NewUpdate().
			Model((*metricCacheRecord)(nil)).
			Set("is_stale = ?", true).
			Where("account_id = ?", accountID).
			Where("is_stale = ?", false)
		if scope.Platform != "" {
			query = query.Where("platform = ?", string(scope.Platform))
		}
		if scope.Scope != "" {
			query = query.Where("scope = ?", string(scope.Scope))
		}
		if objectID := strings.TrimSpace(scope.ObjectID); objectID != "" {
			query = query.Where("object_id = ?", objectID)
		}
		res, err := query.Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = int(rows)

		_, err = s.logRepo.CreateTx(ctx, tx, &cacheInvalidationRecord{
			ID:           uuid.NewString(),
			AccountID:    accountID,
			Scope:        string(scope.Scope),
			ObjectID:     strings.TrimSpace(scope.ObjectID),
			Reason:       reason,
			AffectedRows: affected,
			CreatedAt:    s.now(),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Invalidations lists the most recent invalidation log entries for an
// account, newest first.
func (s *MetricCacheStore) Invalidations(ctx context.Context, accountID string, limit int) ([]core.CacheInvalidation, error) {
	if s == nil || s.logRepo == nil {
		return nil, fmt.Errorf("sqlstore: metric cache store is not configured")
	}
	if limit <= 0 {
		limit = defaultInvalidationLimit
	}
	records, _, err := s.logRepo.List(ctx,
		repository.SelectBy("account_id", "=", strings.TrimSpace(accountID)),
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.CacheInvalidation, 0, len(records))
	for _, record := range records {
		out = append(out, core.CacheInvalidation{
			ID:           record.ID,
			AccountID:    record.AccountID,
			Scope:        core.ObjectScope(record.Scope),
			ObjectID:     record.ObjectID,
			Reason:       record.Reason,
			AffectedRows: record.AffectedRows,
			CreatedAt:    record.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func findMetricByKey(ctx context.Context, db bun.IDB, cacheKey string) (*metricCacheRecord, error) {
	record := &metricCacheRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.cache_key = ?", strings.TrimSpace(cacheKey)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (r *metricCacheRecord) toDomain() core.CachedMetric {
	if r == nil {
		return core.CachedMetric{}
	}
	out := core.CachedMetric{
		ID:        r.ID,
		CacheKey:  r.CacheKey,
		Platform:  core.Platform(r.Platform),
		AccountID: r.AccountID,
		Scope:     core.ObjectScope(r.Scope),
		ObjectID:  r.ObjectID,
		Payload:   r.Payload,
		CreatedAt: r.CreatedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
		IsStale:   r.IsStale,
	}
	if r.Raw != "" {
		out.Raw = json.RawMessage(r.Raw)
	}
	return out
}
