package sqlstore

import (
	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/ratelimit"
)

var (
	_ core.ConnectionStore = (*ConnectionStore)(nil)
	_ core.PlanResolver    = (*PlanStore)(nil)
	_ core.PlanResolver    = (*CachedPlanResolver)(nil)
	_ PlanWriter           = (*PlanStore)(nil)
	_ PlanWriter           = (*CachedPlanResolver)(nil)
	_ core.MetricCache     = (*MetricCacheStore)(nil)
	_ core.InvalidationLog = (*MetricCacheStore)(nil)
	_ ratelimit.StateStore = (*RateLimitStateStore)(nil)
	_ core.StoreProvider   = (*RepositoryFactory)(nil)
)
