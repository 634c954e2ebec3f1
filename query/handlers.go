package query

import (
	"context"

	"github.com/goliatone/go-adsconnect/core"
)

// CollectService is the read side of core.AdsConnectService.
type CollectService interface {
	Collect(ctx context.Context, req core.CollectRequest) (core.AccountData, error)
	CollectMany(ctx context.Context, userID string, connectionIDs []string, dateRange core.DateRange) core.BatchResult
}

type ConnectionReader interface {
	ListConnections(ctx context.Context, userID string, platform *core.Platform) ([]core.Connection, error)
	GetConnection(ctx context.Context, userID string, connectionID string) (core.Connection, error)
	ConnectionLimits(ctx context.Context, userID string, platform core.Platform) (core.ConnectionLimits, error)
	ListCampaigns(ctx context.Context, userID string, connectionID string) ([]core.Campaign, error)
}

type CollectQuery struct {
	service CollectService
}

func NewCollectQuery(service CollectService) *CollectQuery {
	return &CollectQuery{service: service}
}

func (q *CollectQuery) Query(ctx context.Context, msg CollectMessage) (core.AccountData, error) {
	if q == nil || q.service == nil {
		return core.AccountData{}, missingDependency(msg, "collect service")
	}
	return q.service.Collect(ctx, msg.Request)
}

// CollectManyQuery never fails on per-connection errors; they are reported
// in BatchResult.Failed.
type CollectManyQuery struct {
	service CollectService
}

func NewCollectManyQuery(service CollectService) *CollectManyQuery {
	return &CollectManyQuery{service: service}
}

func (q *CollectManyQuery) Query(ctx context.Context, msg CollectManyMessage) (core.BatchResult, error) {
	if q == nil || q.service == nil {
		return core.BatchResult{}, missingDependency(msg, "collect service")
	}
	return q.service.CollectMany(ctx, msg.UserID, msg.ConnectionIDs, msg.DateRange), nil
}

type ListConnectionsQuery struct {
	reader ConnectionReader
}

func NewListConnectionsQuery(reader ConnectionReader) *ListConnectionsQuery {
	return &ListConnectionsQuery{reader: reader}
}

func (q *ListConnectionsQuery) Query(ctx context.Context, msg ListConnectionsMessage) ([]core.Connection, error) {
	if q == nil || q.reader == nil {
		return nil, missingDependency(msg, "connection reader")
	}
	return q.reader.ListConnections(ctx, msg.UserID, msg.Platform)
}

type GetConnectionQuery struct {
	reader ConnectionReader
}

func NewGetConnectionQuery(reader ConnectionReader) *GetConnectionQuery {
	return &GetConnectionQuery{reader: reader}
}

func (q *GetConnectionQuery) Query(ctx context.Context, msg GetConnectionMessage) (core.Connection, error) {
	if q == nil || q.reader == nil {
		return core.Connection{}, missingDependency(msg, "connection reader")
	}
	return q.reader.GetConnection(ctx, msg.UserID, msg.ConnectionID)
}

type ConnectionLimitsQuery struct {
	reader ConnectionReader
}

func NewConnectionLimitsQuery(reader ConnectionReader) *ConnectionLimitsQuery {
	return &ConnectionLimitsQuery{reader: reader}
}

func (q *ConnectionLimitsQuery) Query(ctx context.Context, msg ConnectionLimitsMessage) (core.ConnectionLimits, error) {
	if q == nil || q.reader == nil {
		return core.ConnectionLimits{}, missingDependency(msg, "connection reader")
	}
	return q.reader.ConnectionLimits(ctx, msg.UserID, msg.Platform)
}

type ListCampaignsQuery struct {
	reader ConnectionReader
}

func NewListCampaignsQuery(reader ConnectionReader) *ListCampaignsQuery {
	return &ListCampaignsQuery{reader: reader}
}

func (q *ListCampaignsQuery) Query(ctx context.Context, msg ListCampaignsMessage) ([]core.Campaign, error) {
	if q == nil || q.reader == nil {
		return nil, missingDependency(msg, "connection reader")
	}
	return q.reader.ListCampaigns(ctx, msg.UserID, msg.ConnectionID)
}

type ListInvalidationsQuery struct {
	log core.InvalidationLog
}

func NewListInvalidationsQuery(log core.InvalidationLog) *ListInvalidationsQuery {
	return &ListInvalidationsQuery{log: log}
}

func (q *ListInvalidationsQuery) Query(ctx context.Context, msg ListInvalidationsMessage) ([]core.CacheInvalidation, error) {
	if q == nil || q.log == nil {
		return nil, missingDependency(msg, "invalidation log")
	}
	return q.log.Invalidations(ctx, msg.AccountID, msg.Limit)
}
