package query

import (
	"github.com/goliatone/go-adsconnect/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[CollectMessage, core.AccountData]                   = (*CollectQuery)(nil)
	_ gocmd.Querier[CollectManyMessage, core.BatchResult]               = (*CollectManyQuery)(nil)
	_ gocmd.Querier[ListConnectionsMessage, []core.Connection]          = (*ListConnectionsQuery)(nil)
	_ gocmd.Querier[GetConnectionMessage, core.Connection]              = (*GetConnectionQuery)(nil)
	_ gocmd.Querier[ConnectionLimitsMessage, core.ConnectionLimits]     = (*ConnectionLimitsQuery)(nil)
	_ gocmd.Querier[ListCampaignsMessage, []core.Campaign]              = (*ListCampaignsQuery)(nil)
	_ gocmd.Querier[ListInvalidationsMessage, []core.CacheInvalidation] = (*ListInvalidationsQuery)(nil)

	_ CollectService   = (core.AdsConnectService)(nil)
	_ ConnectionReader = (core.AdsConnectService)(nil)
)
