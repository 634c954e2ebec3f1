package adsconnect

import (
	"fmt"

	adscommand "github.com/goliatone/go-adsconnect/command"
	"github.com/goliatone/go-adsconnect/core"
	adsquery "github.com/goliatone/go-adsconnect/query"
)

type CommandQueryService interface {
	adscommand.MutatingService
	adsquery.CollectService
	adsquery.ConnectionReader
}

type Commands struct {
	CreateConnection  *adscommand.CreateConnectionCommand
	Disconnect        *adscommand.DisconnectCommand
	BeginOAuth        *adscommand.BeginOAuthCommand
	CompleteOAuth     *adscommand.CompleteOAuthCommand
	ConnectPending    *adscommand.ConnectPendingCommand
	InvalidateAccount *adscommand.InvalidateAccountCommand
}

type Queries struct {
	Collect           *adsquery.CollectQuery
	CollectMany       *adsquery.CollectManyQuery
	ListConnections   *adsquery.ListConnectionsQuery
	GetConnection     *adsquery.GetConnectionQuery
	ConnectionLimits  *adsquery.ConnectionLimitsQuery
	ListCampaigns     *adsquery.ListCampaignsQuery
	ListInvalidations *adsquery.ListInvalidationsQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	invalidationLog core.InvalidationLog
}

func WithInvalidationLog(log core.InvalidationLog) FacadeOption {
	return func(options *facadeOptions) {
		options.invalidationLog = log
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("adsconnect: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	log := cfg.invalidationLog
	if log == nil {
		log = resolveInvalidationLog(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		CreateConnection:  adscommand.NewCreateConnectionCommand(service),
		Disconnect:        adscommand.NewDisconnectCommand(service),
		BeginOAuth:        adscommand.NewBeginOAuthCommand(service),
		CompleteOAuth:     adscommand.NewCompleteOAuthCommand(service),
		ConnectPending:    adscommand.NewConnectPendingCommand(service),
		InvalidateAccount: adscommand.NewInvalidateAccountCommand(service),
	}
	facade.queries = Queries{
		Collect:          adsquery.NewCollectQuery(service),
		CollectMany:      adsquery.NewCollectManyQuery(service),
		ListConnections:  adsquery.NewListConnectionsQuery(service),
		GetConnection:    adsquery.NewGetConnectionQuery(service),
		ConnectionLimits: adsquery.NewConnectionLimitsQuery(service),
		ListCampaigns:    adsquery.NewListCampaignsQuery(service),
	}
	if log != nil {
		facade.queries.ListInvalidations = adsquery.NewListInvalidationsQuery(log)
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

// resolveInvalidationLog falls back to the service's metric cache when it
// keeps an invalidation log (the SQL cache does, the memory one does not).
func resolveInvalidationLog(service CommandQueryService) core.InvalidationLog {
	if log, ok := service.(core.InvalidationLog); ok {
		return log
	}
	provider, ok := service.(interface {
		MetricCache() core.MetricCache
	})
	if !ok {
		return nil
	}
	cache := provider.MetricCache()
	if cache == nil {
		return nil
	}
	log, ok := cache.(core.InvalidationLog)
	if !ok {
		return nil
	}
	return log
}
