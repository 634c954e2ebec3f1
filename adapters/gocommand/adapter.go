package gocommand

import (
	"context"
	"fmt"
	"strings"

	adscommand "github.com/goliatone/go-adsconnect/command"
	"github.com/goliatone/go-adsconnect/core"
	adsquery "github.com/goliatone/go-adsconnect/query"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// Service is everything the registered handlers call into; core.Service
// satisfies it.
type Service interface {
	adscommand.MutatingService
	adsquery.CollectService
	adsquery.ConnectionReader
}

// ValidateMessageContract checks that msg has a non-empty Type() and passes
// its own Validate() when it has one.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeCommandFunc[T any](handler command.CommandFunc[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(handler, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func SubscribeQueryFunc[T any, R any](qry command.QueryFunc[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Subscriptions collects dispatcher subscriptions so they can be dropped
// together.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, subscription := range s {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

// RegisterService registers and subscribes every adsconnect command and
// query for service. The invalidation log query is only wired when log is
// non-nil. On failure nothing stays subscribed.
func RegisterService(
	adapter *RegistryAdapter,
	service Service,
	log core.InvalidationLog,
	runnerOpts ...runner.Option,
) (Subscriptions, error) {
	if service == nil {
		return nil, fmt.Errorf("gocommand: service is required")
	}
	subs := Subscriptions{}
	register := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	steps := []func() error{
		func() error {
			return register(RegisterAndSubscribe[adscommand.CreateConnectionMessage](adapter, adscommand.NewCreateConnectionCommand(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[adscommand.DisconnectMessage](adapter, adscommand.NewDisconnectCommand(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[adscommand.BeginOAuthMessage](adapter, adscommand.NewBeginOAuthCommand(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[adscommand.CompleteOAuthMessage](adapter, adscommand.NewCompleteOAuthCommand(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[adscommand.ConnectPendingMessage](adapter, adscommand.NewConnectPendingCommand(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[adscommand.InvalidateAccountMessage](adapter, adscommand.NewInvalidateAccountCommand(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[adsquery.CollectMessage, core.AccountData](adapter, adsquery.NewCollectQuery(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[adsquery.CollectManyMessage, core.BatchResult](adapter, adsquery.NewCollectManyQuery(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[adsquery.ListConnectionsMessage, []core.Connection](adapter, adsquery.NewListConnectionsQuery(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[adsquery.GetConnectionMessage, core.Connection](adapter, adsquery.NewGetConnectionQuery(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[adsquery.ConnectionLimitsMessage, core.ConnectionLimits](adapter, adsquery.NewConnectionLimitsQuery(service), runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[adsquery.ListCampaignsMessage, []core.Campaign](adapter, adsquery.NewListCampaignsQuery(service), runnerOpts...))
		},
	}
	if log != nil {
		steps = append(steps, func() error {
			return register(RegisterAndSubscribeQuery[adsquery.ListInvalidationsMessage, []core.CacheInvalidation](adapter, adsquery.NewListInvalidationsQuery(log), runnerOpts...))
		})
	}

	for _, step := range steps {
		if err := step(); err != nil {
			subs.Unsubscribe()
			return nil, err
		}
	}
	return subs, nil
}
