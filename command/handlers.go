package command

import (
	"context"

	"github.com/goliatone/go-adsconnect/core"
	gocmd "github.com/goliatone/go-command"
)

// MutatingService is the write side of core.AdsConnectService.
type MutatingService interface {
	Connect(ctx context.Context, in core.CreateConnectionInput) (core.Connection, error)
	Disconnect(ctx context.Context, userID string, connectionID string) error
	BeginOAuth(ctx context.Context, req core.BeginOAuthRequest) (core.BeginOAuthResponse, error)
	CompleteOAuth(ctx context.Context, req core.CompleteOAuthRequest) (core.CompleteOAuthResponse, error)
	ConnectPending(ctx context.Context, req core.ConnectPendingRequest) (core.Connection, error)
	InvalidateAccount(ctx context.Context, userID string, connectionID string, reason string) (int, error)
}

type CreateConnectionCommand struct {
	service MutatingService
}

func NewCreateConnectionCommand(service MutatingService) *CreateConnectionCommand {
	return &CreateConnectionCommand{service: service}
}

func (c *CreateConnectionCommand) Execute(ctx context.Context, msg CreateConnectionMessage) error {
	if c == nil || c.service == nil {
		return missingService("create_connection")
	}
	out, err := c.service.Connect(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DisconnectCommand struct {
	service MutatingService
}

func NewDisconnectCommand(service MutatingService) *DisconnectCommand {
	return &DisconnectCommand{service: service}
}

func (c *DisconnectCommand) Execute(ctx context.Context, msg DisconnectMessage) error {
	if c == nil || c.service == nil {
		return missingService("disconnect")
	}
	return c.service.Disconnect(ctx, msg.UserID, msg.ConnectionID)
}

type BeginOAuthCommand struct {
	service MutatingService
}

func NewBeginOAuthCommand(service MutatingService) *BeginOAuthCommand {
	return &BeginOAuthCommand{service: service}
}

func (c *BeginOAuthCommand) Execute(ctx context.Context, msg BeginOAuthMessage) error {
	if c == nil || c.service == nil {
		return missingService("begin_oauth")
	}
	out, err := c.service.BeginOAuth(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteOAuthCommand struct {
	service MutatingService
}

func NewCompleteOAuthCommand(service MutatingService) *CompleteOAuthCommand {
	return &CompleteOAuthCommand{service: service}
}

func (c *CompleteOAuthCommand) Execute(ctx context.Context, msg CompleteOAuthMessage) error {
	if c == nil || c.service == nil {
		return missingService("complete_oauth")
	}
	out, err := c.service.CompleteOAuth(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ConnectPendingCommand struct {
	service MutatingService
}

func NewConnectPendingCommand(service MutatingService) *ConnectPendingCommand {
	return &ConnectPendingCommand{service: service}
}

func (c *ConnectPendingCommand) Execute(ctx context.Context, msg ConnectPendingMessage) error {
	if c == nil || c.service == nil {
		return missingService("connect_pending")
	}
	out, err := c.service.ConnectPending(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

// InvalidateAccountCommand stores the number of newly staled cache rows as
// its result.
type InvalidateAccountCommand struct {
	service MutatingService
}

func NewInvalidateAccountCommand(service MutatingService) *InvalidateAccountCommand {
	return &InvalidateAccountCommand{service: service}
}

func (c *InvalidateAccountCommand) Execute(ctx context.Context, msg InvalidateAccountMessage) error {
	if c == nil || c.service == nil {
		return missingService("invalidate_account")
	}
	affected, err := c.service.InvalidateAccount(ctx, msg.UserID, msg.ConnectionID, msg.Reason)
	if err != nil {
		return err
	}
	storeResult(ctx, affected)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
